package brokers

import (
	"context"
	"time"

	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/ohlc"
	"github.com/backtesting-org/pikerd/pkg/search"
)

// Backend is what every broker integration provides to the feed layer.
type Backend interface {
	Name() string

	// StreamQuotes pushes normalized quotes for symbols onto out until ctx
	// ends. It must call status.Started once with the init messages and
	// first quotes, and status.SetLive once real-time data flows.
	StreamQuotes(ctx context.Context, symbols []string, out chan<- data.Quotes, status *StreamStatus) error

	// BackfillBars fills buf with recent history and returns once the
	// first batch is in.
	BackfillBars(ctx context.Context, symbol string, buf *ohlc.Buffer) error

	SearchSymbols(ctx context.Context, pattern string) (search.Results, error)

	// SearchPausePeriod spaces consecutive searches. Zero uses the
	// registry default.
	SearchPausePeriod() time.Duration
}

// Trader is implemented by backends that support live order entry.
type Trader interface {
	OpenTradesDialogue(ctx context.Context) (*Dialogue, error)
}
