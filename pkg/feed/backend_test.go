package feed_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/ohlc"
	"github.com/backtesting-org/pikerd/pkg/search"
)

// fakeBackend streams whatever is pushed onto its ticks channel.
type fakeBackend struct {
	ticks     chan data.Quotes
	streams   atomic.Int32
	backfills atomic.Int32
	failStart bool

	mu      sync.Mutex
	symbols []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{ticks: make(chan data.Quotes, 16)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) StreamQuotes(ctx context.Context, symbols []string, out chan<- data.Quotes, status *brokers.StreamStatus) error {
	f.streams.Add(1)
	if f.failStart {
		return errors.New("exchange unavailable")
	}

	f.mu.Lock()
	f.symbols = append(f.symbols, symbols...)
	f.mu.Unlock()

	sym := symbols[0]
	first := data.Quote{Symbol: sym, Last: 100, Bid: 99.5, Ask: 100.5}
	status.Started(data.InitMsgs{
		sym: {
			SymbolInfo: data.SymbolInfo{
				AssetType:     "crypto",
				PriceTickSize: 0.5,
				LotTickSize:   0.0001,
			},
			ShmWriteOpts: data.ShmWriteOpts{SumTickVlm: data.Bool(false)},
		},
	}, data.Quotes{sym: first})
	status.SetLive()

	for {
		select {
		case <-ctx.Done():
			return nil
		case q := <-f.ticks:
			select {
			case out <- q:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (f *fakeBackend) BackfillBars(_ context.Context, _ string, buf *ohlc.Buffer) error {
	f.backfills.Add(1)
	now := float64(time.Now().Unix() / 60 * 60)
	bars := make([]data.Bar, 0, 5)
	for i := 4; i >= 0; i-- {
		bars = append(bars, data.Bar{Time: now - float64(i*60), Open: 100, High: 101, Low: 99, Close: 100, Volume: 1})
	}
	_, err := buf.Push(bars...)
	return err
}

func (f *fakeBackend) SearchSymbols(_ context.Context, pattern string) (search.Results, error) {
	return search.Results{pattern: map[string]interface{}{"asset_type": "crypto"}}, nil
}

func (f *fakeBackend) SearchPausePeriod() time.Duration { return time.Millisecond }

func trade(sym string, price float64) data.Quotes {
	return data.Quotes{sym: {
		Symbol: sym,
		Last:   price,
		Ticks:  []data.Tick{{Type: data.TickTrade, Price: price, Size: 1}},
	}}
}

// memHistory is an in-memory HistoryStore.
type memHistory struct {
	mu      sync.Mutex
	stored  map[string][]data.Bar
	written map[string][]data.Bar
}

func newMemHistory() *memHistory {
	return &memHistory{stored: map[string][]data.Bar{}, written: map[string][]data.Bar{}}
}

func (m *memHistory) LoadBars(_ context.Context, fqsn string, limit int) ([]data.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bars := m.stored[fqsn]
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return append([]data.Bar(nil), bars...), nil
}

func (m *memHistory) WriteBars(_ context.Context, fqsn string, _ int64, bars []data.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written[fqsn] = append(m.written[fqsn], bars...)
	return nil
}
