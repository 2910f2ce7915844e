package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/mattn/go-isatty"
	"golang.org/x/time/rate"

	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

var ErrBrokerDown = errors.New("Broker API is down temporarily")

const clearScreen = "\x1b[H\x1b[2J"

// Source delivers quote batches. *client.RemoteFeed satisfies it.
type Source interface {
	FirstQuotes() data.Quotes
	Receive(ctx context.Context) (data.Quotes, error)
}

// Options configures a monitor run.
type Options struct {
	Name string
	// Rate caps redraws per second.
	Rate   float64
	Out    io.Writer
	Logger logging.ApplicationLogger
	Time   temporal.TimeProvider
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// checkFirst aborts when the first quote, in symbol order, carries no last
// price.
func checkFirst(first data.Quotes) error {
	if len(first) == 0 {
		return ErrBrokerDown
	}
	syms := make([]string, 0, len(first))
	for s := range first {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	if first[syms[0]].Last == 0 {
		return ErrBrokerDown
	}
	return nil
}

// Run renders src as a live sorted table until ctx ends or the source
// fails.
func Run(ctx context.Context, src Source, opts Options) error {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.Time == nil {
		opts.Time = temporal.NewLiveTimeProvider()
	}
	if opts.Rate <= 0 {
		opts.Rate = 3
	}

	first := src.FirstQuotes()
	if err := checkFirst(first); err != nil {
		opts.Logger.Error("%v", err)
		return err
	}

	tty := IsTerminal(opts.Out)
	table := NewTable(tty)
	now := opts.Time.Now()
	for sym, q := range first {
		table.Update(sym, q, now)
	}

	render := func() error {
		if tty {
			if _, err := io.WriteString(opts.Out, clearScreen); err != nil {
				return err
			}
			if opts.Name != "" {
				if _, err := fmt.Fprintf(opts.Out, "monitor: %s\n", opts.Name); err != nil {
					return err
				}
			}
		}
		return table.Render(opts.Out, opts.Time.Now())
	}
	if err := render(); err != nil {
		return err
	}

	recv := make(chan received)
	go func() {
		for {
			q, err := src.Receive(ctx)
			select {
			case recv <- received{q, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(opts.Rate), 1)
	unflash := opts.Time.NewTicker(flashPeriod)
	defer unflash.Stop()
	dirty := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-recv:
			if b.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				opts.Logger.Warn("Data feed connection dropped: %v", b.err)
				return b.err
			}
			now := opts.Time.Now()
			for sym, q := range b.quotes {
				table.Update(sym, q, now)
			}
			dirty = true
		case <-unflash.C():
			dirty = true
		}
		if dirty && limiter.Allow() {
			if err := render(); err != nil {
				return err
			}
			dirty = false
		}
	}
}
