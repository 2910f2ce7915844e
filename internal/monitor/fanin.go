package monitor

import (
	"context"

	"github.com/backtesting-org/pikerd/pkg/data"
)

type received struct {
	quotes data.Quotes
	err    error
}

type fanin struct {
	first data.Quotes
	out   chan received
}

// Fanin merges several sources into one. The first error from any source
// ends the merged stream.
func Fanin(ctx context.Context, srcs ...Source) Source {
	f := &fanin{first: make(data.Quotes), out: make(chan received)}
	for _, src := range srcs {
		for sym, q := range src.FirstQuotes() {
			f.first[sym] = q
		}
	}
	for _, src := range srcs {
		go func(src Source) {
			for {
				q, err := src.Receive(ctx)
				select {
				case f.out <- received{q, err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}(src)
	}
	return f
}

func (f *fanin) FirstQuotes() data.Quotes {
	return f.first
}

func (f *fanin) Receive(ctx context.Context) (data.Quotes, error) {
	select {
	case r := <-f.out:
		return r.quotes, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
