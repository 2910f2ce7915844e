package sampling

import (
	"context"
	"time"

	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

const (
	// throttleSlack compensates for scheduling latency in the send loop.
	throttleSlack = 616 * time.Microsecond

	// minThrottlePeriod bounds the send period from below for rates where
	// the slack would eat the whole period.
	minThrottlePeriod = time.Millisecond

	// MaxTickRate is the highest per-subscriber send rate accepted.
	MaxTickRate = 1000.0
)

// SymQuote is one (topic, quote) pair on a throttled subscriber's channel.
type SymQuote struct {
	Symbol string
	Quote  data.Quote
}

// SendFunc delivers a merged batch to the consumer.
type SendFunc func(ctx context.Context, quotes data.Quotes) error

// UniformRateSend forwards quotes from in at most rate times a second.
// Quotes arriving inside one period are merged and sent together; empty
// periods send nothing. It returns when in closes, ctx ends or send fails.
func UniformRateSend(ctx context.Context, rate float64, in <-chan SymQuote, send SendFunc, tp temporal.TimeProvider) error {
	period := time.Duration(float64(time.Second)/rate) - throttleSlack
	if period < minThrottlePeriod {
		period = minThrottlePeriod
	}

	var (
		pending  *data.Quote
		sym      string
		diff     time.Duration
		lastSend = tp.Now()
	)

	for {
		if left := period - diff; left > 0 {
			timer := tp.NewTimer(left)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()

			case sq, ok := <-in:
				timer.Stop()
				if !ok {
					return nil
				}
				diff = tp.Since(lastSend)
				if pending == nil {
					q := sq.Quote.Clone()
					pending, sym = &q, sq.Symbol
				} else {
					merged := pending.Merge(sq.Quote)
					pending = &merged
				}
				if diff > 0 && diff < period {
					continue
				}

			case <-timer.C():
				if pending == nil {
					diff = 0
					continue
				}
			}
		}

		if pending != nil {
			if err := send(ctx, data.Quotes{sym: *pending}); err != nil {
				return err
			}
		}
		pending = nil
		diff = 0
		lastSend = tp.Now()
	}
}
