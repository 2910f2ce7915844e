package sampling

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/metrics"
	"github.com/backtesting-org/pikerd/pkg/ohlc"
)

// Subscriber receives quotes for one topic.
type Subscriber interface {
	Deliver(ctx context.Context, sym string, quote data.Quote) error
}

// Subscriptions is the per-topic subscriber table of a feed bus.
type Subscriptions interface {
	Broker() string
	Subscribers(sym string) []Subscriber
	Drop(sym string, sub Subscriber) bool
}

// SampleAndBroadcast folds trade ticks into the newest bar of buf and fans
// every quote out to its topic's subscribers. It returns when quotes is
// closed or ctx ends.
func SampleAndBroadcast(
	ctx context.Context,
	subs Subscriptions,
	buf *ohlc.Buffer,
	quotes <-chan data.Quotes,
	sumTickVlm bool,
	logger logging.ApplicationLogger,
	m *metrics.Metrics,
) error {
	for {
		var qs data.Quotes
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-quotes:
			if !ok {
				return nil
			}
			qs = batch
		}

		for sym, quote := range qs {
			sample(buf, quote, sumTickVlm, logger)

			topic := strings.ToLower(sym)
			for _, sub := range subs.Subscribers(topic) {
				if err := sub.Deliver(ctx, topic, quote); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					if subs.Drop(topic, sub) {
						logger.Warn("%s.%s subscriber dropped connection: %v", topic, subs.Broker(), err)
						m.SubscriberDropped(subs.Broker(), topic)
					}
					continue
				}
				m.QuoteBroadcast(subs.Broker(), topic)
			}
		}
	}
}

func sample(buf *ohlc.Buffer, quote data.Quote, sumTickVlm bool, logger logging.ApplicationLogger) {
	for _, tick := range quote.Ticks {
		if !tick.IsTrade() {
			continue
		}
		last := tick.Price
		size := tick.Size

		err := buf.UpdateLast(func(b *data.Bar) {
			open := b.Open
			if open == 0 || (b.Volume == 0 && size != 0) {
				open = last
			}
			low := b.Low
			if low == 0 {
				low = last
			}

			volume := quote.Volume
			if sumTickVlm {
				volume = b.Volume + size
			}

			wap := quote.BarWAP
			if wap == 0 {
				wap = last
				if sumTickVlm && volume > 0 && b.Volume > 0 {
					wap = (b.BarWAP*b.Volume + last*size) / volume
				}
			}

			b.Open = open
			b.High = math.Max(b.High, last)
			b.Low = math.Min(low, last)
			b.Close = last
			b.BarWAP = wap
			b.Volume = volume
		})
		if errors.Is(err, ohlc.ErrEmpty) {
			logger.Debug("No history bar to sample %s into yet", quote.Symbol)
			return
		}
		if err != nil {
			logger.Error("Failed to sample tick for %s: %v", quote.Symbol, err)
			return
		}
	}
}
