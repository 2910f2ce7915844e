package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/sampling"
)

var (
	ErrUnknownControl     = errors.New("unknown feed control message")
	ErrSubscriptionClosed = errors.New("feed subscription closed")
)

const (
	// directQueueSize buffers quotes for unthrottled consumers.
	directQueueSize = 128
	// throttleQueueSize buffers quotes waiting on a throttled send.
	throttleQueueSize = 1 << 10
)

// BusOptions control how a consumer attaches to a feed bus.
type BusOptions struct {
	// TickThrottle caps deliveries per second. Zero delivers every quote.
	TickThrottle float64
	// StartStream allocates the feed when missing and streams quotes.
	StartStream bool
}

// Subscription is one consumer's attachment to a persistent feed.
type Subscription struct {
	ID          string
	Init        data.InitMsgs
	FirstQuotes data.Quotes

	bus   *Bus
	topic string
	fqsn  string

	quotes chan data.Quotes
	sink   sampling.Subscriber

	done           chan struct{}
	closeOnce      sync.Once
	cancelThrottle context.CancelFunc
}

// Quotes streams quote batches. It is nil when the subscription was
// opened without a stream and is never closed; watch Done.
func (s *Subscription) Quotes() <-chan data.Quotes {
	return s.quotes
}

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Control pauses or resumes delivery.
func (s *Subscription) Control(msg string) error {
	if s.sink == nil {
		return fmt.Errorf("feed %s has no stream", s.fqsn)
	}
	switch msg {
	case "pause":
		if s.bus.Drop(s.topic, s.sink) {
			s.bus.logger.Info("Pausing %s feed for %s", s.fqsn, s.ID)
		}
	case "resume":
		if s.bus.add(s.topic, s.sink) {
			s.bus.logger.Info("Resuming %s feed for %s", s.fqsn, s.ID)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownControl, msg)
	}
	return nil
}

// Close detaches the consumer.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.sink == nil {
			return
		}
		s.bus.logger.Info("Stopping %s feed for %s", s.fqsn, s.ID)
		if s.cancelThrottle != nil {
			s.cancelThrottle()
		}
		if !s.bus.Drop(s.topic, s.sink) {
			s.bus.logger.Warn("%s for %s was already removed?", s.ID, s.topic)
		}
	})
	return nil
}

func newSubscription(bus *Bus, topic, fqsn string, entry feedEntry) *Subscription {
	return &Subscription{
		ID:          uuid.NewString(),
		Init:        entry.init,
		FirstQuotes: entry.first,
		bus:         bus,
		topic:       topic,
		fqsn:        fqsn,
		done:        make(chan struct{}),
	}
}

// directSink hands each quote straight to the consumer, applying
// backpressure to the feed when the consumer is slow.
type directSink struct {
	sub *Subscription
}

func (d *directSink) Deliver(ctx context.Context, sym string, quote data.Quote) error {
	select {
	case d.sub.quotes <- data.Quotes{sym: quote}:
		return nil
	case <-d.sub.done:
		return ErrSubscriptionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// throttledSink queues quotes for a UniformRateSend task.
type throttledSink struct {
	sub   *Subscription
	queue chan sampling.SymQuote
}

func (t *throttledSink) Deliver(ctx context.Context, sym string, quote data.Quote) error {
	select {
	case t.queue <- sampling.SymQuote{Symbol: sym, Quote: quote}:
		return nil
	case <-t.sub.done:
		return ErrSubscriptionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
