package feed

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/metrics"
	"github.com/backtesting-org/pikerd/pkg/sampling"
)

type feedEntry struct {
	init  data.InitMsgs
	first data.Quotes
}

// Bus is the per-broker registry of persistent real-time feeds and their
// subscribers. Quotes for every symbol of the broker are interleaved on it.
type Bus struct {
	broker  string
	backend brokers.Backend
	logger  logging.ApplicationLogger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// taskLock serializes feed allocation so a symbol is started once.
	taskLock sync.Mutex

	mu          sync.RWMutex
	feeds       map[string]feedEntry
	subscribers map[string][]sampling.Subscriber
}

func newBus(parent context.Context, backend brokers.Backend, logger logging.ApplicationLogger, m *metrics.Metrics) *Bus {
	ctx, cancel := context.WithCancel(parent)
	return &Bus{
		broker:      backend.Name(),
		backend:     backend,
		logger:      logger,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
		group:       &errgroup.Group{},
		feeds:       make(map[string]feedEntry),
		subscribers: make(map[string][]sampling.Subscriber),
	}
}

func (b *Bus) Broker() string {
	return b.broker
}

func (b *Bus) Backend() brokers.Backend {
	return b.backend
}

// StartTask runs fn in the background for the life of the bus and
// returns a func that cancels it. Task errors are logged.
func (b *Bus) StartTask(name string, fn func(ctx context.Context) error) context.CancelFunc {
	ctx, cancel := context.WithCancel(b.ctx)
	b.group.Go(func() error {
		defer cancel()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error("%s task %s failed: %v", b.broker, name, err)
		}
		return nil
	})
	return cancel
}

// Subscribers returns a snapshot of the subscribers for topic.
func (b *Bus) Subscribers(topic string) []sampling.Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subscribers[topic]
	out := make([]sampling.Subscriber, len(subs))
	copy(out, subs)
	return out
}

// Drop removes sub from topic and reports whether it was present.
func (b *Bus) Drop(topic string, sub sampling.Subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[topic]
	for i, s := range subs {
		if s == sub {
			b.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
			b.metrics.SubscriberRemoved(b.broker, topic)
			return true
		}
	}
	return false
}

func (b *Bus) add(topic string, sub sampling.Subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subscribers[topic] {
		if s == sub {
			return false
		}
	}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.metrics.SubscriberAdded(b.broker, topic)
	return true
}

func (b *Bus) entry(topic string) (feedEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.feeds[topic]
	return e, ok
}

func (b *Bus) setEntry(topic string, e feedEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.feeds[topic] = e
}

func (b *Bus) removeEntry(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.feeds, topic)
}

// FeedInfo summarizes one persistent feed.
type FeedInfo struct {
	Broker      string `json:"broker"`
	Symbol      string `json:"symbol"`
	Fqsn        string `json:"fqsn"`
	Subscribers int    `json:"subscribers"`
}

// Feeds lists the allocated feeds, sorted by symbol.
func (b *Bus) Feeds() []FeedInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]FeedInfo, 0, len(b.feeds))
	for sym := range b.feeds {
		out = append(out, FeedInfo{
			Broker:      b.broker,
			Symbol:      sym,
			Fqsn:        data.MkFqsn(b.broker, sym),
			Subscribers: len(b.subscribers[sym]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (b *Bus) close() error {
	b.cancel()
	return b.group.Wait()
}
