package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/backtesting-org/pikerd/pkg/broadcast"
	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/cache"
	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/metrics"
	"github.com/backtesting-org/pikerd/pkg/ohlc"
	"github.com/backtesting-org/pikerd/pkg/sampling"
	"github.com/backtesting-org/pikerd/pkg/search"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

var ErrNoBus = errors.New("no feed bus for broker")

// Params wires a Service. Zero fields get in-process defaults; History
// may stay nil to run without persistence.
type Params struct {
	Brokers *brokers.Registry
	Buffers *ohlc.Registry
	Sampler *sampling.Sampler
	Search  *search.Registry
	History HistoryStore
	Metrics *metrics.Metrics
	Time    temporal.TimeProvider
	Logger  logging.ApplicationLogger

	// BufferSize is the bar capacity of each feed's buffer.
	BufferSize int
}

// Service is the brokerd side of the data layer: it owns one Bus per
// broker, the bar buffers and the sampler that steps them.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	brokers *brokers.Registry
	buffers *ohlc.Registry
	sampler *sampling.Sampler
	search  *search.Registry
	history HistoryStore
	bufSize int
	metrics *metrics.Metrics
	tp      temporal.TimeProvider
	logger  logging.ApplicationLogger

	mu       sync.Mutex
	buses    map[string]*Bus
	searches map[string]func()

	feeds        *cache.Cache[*Feed]
	indexStreams *cache.Cache[*broadcast.Broadcaster[int64]]
}

// NewService creates a new feed service
func NewService(p Params) *Service {
	if p.Logger == nil {
		p.Logger = logging.NewNoOpLogger()
	}
	if p.Time == nil {
		p.Time = temporal.NewLiveTimeProvider()
	}
	if p.Brokers == nil {
		p.Brokers = brokers.NewRegistry(brokers.Deps{Logger: p.Logger, Time: p.Time, Metrics: p.Metrics})
	}
	if p.Buffers == nil {
		p.Buffers = ohlc.NewRegistry()
	}
	if p.Sampler == nil {
		p.Sampler = sampling.NewSampler(p.Time, p.Logger, p.Metrics)
	}
	if p.Search == nil {
		p.Search = search.NewRegistry(p.Logger)
	}
	if p.BufferSize <= 0 {
		p.BufferSize = ohlc.DefaultSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		ctx:          ctx,
		cancel:       cancel,
		brokers:      p.Brokers,
		buffers:      p.Buffers,
		sampler:      p.Sampler,
		search:       p.Search,
		history:      p.History,
		bufSize:      p.BufferSize,
		metrics:      p.Metrics,
		tp:           p.Time,
		logger:       p.Logger,
		buses:        make(map[string]*Bus),
		searches:     make(map[string]func()),
		feeds:        cache.New[*Feed](),
		indexStreams: cache.New[*broadcast.Broadcaster[int64]](),
	}
}

func (s *Service) Brokers() *brokers.Registry { return s.brokers }

func (s *Service) Search() *search.Registry { return s.search }

func (s *Service) Sampler() *sampling.Sampler { return s.sampler }

// Done is closed once the service is closed.
func (s *Service) Done() <-chan struct{} { return s.ctx.Done() }

// EnsureBrokerd returns the bus for broker, creating it and installing the
// backend's symbol search on first use.
func (s *Service) EnsureBrokerd(broker string) (*Bus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil, fmt.Errorf("feed service closed")
	}
	if bus, ok := s.buses[broker]; ok {
		return bus, nil
	}

	backend, err := s.brokers.Get(broker)
	if err != nil {
		return nil, err
	}
	bus := newBus(s.ctx, backend, s.logger, s.metrics)
	s.buses[broker] = bus
	s.installSearchLocked(backend)
	s.logger.Info("Started feed bus for %s", broker)
	return bus, nil
}

// Bus returns the existing bus for broker.
func (s *Service) Bus(broker string) (*Bus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bus, ok := s.buses[broker]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoBus, broker)
	}
	return bus, nil
}

// InstallSearch registers broker's symbol search with the search registry.
func (s *Service) InstallSearch(broker string) error {
	backend, err := s.brokers.Get(broker)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installSearchLocked(backend)
	return nil
}

func (s *Service) installSearchLocked(backend brokers.Backend) {
	if _, ok := s.searches[backend.Name()]; ok {
		return
	}
	pause := backend.SearchPausePeriod()
	if pause <= 0 {
		pause = search.DefaultPausePeriod
	}
	s.searches[backend.Name()] = s.search.Register(backend.Name(), backend.SearchSymbols, pause)
}

// OpenFeedBus attaches to the persistent feed for symbol on broker's bus,
// allocating it when missing and opts.StartStream is set.
func (s *Service) OpenFeedBus(ctx context.Context, broker, symbol string, opts BusOptions) (*Subscription, error) {
	bus, err := s.EnsureBrokerd(broker)
	if err != nil {
		return nil, err
	}

	topic := strings.ToLower(symbol)
	fqsn := data.MkFqsn(broker, symbol)

	entry, ok := bus.entry(topic)
	if !ok {
		if !opts.StartStream {
			return nil, fmt.Errorf("No stream feed exists for %s?\nYou may need a `brokerd` started first.", fqsn) //nolint:stylecheck
		}

		bus.taskLock.Lock()
		entry, ok = bus.entry(topic)
		if !ok {
			entry, err = s.allocatePersistentFeed(ctx, bus, symbol)
		}
		bus.taskLock.Unlock()
		if err != nil {
			return nil, fmt.Errorf("allocate feed %s: %w", fqsn, err)
		}
	}

	sub := newSubscription(bus, topic, fqsn, entry)
	if !opts.StartStream {
		s.logger.Warn("Not opening real-time stream for %s", fqsn)
		return sub, nil
	}

	if opts.TickThrottle > 0 {
		sub.quotes = make(chan data.Quotes, 1)
		sink := &throttledSink{sub: sub, queue: make(chan sampling.SymQuote, throttleQueueSize)}
		sub.sink = sink
		sub.cancelThrottle = bus.StartTask("throttle "+fqsn, func(ctx context.Context) error {
			return sampling.UniformRateSend(ctx, opts.TickThrottle, sink.queue, func(ctx context.Context, q data.Quotes) error {
				select {
				case sub.quotes <- q:
					return nil
				case <-sub.done:
					return ErrSubscriptionClosed
				case <-ctx.Done():
					return ctx.Err()
				}
			}, s.tp)
		})
	} else {
		sub.quotes = make(chan data.Quotes, directQueueSize)
		sub.sink = &directSink{sub: sub}
	}

	bus.add(topic, sub.sink)
	return sub, nil
}

// Feeds lists every allocated feed across buses.
func (s *Service) Feeds() []FeedInfo {
	s.mu.Lock()
	buses := make([]*Bus, 0, len(s.buses))
	for _, b := range s.buses {
		buses = append(buses, b)
	}
	s.mu.Unlock()

	var out []FeedInfo
	for _, b := range buses {
		out = append(out, b.Feeds()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fqsn < out[j].Fqsn })
	return out
}

// Bars returns the last n bars of a live buffer.
func (s *Service) Bars(broker, symbol string, n int) ([]data.Bar, error) {
	buf, ok := s.buffers.Lookup(data.MkFqsn(broker, symbol))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ohlc.ErrUnknownToken, data.MkFqsn(broker, symbol))
	}
	if n <= 0 {
		return buf.Array(), nil
	}
	return buf.Last(n), nil
}

// Close cancels every bus and waits for their tasks.
func (s *Service) Close() error {
	s.mu.Lock()
	s.cancel()
	buses := s.buses
	s.buses = make(map[string]*Bus)
	for name, unregister := range s.searches {
		unregister()
		delete(s.searches, name)
	}
	s.mu.Unlock()

	var errs []error
	for _, b := range buses {
		if err := b.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
