package sampling

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/metrics"
	"github.com/backtesting-org/pikerd/pkg/ohlc"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

const indexBufferSize = 16

type indexSub struct {
	ch   chan int64
	once sync.Once
}

func (sub *indexSub) close() {
	sub.once.Do(func() { close(sub.ch) })
}

// Sampler steps every registered bar buffer once per sample period and
// tells index subscribers which row is now the newest.
type Sampler struct {
	mu           sync.Mutex
	buffers      map[int64][]*ohlc.Buffer
	subscribers  map[int64]map[*indexSub]struct{}
	incrementers map[int64]bool
	running      bool

	tp      temporal.TimeProvider
	logger  logging.ApplicationLogger
	metrics *metrics.Metrics
}

// NewSampler creates a new Sampler
func NewSampler(tp temporal.TimeProvider, logger logging.ApplicationLogger, m *metrics.Metrics) *Sampler {
	return &Sampler{
		buffers:      make(map[int64][]*ohlc.Buffer),
		subscribers:  make(map[int64]map[*indexSub]struct{}),
		incrementers: make(map[int64]bool),
		tp:           tp,
		logger:       logger,
		metrics:      m,
	}
}

// Register adds buf to the set stepped every periodS seconds.
func (s *Sampler) Register(periodS int64, buf *ohlc.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[periodS] = append(s.buffers[periodS], buf)
}

// Unregister removes buf from its period.
func (s *Sampler) Unregister(periodS int64, buf *ohlc.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bufs := s.buffers[periodS]
	for i, b := range bufs {
		if b.Token().Key == buf.Token().Key {
			s.buffers[periodS] = append(bufs[:i], bufs[i+1:]...)
			break
		}
	}
	if len(s.buffers[periodS]) == 0 {
		delete(s.buffers, periodS)
	}
}

// EnsureIncrementer makes sure periodS is being stepped. All periods share
// one loop ticking at the lowest registered period, so a buffer is never
// stepped twice per period. Reports whether the period was newly added.
func (s *Sampler) EnsureIncrementer(ctx context.Context, periodS int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.incrementers[periodS] {
		return false
	}
	s.incrementers[periodS] = true
	if !s.running {
		s.running = true
		go s.run(ctx)
	}
	return true
}

// SubscribeIndex streams the newest row index after every step of periodS.
// The subscription ends when ctx is done, the returned func is called or
// the subscriber falls a full buffer behind.
func (s *Sampler) SubscribeIndex(ctx context.Context, periodS int64) (<-chan int64, func()) {
	sub := &indexSub{ch: make(chan int64, indexBufferSize)}

	s.mu.Lock()
	subs, ok := s.subscribers[periodS]
	if !ok {
		subs = make(map[*indexSub]struct{})
		s.subscribers[periodS] = subs
	}
	subs[sub] = struct{}{}
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		delete(s.subscribers[periodS], sub)
		s.mu.Unlock()
		sub.close()
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return sub.ch, unsubscribe
}

func (s *Sampler) lowestPeriod() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lowest int64
	for p := range s.incrementers {
		if lowest == 0 || p < lowest {
			lowest = p
		}
	}
	return lowest
}

func (s *Sampler) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.incrementers = make(map[int64]bool)
		s.mu.Unlock()
	}()

	var total int64
	for {
		lowest := s.lowestPeriod()
		if lowest <= 0 {
			lowest = 1
		}
		sleep := time.Duration(lowest)*time.Second - time.Millisecond

		select {
		case <-ctx.Done():
			return
		case <-s.tp.After(sleep):
		}
		total += lowest
		s.Step(total)
	}
}

// Step advances every period dividing totalS by one bar.
func (s *Sampler) Step(totalS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for period, bufs := range s.buffers {
		if period <= 0 || totalS%period != 0 {
			continue
		}

		var index int64 = -1
		for _, buf := range bufs {
			last := buf.Last(1)
			if len(last) == 0 {
				continue
			}
			prev := last[0]
			next := data.Bar{
				Time:   prev.Time + float64(period),
				Open:   prev.Close,
				High:   prev.Close,
				Low:    prev.Close,
				Close:  prev.Close,
				BarWAP: prev.BarWAP,
			}
			end, err := buf.Push(next)
			if err != nil {
				s.logger.Error("Failed to step %s: %v", buf.Token().Key, err)
				continue
			}
			index = int64(end)
			s.metrics.BarStepped(strconv.FormatInt(period, 10))
		}
		if index < 0 {
			continue
		}

		for sub := range s.subscribers[period] {
			select {
			case sub.ch <- index:
			default:
				s.logger.Warn("Dropping lagging index subscriber on %ds period", period)
				delete(s.subscribers[period], sub)
				sub.close()
			}
		}
	}
}
