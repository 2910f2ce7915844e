package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/backtesting-org/pikerd/pkg/broadcast"
	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/ohlc"
)

// FeedOptions configure OpenFeed.
type FeedOptions struct {
	TickThrottle float64
	StartStream  bool
}

// DefaultFeedOptions streams every quote.
func DefaultFeedOptions() FeedOptions {
	return FeedOptions{StartStream: true}
}

// Feed is a consumer handle on a real-time quote stream and the bar
// buffer behind it.
type Feed struct {
	Name          string
	Buffer        *ohlc.Buffer
	Backend       brokers.Backend
	FirstQuotes   data.Quotes
	ThrottleRate  float64
	Symbols       map[string]*data.Symbol
	MaxSampleRate int64

	svc     *Service
	sub     *Subscription
	stream  *broadcast.Broadcaster[data.Quotes]
	primary *broadcast.Receiver[data.Quotes]

	cancel    context.CancelFunc
	pumpDone  chan struct{}
	closeOnce sync.Once
}

// OpenFeed opens a feed for symbols on broker. Only the first symbol is
// streamed; every symbol in the init messages is described in Symbols.
func (s *Service) OpenFeed(ctx context.Context, broker string, symbols []string, opts FeedOptions) (*Feed, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols requested")
	}
	sym := strings.ToLower(symbols[0])

	bus, err := s.EnsureBrokerd(broker)
	if err != nil {
		return nil, err
	}

	sub, err := s.OpenFeedBus(ctx, broker, sym, BusOptions{
		TickThrottle: opts.TickThrottle,
		StartStream:  opts.StartStream,
	})
	if err != nil {
		return nil, err
	}

	msg, ok := sub.Init[sym]
	if !ok || msg.ShmToken == nil {
		_ = sub.Close()
		return nil, fmt.Errorf("init msg for %s carries no buffer token", sym)
	}
	buf, err := s.buffers.Attach(*msg.ShmToken, true)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	f := &Feed{
		Name:          broker,
		Buffer:        buf,
		Backend:       bus.backend,
		FirstQuotes:   sub.FirstQuotes,
		ThrottleRate:  opts.TickThrottle,
		Symbols:       make(map[string]*data.Symbol, len(sub.Init)),
		MaxSampleRate: 1,
		svc:           s,
		sub:           sub,
		stream:        broadcast.New[data.Quotes](broadcast.DefaultSize),
		pumpDone:      make(chan struct{}),
	}

	for key, init := range sub.Init {
		si := init.SymbolInfo
		typeKey := si.AssetType
		if typeKey == "" {
			typeKey = "forex"
		}
		tick := si.PriceTickSize
		if tick == 0 {
			tick = 0.01
		}
		symbol := data.MkSymbol(key, typeKey, tick, si.LotTickSize)
		symbol.BrokerInfo[broker] = si.AsMap()
		f.Symbols[key] = symbol
	}

	f.primary = f.stream.Subscribe()

	pumpCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		defer close(f.pumpDone)
		if sub.Quotes() == nil {
			<-pumpCtx.Done()
			f.stream.Close()
			return
		}
		f.pump(pumpCtx)
	}()

	return f, nil
}

func (f *Feed) pump(ctx context.Context) {
	defer f.stream.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.sub.Done():
			return
		case q := <-f.sub.Quotes():
			f.stream.Publish(q)
		}
	}
}

// Receive waits for the next quote batch on the feed's own receiver.
func (f *Feed) Receive(ctx context.Context) (data.Quotes, error) {
	q, ok := f.primary.Recv(ctx)
	if !ok {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrSubscriptionClosed
	}
	return q, nil
}

// Subscribe adds another receiver of the same quote stream.
func (f *Feed) Subscribe() *broadcast.Receiver[data.Quotes] {
	return f.stream.Subscribe()
}

// Stream is the feed's own receiver.
func (f *Feed) Stream() *broadcast.Receiver[data.Quotes] {
	return f.primary
}

func (f *Feed) Pause() error {
	return f.sub.Control("pause")
}

func (f *Feed) Resume() error {
	return f.sub.Control("resume")
}

// IndexStream streams the newest buffer index after every sample step of
// periodS seconds, MaxSampleRate when zero. Streams are shared per period.
func (f *Feed) IndexStream(ctx context.Context, periodS int64) (*broadcast.Receiver[int64], func() error, error) {
	if periodS <= 0 {
		periodS = f.MaxSampleRate
	}
	return f.svc.IndexStream(ctx, periodS)
}

// Close detaches from the bus and closes every receiver.
func (f *Feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = f.sub.Close()
		f.cancel()
		<-f.pumpDone
	})
	return err
}

// IndexStream opens a shared sample step stream for periodS.
func (s *Service) IndexStream(ctx context.Context, periodS int64) (*broadcast.Receiver[int64], func() error, error) {
	key := strconv.FormatInt(periodS, 10)
	b, hit, release, err := s.indexStreams.MaybeOpen(ctx, key, func(context.Context) (*broadcast.Broadcaster[int64], func() error, error) {
		b := broadcast.New[int64](broadcast.DefaultSize)
		streamCtx, cancel := context.WithCancel(s.ctx)
		indexes, unsubscribe := s.sampler.SubscribeIndex(streamCtx, periodS)
		go b.Run(streamCtx, indexes)
		return b, func() error {
			unsubscribe()
			cancel()
			return nil
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	if hit {
		s.logger.Debug("Reusing %ds index stream", periodS)
	}

	r := b.Subscribe()
	return r, func() error {
		r.Close()
		return release()
	}, nil
}

// MaybeOpenFeed shares one Feed per broker symbol between callers. Each
// caller gets its own receiver; the feed closes with the last release.
func (s *Service) MaybeOpenFeed(ctx context.Context, broker string, symbols []string, opts FeedOptions) (*Feed, *broadcast.Receiver[data.Quotes], func() error, error) {
	if len(symbols) == 0 {
		return nil, nil, nil, fmt.Errorf("no symbols requested")
	}
	sym := strings.ToLower(symbols[0])

	f, hit, release, err := s.feeds.MaybeOpen(ctx, data.MkFqsn(broker, sym), func(ctx context.Context) (*Feed, func() error, error) {
		f, err := s.OpenFeed(ctx, broker, []string{sym}, opts)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	if !hit {
		return f, f.Stream(), release, nil
	}

	s.logger.Info("Using cached feed for %s.%s", broker, sym)
	r := f.Subscribe()
	return f, r, func() error {
		r.Close()
		return release()
	}, nil
}
