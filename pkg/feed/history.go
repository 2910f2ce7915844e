package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/ohlc"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

// historyLoadLimit is how many stored bars seed a fresh buffer.
const historyLoadLimit = 10000

// HistoryStore persists sampled bars between daemon runs.
type HistoryStore interface {
	LoadBars(ctx context.Context, fqsn string, limit int) ([]data.Bar, error)
	WriteBars(ctx context.Context, fqsn string, periodS int64, bars []data.Bar) error
}

// samplePeriod detects the bar period of bars, falling back to 1s when
// there are too few distinct times.
func samplePeriod(bars []data.Bar) (int64, error) {
	step, err := ohlc.SampleStep(bars)
	switch {
	case err == nil && step >= 1:
		return int64(step), nil
	case errors.Is(err, ohlc.ErrNotEnoughTs), err == nil:
		return 1, nil
	default:
		return 0, err
	}
}

// manageHistory fills buf (from the store and the backend backfill),
// signals dataReady and, once the feed is live, keeps buf stepping with
// the sampler and writes completed bars back to the store.
func (s *Service) manageHistory(
	ctx context.Context,
	bus *Bus,
	buf *ohlc.Buffer,
	symbol string,
	opened bool,
	dataReady chan<- struct{},
	live <-chan struct{},
) error {
	fqsn := data.MkFqsn(bus.broker, symbol)

	if opened {
		if err := s.fillHistory(ctx, bus, buf, fqsn, symbol); err != nil {
			return err
		}
	}

	close(dataReady)

	period, err := samplePeriod(buf.Last(64))
	if err != nil {
		return err
	}
	s.logger.Debug("Sampling %s at %ds", fqsn, period)

	select {
	case <-live:
	case <-ctx.Done():
		return nil
	}

	if !opened {
		<-ctx.Done()
		return nil
	}

	s.sampler.Register(period, buf)
	defer s.sampler.Unregister(period, buf)
	s.sampler.EnsureIncrementer(s.ctx, period)

	if s.history == nil {
		<-ctx.Done()
		return nil
	}

	for ctx.Err() == nil {
		s.writeClosedBars(ctx, fqsn, period, buf)
		if ctx.Err() == nil {
			s.logger.Warn("Index stream for %s dropped, resubscribing", fqsn)
		}
	}
	return nil
}

// writeClosedBars persists the bar before the newest one after every
// sample step until the index subscription ends.
func (s *Service) writeClosedBars(ctx context.Context, fqsn string, period int64, buf *ohlc.Buffer) {
	indexes, unsubscribe := s.sampler.SubscribeIndex(ctx, period)
	defer unsubscribe()
	for range indexes {
		bars := buf.Last(2)
		if len(bars) < 2 {
			continue
		}
		if err := s.history.WriteBars(ctx, fqsn, period, bars[:1]); err != nil && ctx.Err() == nil {
			s.logger.Warn("Failed to persist bar for %s: %v", fqsn, err)
		}
	}
}

// fillHistory seeds buf from the store, then backfills from the broker
// whatever the store is missing up to now. Backfilled bars are written
// back so the next run starts from them.
func (s *Service) fillHistory(ctx context.Context, bus *Bus, buf *ohlc.Buffer, fqsn, symbol string) error {
	stored, err := s.loadStored(ctx, fqsn)
	if err != nil {
		s.logger.Warn("Failed to load stored history for %s: %v", fqsn, err)
	}

	if len(stored) == 0 {
		// must block until the buffer holds a first set of bars
		if err := bus.backend.BackfillBars(ctx, symbol, buf); err != nil {
			return fmt.Errorf("backfill %s: %w", fqsn, err)
		}
		s.persistBackfill(ctx, fqsn, buf.Array())
		return nil
	}

	if _, err := buf.Push(stored...); err != nil {
		return err
	}
	s.logger.Info("Loaded %d stored bars for %s", len(stored), fqsn)

	period, err := samplePeriod(stored)
	if err != nil {
		return err
	}
	newest := stored[len(stored)-1].Time
	if temporal.Epoch(s.tp.Now())-newest <= float64(period) {
		return nil
	}

	scratch, _ := ohlc.NewRegistry().MaybeOpen(fqsn, buf.Token().Size, false)
	if err := bus.backend.BackfillBars(ctx, symbol, scratch); err != nil {
		s.logger.Warn("Failed to backfill %s after stored history: %v", fqsn, err)
		return nil
	}
	var gap []data.Bar
	for _, b := range scratch.Array() {
		if b.Time > newest {
			gap = append(gap, b)
		}
	}
	if len(gap) == 0 {
		return nil
	}
	if _, err := buf.Push(gap...); err != nil {
		return err
	}
	s.logger.Info("Backfilled %d bars for %s after stored history", len(gap), fqsn)
	s.persistBackfill(ctx, fqsn, gap)
	return nil
}

func (s *Service) persistBackfill(ctx context.Context, fqsn string, bars []data.Bar) {
	if s.history == nil || len(bars) == 0 {
		return
	}
	period, err := samplePeriod(bars)
	if err != nil {
		s.logger.Warn("Not persisting backfill for %s: %v", fqsn, err)
		return
	}
	if err := s.history.WriteBars(ctx, fqsn, period, bars); err != nil && ctx.Err() == nil {
		s.logger.Warn("Failed to persist backfill for %s: %v", fqsn, err)
	}
}

func (s *Service) loadStored(ctx context.Context, fqsn string) ([]data.Bar, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.LoadBars(ctx, fqsn, historyLoadLimit)
}
