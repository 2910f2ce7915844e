package feed

import (
	"context"
	"fmt"
	"strings"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/sampling"
)

// quoteChanSize is the buffer between a backend stream and the sampler.
const quoteChanSize = 10

// allocatePersistentFeed starts the history and real-time tasks for
// symbol on bus and returns once history is loaded and the stream has
// started. The tasks outlive the call and run until the bus closes.
func (s *Service) allocatePersistentFeed(ctx context.Context, bus *Bus, symbol string) (feedEntry, error) {
	fqsn := data.MkFqsn(bus.broker, symbol)
	topic := strings.ToLower(symbol)

	buf, opened := s.buffers.MaybeOpen(fqsn, s.bufSize, false)

	quotes := make(chan data.Quotes, quoteChanSize)
	status := brokers.NewStreamStatus()
	dataReady := make(chan struct{})
	failed := make(chan error, 2)

	feedCtx, cancelFeed := context.WithCancel(bus.ctx)

	bus.group.Go(func() error {
		err := s.manageHistory(feedCtx, bus, buf, symbol, opened, dataReady, status.Live())
		if err != nil && feedCtx.Err() == nil {
			s.logger.Error("History task for %s failed: %v", fqsn, err)
			failed <- err
		}
		return nil
	})

	bus.group.Go(func() error {
		defer close(quotes)
		err := bus.backend.StreamQuotes(feedCtx, []string{symbol}, quotes, status)
		if feedCtx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("%s quote stream ended", fqsn)
		}
		s.logger.Error("Quote stream for %s stopped: %v", fqsn, err)
		failed <- err
		return nil
	})

	release := func() {
		cancelFeed()
		if opened {
			s.buffers.Close(fqsn)
		}
	}
	abort := func(err error) (feedEntry, error) {
		release()
		return feedEntry{}, err
	}

	var (
		init  data.InitMsgs
		first data.Quotes
	)
	select {
	case <-status.StartedC():
		init, first, _ = status.WaitStarted(feedCtx)
	case err := <-failed:
		return abort(err)
	case <-ctx.Done():
		return abort(ctx.Err())
	}

	msg, ok := init[symbol]
	if !ok {
		return abort(fmt.Errorf("%s backend sent no init msg for %s", bus.broker, symbol))
	}
	token := buf.Token()
	msg.ShmToken = &token
	msg.Fqsn = fqsn
	init = cloneInit(init)
	init[symbol] = msg

	s.logger.Info("Waiting on history to load: %s", fqsn)
	select {
	case <-dataReady:
	case err := <-failed:
		return abort(err)
	case <-ctx.Done():
		return abort(ctx.Err())
	}

	entry := feedEntry{init: init, first: first}
	bus.setEntry(topic, entry)
	s.metrics.FeedAllocated(bus.broker)

	sumTickVlm := msg.ShmWriteOpts.SumTickVolume()

	bus.group.Go(func() error {
		defer func() {
			release()
			bus.removeEntry(topic)
			s.logger.Warn("%s@%s feed task terminated", symbol, bus.broker)
		}()

		if err := status.WaitLive(feedCtx); err != nil {
			return nil
		}
		err := sampling.SampleAndBroadcast(feedCtx, bus, buf, quotes, sumTickVlm, s.logger, s.metrics)
		if err != nil && feedCtx.Err() == nil {
			s.logger.Error("Sampling for %s failed: %v", fqsn, err)
		}
		return nil
	})

	go func() {
		// a task failing after startup tears the whole feed down
		select {
		case <-failed:
			cancelFeed()
		case <-feedCtx.Done():
		}
	}()

	return entry, nil
}

func cloneInit(init data.InitMsgs) data.InitMsgs {
	out := make(data.InitMsgs, len(init))
	for k, v := range init {
		out[k] = v
	}
	return out
}
