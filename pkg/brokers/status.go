package brokers

import (
	"context"
	"sync"

	"github.com/backtesting-org/pikerd/pkg/data"
)

// StreamStatus is how a quote stream reports its startup milestones.
type StreamStatus struct {
	startedOnce sync.Once
	liveOnce    sync.Once
	started     chan struct{}
	live        chan struct{}

	init  data.InitMsgs
	first data.Quotes
}

// NewStreamStatus creates a new StreamStatus
func NewStreamStatus() *StreamStatus {
	return &StreamStatus{
		started: make(chan struct{}),
		live:    make(chan struct{}),
	}
}

// Started publishes the init messages and first quotes. Only the first
// call has any effect.
func (s *StreamStatus) Started(init data.InitMsgs, first data.Quotes) {
	s.startedOnce.Do(func() {
		s.init = init
		s.first = first
		close(s.started)
	})
}

// SetLive marks the stream as delivering real-time data.
func (s *StreamStatus) SetLive() {
	s.liveOnce.Do(func() {
		close(s.live)
	})
}

func (s *StreamStatus) StartedC() <-chan struct{} {
	return s.started
}

func (s *StreamStatus) Live() <-chan struct{} {
	return s.live
}

// WaitStarted blocks until Started was called.
func (s *StreamStatus) WaitStarted(ctx context.Context) (data.InitMsgs, data.Quotes, error) {
	select {
	case <-s.started:
		return s.init, s.first, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// WaitLive blocks until SetLive was called.
func (s *StreamStatus) WaitLive(ctx context.Context) error {
	select {
	case <-s.live:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
