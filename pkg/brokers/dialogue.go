package brokers

import (
	"context"
	"errors"
	"sync"

	"github.com/backtesting-org/pikerd/pkg/clearing"
)

var ErrDialogueClosed = errors.New("trades dialogue closed")

const dialogueBufferSize = 64

// Dialogue is a bidirectional order channel with a broker: requests flow
// down, acks, fills, statuses and positions flow back up.
type Dialogue struct {
	Positions []clearing.BrokerdPosition
	Accounts  []string

	requests chan clearing.Request
	events   chan clearing.Message
	done     chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// NewDialogue creates a new Dialogue
func NewDialogue(positions []clearing.BrokerdPosition, accounts []string) *Dialogue {
	return &Dialogue{
		Positions: positions,
		Accounts:  accounts,
		requests:  make(chan clearing.Request, dialogueBufferSize),
		events:    make(chan clearing.Message, dialogueBufferSize),
		done:      make(chan struct{}),
	}
}

// Send hands an order request to the broker.
func (d *Dialogue) Send(ctx context.Context, req clearing.Request) error {
	select {
	case d.requests <- req:
		return nil
	case <-d.done:
		return ErrDialogueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events streams broker messages. Consumers should also watch Done.
func (d *Dialogue) Events() <-chan clearing.Message {
	return d.events
}

// Requests is the broker side of Send.
func (d *Dialogue) Requests() <-chan clearing.Request {
	return d.requests
}

// Done is closed when the dialogue ends.
func (d *Dialogue) Done() <-chan struct{} {
	return d.done
}

// Emit is the broker side of Events.
func (d *Dialogue) Emit(ctx context.Context, msg clearing.Message) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDialogueClosed
	}
	d.mu.Unlock()

	select {
	case d.events <- msg:
		return nil
	case <-d.done:
		return ErrDialogueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish ends the dialogue, recording err as its outcome.
func (d *Dialogue) Finish(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.err = err
	close(d.done)
}

// Err returns the outcome recorded by Finish.
func (d *Dialogue) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}
