package ohlc

import (
	"fmt"
	"sync"

	"github.com/backtesting-org/pikerd/pkg/data"
)

// Registry owns every bar buffer in the process, keyed by fqsn.
type Registry struct {
	mu   sync.Mutex
	bufs map[string]*Buffer
}

// NewRegistry creates a new buffer registry
func NewRegistry() *Registry {
	return &Registry{bufs: make(map[string]*Buffer)}
}

// MaybeOpen returns the buffer for key, allocating it with size slots when
// absent. opened reports whether this call did the allocation.
func (r *Registry) MaybeOpen(key string, size int, readonly bool) (buf *Buffer, opened bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.bufs[key]
	if !ok {
		if size <= 0 {
			size = DefaultSize
		}
		buf = newBuffer(key, size)
		r.bufs[key] = buf
		opened = true
	}
	if readonly {
		return buf.View(), opened
	}
	return buf, opened
}

// Attach returns a handle on the buffer described by token.
func (r *Registry) Attach(token data.ShmToken, readonly bool) (*Buffer, error) {
	r.mu.Lock()
	buf, ok := r.bufs[token.Key]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, token.Key)
	}
	if !buf.token.Equal(token) {
		return nil, fmt.Errorf("ohlc: token mismatch for %s", token.Key)
	}
	if readonly {
		return buf.View(), nil
	}
	return buf, nil
}

// Lookup returns a read-only view of the buffer for key, if open.
func (r *Registry) Lookup(key string) (*Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.bufs[key]
	if !ok {
		return nil, false
	}
	return buf.View(), true
}

// Close forgets the buffer for key.
func (r *Registry) Close(key string) {
	r.mu.Lock()
	delete(r.bufs, key)
	r.mu.Unlock()
}

// Keys lists the open buffers.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.bufs))
	for k := range r.bufs {
		keys = append(keys, k)
	}
	return keys
}

// SampleStep detects the bar period in seconds: the gap between the newest
// time and the latest time that differs from it.
func SampleStep(bars []data.Bar) (float64, error) {
	if len(bars) < 2 {
		return 0, ErrNotEnoughTs
	}
	newest := bars[len(bars)-1].Time
	for i := len(bars) - 2; i >= 0; i-- {
		if t := bars[i].Time; t != newest {
			return newest - t, nil
		}
	}
	return 0, ErrNotEnoughTs
}
