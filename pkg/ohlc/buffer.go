package ohlc

import (
	"errors"
	"sync"

	"github.com/backtesting-org/pikerd/pkg/data"
)

const secsInDay = 24 * 60 * 60

// DefaultSize holds three days of 1s bars.
const DefaultSize = 3 * secsInDay

var (
	ErrReadonly    = errors.New("ohlc: buffer is readonly")
	ErrBufferFull  = errors.New("ohlc: buffer is full")
	ErrNoRoom      = errors.New("ohlc: no room to prepend")
	ErrEmpty       = errors.New("ohlc: buffer is empty")
	ErrNotEnoughTs = errors.New("ohlc: not enough distinct bar times to detect sample step")

	// ErrUnknownToken is returned by Attach for a token no writer has opened.
	ErrUnknownToken = errors.New("ohlc: unknown buffer token")
)

type store struct {
	mu    sync.RWMutex
	bars  []data.Bar
	first int
	last  int
}

// Buffer is a fixed capacity bar array with a movable live window
// [first, last). One writer pushes and prepends, readers copy out.
type Buffer struct {
	s        *store
	token    data.ShmToken
	readonly bool
}

func newBuffer(key string, size int) *Buffer {
	start := size / 3
	return &Buffer{
		s: &store{
			bars:  make([]data.Bar, size),
			first: start,
			last:  start,
		},
		token: data.ShmToken{Key: key, Fields: data.OHLCVFields, Size: size},
	}
}

// Token identifies this buffer for Attach.
func (b *Buffer) Token() data.ShmToken {
	return b.token
}

func (b *Buffer) Readonly() bool {
	return b.readonly
}

// View returns a readonly handle on the same storage.
func (b *Buffer) View() *Buffer {
	return &Buffer{s: b.s, token: b.token, readonly: true}
}

// Push appends bars, assigning each its absolute index, and returns the
// new end cursor.
func (b *Buffer) Push(bars ...data.Bar) (int, error) {
	if b.readonly {
		return 0, ErrReadonly
	}
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last+len(bars) > len(s.bars) {
		return s.last, ErrBufferFull
	}
	for i, bar := range bars {
		bar.Index = int64(s.last + i)
		s.bars[s.last+i] = bar
	}
	s.last += len(bars)
	return s.last, nil
}

// Prepend writes bars in front of the live window and returns the new
// start cursor.
func (b *Buffer) Prepend(bars ...data.Bar) (int, error) {
	if b.readonly {
		return 0, ErrReadonly
	}
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(bars) > s.first {
		return s.first, ErrNoRoom
	}
	start := s.first - len(bars)
	for i, bar := range bars {
		bar.Index = int64(start + i)
		s.bars[start+i] = bar
	}
	s.first = start
	return s.first, nil
}

// UpdateLast mutates the newest bar in place.
func (b *Buffer) UpdateLast(fn func(bar *data.Bar)) error {
	if b.readonly {
		return ErrReadonly
	}
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == s.first {
		return ErrEmpty
	}
	fn(&s.bars[s.last-1])
	return nil
}

// Array copies out the live window.
func (b *Buffer) Array() []data.Bar {
	s := b.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]data.Bar, s.last-s.first)
	copy(out, s.bars[s.first:s.last])
	return out
}

// Last copies out at most the n newest bars.
func (b *Buffer) Last(n int) []data.Bar {
	s := b.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := s.last - n
	if start < s.first {
		start = s.first
	}
	out := make([]data.Bar, s.last-start)
	copy(out, s.bars[start:s.last])
	return out
}

// At returns the bar at absolute index i.
func (b *Buffer) At(i int) (data.Bar, bool) {
	s := b.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < s.first || i >= s.last {
		return data.Bar{}, false
	}
	return s.bars[i], true
}

func (b *Buffer) Len() int {
	s := b.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last - s.first
}

// Index is the absolute end cursor; the newest bar sits at Index()-1.
func (b *Buffer) Index() int {
	s := b.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// First is the absolute start cursor.
func (b *Buffer) First() int {
	s := b.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.first
}
