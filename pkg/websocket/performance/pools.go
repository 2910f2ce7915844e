package performance

import (
	"bytes"
	"encoding/json"
	"sync"
)

// ObjectPool provides generic object pooling for websocket frame encoding
type ObjectPool[T any] struct {
	pool      sync.Pool
	resetFunc func(T)
}

// NewObjectPool creates a new object pool with the given constructor and reset functions
func NewObjectPool[T any](newFunc func() T, resetFunc func(T)) *ObjectPool[T] {
	return &ObjectPool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return newFunc()
			},
		},
		resetFunc: resetFunc,
	}
}

func (op *ObjectPool[T]) Get() T {
	return op.pool.Get().(T)
}

func (op *ObjectPool[T]) Put(obj T) {
	if op.resetFunc != nil {
		op.resetFunc(obj)
	}
	op.pool.Put(obj)
}

// maxPooledBuffer keeps one huge frame from pinning memory in the pool.
const maxPooledBuffer = 1 << 20

// BufferPool holds scratch buffers for frame encoding.
var BufferPool = NewObjectPool(
	func() *bytes.Buffer {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
	func(b *bytes.Buffer) {
		b.Reset()
	},
)

// MarshalFrame JSON encodes v through a pooled buffer and returns a copy
// of the encoded bytes without the trailing newline.
func MarshalFrame(v interface{}) ([]byte, error) {
	buf := BufferPool.Get()
	defer func() {
		if buf.Cap() <= maxPooledBuffer {
			BufferPool.Put(buf)
		}
	}()

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return append([]byte(nil), out...), nil
}
