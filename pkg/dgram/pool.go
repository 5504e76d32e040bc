package dgram

import "sync"

// BufferPool hands out fixed size byte slices.
type BufferPool struct {
	pool sync.Pool
	Size int
}

// NewBufferPool creates a BufferPool of size byte buffers.
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		},
		Size: size,
	}
}

// Get returns a buffer of length Size.
func (bp *BufferPool) Get() []byte {
	return bp.pool.Get().([]byte)
}

// Put returns b to the pool. Buffers of a foreign size are dropped.
func (bp *BufferPool) Put(b []byte) {
	if cap(b) != bp.Size {
		return
	}
	bp.pool.Put(b[:bp.Size])
}

// Gather copies bufs into one pooled buffer and returns the filled prefix.
// The caller must Put the returned slice.
func (bp *BufferPool) Gather(bufs [][]byte) ([]byte, error) {
	if totalLen(bufs) > bp.Size {
		return nil, ErrDatagramTooLong
	}
	b := bp.Get()
	n := 0
	for _, p := range bufs {
		n += copy(b[n:], p)
	}
	return b[:n], nil
}
