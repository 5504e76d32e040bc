// Package smem provides the local memory region that remote endpoints write into.
package smem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Alignment of every allocation.
const Alignment = 8

// Errors returned by Region.
var (
	ErrOutOfRange = errors.New("access outside memory region")
	ErrNoSpace    = errors.New("memory region exhausted")
	ErrBadFree    = errors.New("free of unallocated range")
)

type hole struct{ off, size uint32 }

// Region is a fixed-size block of memory with a simple first-fit allocator.
// Offsets below the reserved prefix are never handed out by Alloc.
type Region struct {
	mu    sync.RWMutex
	buf   []byte
	holes []hole // sorted by offset, never adjacent
}

// New creates a Region of size bytes whose first reserved bytes are not allocatable.
func New(size, reserved uint32) (*Region, error) {
	reserved = align(reserved)
	if reserved > size {
		return nil, fmt.Errorf("reserved %d bytes exceed region size %d", reserved, size)
	}
	r := &Region{buf: make([]byte, size)}
	if size > reserved {
		r.holes = []hole{{off: reserved, size: size - reserved}}
	}
	return r, nil
}

func align(n uint32) uint32 { return (n + Alignment - 1) &^ (Alignment - 1) }

// Size returns the region size in bytes.
func (r *Region) Size() uint32 { return uint32(len(r.buf)) }

// Contains reports whether [off, off+n) lies inside the region.
func (r *Region) Contains(off uint32, n int) bool {
	return n >= 0 && uint64(off)+uint64(n) <= uint64(len(r.buf))
}

// Alloc reserves n bytes and returns their offset.
func (r *Region) Alloc(n uint32) (uint32, error) {
	n = align(n)
	if n == 0 {
		n = Alignment
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.holes {
		if h.size < n {
			continue
		}
		if h.size == n {
			r.holes = append(r.holes[:i], r.holes[i+1:]...)
		} else {
			r.holes[i] = hole{off: h.off + n, size: h.size - n}
		}
		for j := h.off; j < h.off+n; j++ {
			r.buf[j] = 0
		}
		return h.off, nil
	}
	return 0, ErrNoSpace
}

// Free returns [off, off+n) to the allocator.
func (r *Region) Free(off, n uint32) error {
	n = align(n)
	if n == 0 {
		n = Alignment
	}
	if !r.Contains(off, int(n)) {
		return ErrOutOfRange
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.holes), func(i int) bool { return r.holes[i].off >= off })
	if i < len(r.holes) && off+n > r.holes[i].off {
		return ErrBadFree
	}
	if i > 0 && r.holes[i-1].off+r.holes[i-1].size > off {
		return ErrBadFree
	}

	h := hole{off: off, size: n}
	r.holes = append(r.holes, hole{})
	copy(r.holes[i+1:], r.holes[i:])
	r.holes[i] = h

	// Coalesce with the next and previous holes.
	if i+1 < len(r.holes) && h.off+h.size == r.holes[i+1].off {
		r.holes[i].size += r.holes[i+1].size
		r.holes = append(r.holes[:i+1], r.holes[i+2:]...)
	}
	if i > 0 && r.holes[i-1].off+r.holes[i-1].size == r.holes[i].off {
		r.holes[i-1].size += r.holes[i].size
		r.holes = append(r.holes[:i], r.holes[i+1:]...)
	}
	return nil
}

// Available returns the number of unallocated bytes.
func (r *Region) Available() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n uint32
	for _, h := range r.holes {
		n += h.size
	}
	return n
}

// WriteAt copies b into the region at off.
func (r *Region) WriteAt(b []byte, off uint32) error {
	if !r.Contains(off, len(b)) {
		return ErrOutOfRange
	}
	r.mu.Lock()
	copy(r.buf[off:], b)
	r.mu.Unlock()
	return nil
}

// ReadAt copies len(b) bytes at off into b.
func (r *Region) ReadAt(b []byte, off uint32) error {
	if !r.Contains(off, len(b)) {
		return ErrOutOfRange
	}
	r.mu.RLock()
	copy(b, r.buf[off:])
	r.mu.RUnlock()
	return nil
}

// View returns the n bytes at off without copying. Callers must only touch views of
// ranges they own, and must observe a flag through Flag before reading remote writes.
func (r *Region) View(off uint32, n int) ([]byte, error) {
	if !r.Contains(off, n) {
		return nil, ErrOutOfRange
	}
	return r.buf[off : int(off)+n : int(off)+n], nil
}

// Flag reads the 32-bit flag at off.
func (r *Region) Flag(off uint32) (uint32, error) {
	if !r.Contains(off, 4) {
		return 0, ErrOutOfRange
	}
	r.mu.RLock()
	v := binary.BigEndian.Uint32(r.buf[off:])
	r.mu.RUnlock()
	return v, nil
}

// PutFlag writes the 32-bit flag at off.
func (r *Region) PutFlag(off, v uint32) error {
	if !r.Contains(off, 4) {
		return ErrOutOfRange
	}
	r.mu.Lock()
	binary.BigEndian.PutUint32(r.buf[off:], v)
	r.mu.Unlock()
	return nil
}
