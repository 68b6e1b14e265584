// Package core defines core data structures with zero external dependencies.
package core

import (
	"sync"
	"time"
)

const (
	// DefaultHeadroom is the space reserved in front of every frame so the
	// control header can be inserted without moving the payload.
	DefaultHeadroom = 128
	// DefaultBufferSize fits the largest aggregate plus headroom.
	DefaultBufferSize = 16384
)

// Frame is a packet buffer with headroom. Data() is the frame on the wire,
// starting at the Ethernet header.
type Frame struct {
	buf       []byte
	head      int
	tail      int
	Timestamp time.Time // Capture timestamp, carried to emitted frames
}

// NewFrame allocates an empty frame with the given capacity and headroom.
func NewFrame(capacity, headroom int) *Frame {
	if headroom > capacity {
		capacity = headroom
	}
	return &Frame{
		buf:  make([]byte, capacity),
		head: headroom,
		tail: headroom,
	}
}

// Data returns the frame bytes. The slice is invalidated by Prepend, Adj
// and Append.
func (f *Frame) Data() []byte { return f.buf[f.head:f.tail] }

// Len returns the frame length in bytes.
func (f *Frame) Len() int { return f.tail - f.head }

// Headroom returns the bytes available in front of the frame.
func (f *Frame) Headroom() int { return f.head }

// Prepend grows the frame by n bytes at the front.
func (f *Frame) Prepend(n int) ([]byte, error) {
	if n < 0 || n > f.head {
		return nil, ErrNoHeadroom
	}
	f.head -= n
	return f.buf[f.head : f.head+n], nil
}

// Adj removes n bytes from the front of the frame.
func (f *Frame) Adj(n int) error {
	if n < 0 || n > f.Len() {
		return ErrFrameTooShort
	}
	f.head += n
	return nil
}

// Append grows the frame by n bytes at the tail and returns the new region.
// The backing buffer is reallocated when the tailroom is exhausted.
func (f *Frame) Append(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrFrameTooShort
	}
	if f.tail+n > len(f.buf) {
		grown := make([]byte, f.tail+n+len(f.buf)/2)
		copy(grown[f.head:f.tail], f.buf[f.head:f.tail])
		f.buf = grown
	}
	f.tail += n
	return f.buf[f.tail-n : f.tail], nil
}

// Truncate shortens the frame to n bytes, dropping the tail.
func (f *Frame) Truncate(n int) error {
	if n < 0 || n > f.Len() {
		return ErrFrameTooShort
	}
	f.tail = f.head + n
	return nil
}

// InsertGap opens n bytes at offset off, shifting the preceding bytes
// towards the front. The gap content is undefined.
func (f *Frame) InsertGap(off, n int) error {
	if off < 0 || off > f.Len() {
		return ErrFrameTooShort
	}
	if _, err := f.Prepend(n); err != nil {
		return err
	}
	data := f.Data()
	copy(data[:off], data[n:n+off])
	return nil
}

// RemoveGap deletes n bytes at offset off, shifting the preceding bytes
// towards the tail.
func (f *Frame) RemoveGap(off, n int) error {
	if off < 0 || n < 0 || off+n > f.Len() {
		return ErrFrameTooShort
	}
	data := f.Data()
	copy(data[n:n+off], data[:off])
	return f.Adj(n)
}

// reset empties the frame and restores the headroom.
func (f *Frame) reset(headroom int) {
	if headroom > len(f.buf) {
		headroom = len(f.buf)
	}
	f.head = headroom
	f.tail = headroom
	f.Timestamp = time.Time{}
}

// Allocator hands out frame buffers. A frame is owned by exactly one stage
// at a time; the owner either passes it on or frees it.
type Allocator interface {
	Alloc() *Frame
	Free(f *Frame)
}

// Pool is a sync.Pool backed Allocator.
type Pool struct {
	pool     sync.Pool
	headroom int
}

// NewPool creates a frame pool.
func NewPool(bufferSize, headroom int) *Pool {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if headroom < 0 {
		headroom = DefaultHeadroom
	}
	p := &Pool{headroom: headroom}
	p.pool.New = func() any {
		return NewFrame(bufferSize, headroom)
	}
	return p
}

// Alloc returns an empty frame.
func (p *Pool) Alloc() *Frame {
	f := p.pool.Get().(*Frame)
	f.reset(p.headroom)
	return f
}

// Free returns a frame to the pool.
func (p *Pool) Free(f *Frame) {
	if f == nil {
		return
	}
	p.pool.Put(f)
}

// FrameFrom copies data into a frame taken from alloc.
func FrameFrom(alloc Allocator, data []byte, ts time.Time) *Frame {
	f := alloc.Alloc()
	buf, _ := f.Append(len(data))
	copy(buf, data)
	f.Timestamp = ts
	return f
}
