//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"os"
)

// Ownership tells how a buffer's memory must be given back.
type Ownership int

const (
	// OwnedHeap memory was handed out by an Allocator and is returned to it.
	OwnedHeap Ownership = iota
	// OwnedMapped memory is a shared mapping of device memory and is unmapped.
	OwnedMapped
)

func (o Ownership) String() string {
	switch o {
	case OwnedHeap:
		return "heap"
	case OwnedMapped:
		return "mapped"
	}
	return fmt.Sprintf("Ownership(%d)", int(o))
}

// Buffer is one frame buffer of a Pool.
type Buffer struct {
	Index int
	Owner Ownership

	// Data is nil once the buffer has been released.
	Data []byte

	length  int
	release func([]byte) error
}

// Len returns the size of the buffer in bytes, also after release.
func (b *Buffer) Len() int {
	return b.length
}

// Released reports whether the buffer memory has been given back.
func (b *Buffer) Released() bool {
	return b.release == nil
}

// Pool owns the frame buffers built by a Strategy, indexed as the driver
// indexes them.
type Pool struct {
	buffers []*Buffer
}

func newPool(capacity int) *Pool {
	return &Pool{buffers: make([]*Buffer, 0, capacity)}
}

func (p *Pool) add(owner Ownership, data []byte, release func([]byte) error) *Buffer {
	b := &Buffer{
		Index:   len(p.buffers),
		Owner:   owner,
		Data:    data,
		length:  len(data),
		release: release,
	}
	p.buffers = append(p.buffers, b)
	return b
}

// Len returns the number of buffers in the pool.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.buffers)
}

// Buffer returns the buffer with index i.
func (p *Pool) Buffer(i int) *Buffer {
	return p.buffers[i]
}

// Release gives back the memory of every buffer not yet released. Each
// buffer is released at most once; a failure does not stop the release of
// the remaining buffers, all failures are returned joined.
func (p *Pool) Release() error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, b := range p.buffers {
		if b.release == nil {
			continue
		}
		release := b.release
		data := b.Data
		b.release = nil
		b.Data = nil
		if err := release(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Allocator hands out heap memory for the Read and UserPointer strategies.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte)
}

// maxHeapBuffer bounds a single heap buffer; no sane frame comes close.
const maxHeapBuffer = 1 << 30

type heapAllocator struct{}

// Alloc returns a page aligned slice of n bytes. Drivers that DMA into user
// pointers commonly require page alignment.
func (heapAllocator) Alloc(n int) ([]byte, error) {
	if n <= 0 || n > maxHeapBuffer {
		return nil, newError(KindAllocation, fmt.Errorf("invalid buffer size %d", n))
	}
	page := os.Getpagesize()
	raw := make([]byte, n+page)
	off := 0
	if rem := int(addressOf(raw) % uintptr(page)); rem != 0 {
		off = page - rem
	}
	return raw[off : off+n : off+n], nil
}

// Free drops the buffer; the garbage collector reclaims it.
func (heapAllocator) Free(b []byte) {}
