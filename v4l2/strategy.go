//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// IOMethod selects how frames move from the device into the process.
type IOMethod int

const (
	// IORead copies frames with read(2) into a single heap buffer.
	IORead IOMethod = iota
	// IOMmap streams through buffers mapped from device memory.
	IOMmap
	// IOUserPtr streams into heap buffers the driver writes to directly.
	IOUserPtr
)

func (m IOMethod) String() string {
	switch m {
	case IORead:
		return "read"
	case IOMmap:
		return "mmap"
	case IOUserPtr:
		return "userptr"
	}
	return fmt.Sprintf("IOMethod(%d)", int(m))
}

// ParseIOMethod parses "read", "mmap" or "userptr".
func ParseIOMethod(s string) (IOMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return IORead, nil
	case "mmap":
		return IOMmap, nil
	case "userptr", "user-pointer", "userpointer":
		return IOUserPtr, nil
	}
	return 0, fmt.Errorf("unknown i/o method %q, expected read, mmap or userptr", s)
}

// Strategy builds and releases the buffer pool for one IOMethod.
type Strategy interface {
	Method() IOMethod

	// Capability is the capability flag the device must report.
	Capability() uint32

	// RequestBuffers negotiates buffers with the device and builds the pool.
	// On failure the buffers built so far are returned along with the error,
	// so the caller can release them.
	RequestBuffers(ch *Channel, alloc Allocator, imageSize uint32) (*Pool, error)

	// ReleaseBuffers gives back all memory of a pool built by RequestBuffers.
	ReleaseBuffers(ch *Channel, pool *Pool) error
}

// streamer is implemented by the strategies that exchange buffers with the
// driver through its queues.
type streamer interface {
	Strategy
	queue(ch *Channel, b *Buffer) error
	dequeue(ch *Channel) (v4l2Buffer, error)
}

// NewStrategy returns the strategy for m.
func NewStrategy(m IOMethod) (Strategy, error) {
	switch m {
	case IORead:
		return &readStrategy{}, nil
	case IOMmap:
		return &mmapStrategy{}, nil
	case IOUserPtr:
		return &userPtrStrategy{}, nil
	}
	return nil, newError(KindUnsupportedIOMethod, fmt.Errorf("unknown i/o method %d", int(m)))
}

const (
	requestedBuffers  = 4
	minMmapBuffers    = 2
	userPtrBufferPool = 4
)

func addressOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func heapRelease(alloc Allocator) func([]byte) error {
	return func(b []byte) error {
		alloc.Free(b)
		return nil
	}
}

// requestStreamingBuffers issues the buffer request shared by the streaming
// strategies. EINVAL means the driver does not do this memory type.
func requestStreamingBuffers(ch *Channel, memory uint32) (uint32, error) {
	n, err := ch.requestBuffers(requestedBuffers, memory)
	if err != nil {
		if errors.Is(err, unix.EINVAL) {
			return 0, newError(KindUnsupportedIOMethod, err)
		}
		return 0, newError(KindBufferRequest, err)
	}
	return n, nil
}

type readStrategy struct{}

func (*readStrategy) Method() IOMethod   { return IORead }
func (*readStrategy) Capability() uint32 { return CapReadWrite }

func (*readStrategy) RequestBuffers(ch *Channel, alloc Allocator, imageSize uint32) (*Pool, error) {
	pool := newPool(1)
	b, err := alloc.Alloc(int(imageSize))
	if err != nil {
		return pool, asKind(KindAllocation, err)
	}
	pool.add(OwnedHeap, b, heapRelease(alloc))
	return pool, nil
}

func (*readStrategy) ReleaseBuffers(ch *Channel, pool *Pool) error {
	return pool.Release()
}

type mmapStrategy struct {
	granted uint32
}

func (*mmapStrategy) Method() IOMethod   { return IOMmap }
func (*mmapStrategy) Capability() uint32 { return CapStreaming }

func (s *mmapStrategy) RequestBuffers(ch *Channel, alloc Allocator, imageSize uint32) (*Pool, error) {
	n, err := requestStreamingBuffers(ch, memoryMmap)
	if err != nil {
		return nil, err
	}
	s.granted = n
	if n < minMmapBuffers {
		return nil, newError(KindInsufficientBuffers, fmt.Errorf("device granted %d buffers, need at least %d", n, minMmapBuffers))
	}

	pool := newPool(int(n))
	for i := uint32(0); i < n; i++ {
		vb := v4l2Buffer{
			index:  i,
			memory: memoryMmap,
		}
		if err := ch.queryBuffer(&vb); err != nil {
			return pool, newError(KindBufferQuery, fmt.Errorf("buffer %d: %w", i, err))
		}
		data, err := ch.mmap(int64(vb.offset()), int(vb.length))
		if err != nil {
			return pool, newError(KindMapping, fmt.Errorf("buffer %d: %w", i, err))
		}
		index := i
		pool.add(OwnedMapped, data, func(b []byte) error {
			if err := ch.munmap(b); err != nil {
				return newError(KindUnmapping, fmt.Errorf("buffer %d: %w", index, err))
			}
			return nil
		})
	}
	return pool, nil
}

func (s *mmapStrategy) ReleaseBuffers(ch *Channel, pool *Pool) error {
	err := pool.Release()
	freeKernelBuffers(ch, &s.granted, memoryMmap)
	return err
}

func (*mmapStrategy) queue(ch *Channel, b *Buffer) error {
	vb := v4l2Buffer{
		index:  uint32(b.Index),
		memory: memoryMmap,
	}
	return ch.queue(&vb)
}

func (*mmapStrategy) dequeue(ch *Channel) (v4l2Buffer, error) {
	vb := v4l2Buffer{memory: memoryMmap}
	err := ch.dequeue(&vb)
	return vb, err
}

type userPtrStrategy struct {
	granted uint32
}

func (*userPtrStrategy) Method() IOMethod   { return IOUserPtr }
func (*userPtrStrategy) Capability() uint32 { return CapStreaming }

// RequestBuffers always builds userPtrBufferPool buffers, whatever count the
// driver granted. A grant of zero buffers is refused.
func (s *userPtrStrategy) RequestBuffers(ch *Channel, alloc Allocator, imageSize uint32) (*Pool, error) {
	n, err := requestStreamingBuffers(ch, memoryUserPtr)
	if err != nil {
		return nil, err
	}
	s.granted = n
	if n == 0 {
		return nil, newError(KindInsufficientBuffers, errors.New("device granted no buffers"))
	}

	pool := newPool(userPtrBufferPool)
	for i := 0; i < userPtrBufferPool; i++ {
		b, err := alloc.Alloc(int(imageSize))
		if err != nil {
			return pool, asKind(KindAllocation, fmt.Errorf("buffer %d: %w", i, err))
		}
		pool.add(OwnedHeap, b, heapRelease(alloc))
	}
	return pool, nil
}

func (s *userPtrStrategy) ReleaseBuffers(ch *Channel, pool *Pool) error {
	err := pool.Release()
	freeKernelBuffers(ch, &s.granted, memoryUserPtr)
	return err
}

func (*userPtrStrategy) queue(ch *Channel, b *Buffer) error {
	vb := v4l2Buffer{
		index:  uint32(b.Index),
		memory: memoryUserPtr,
		length: uint32(len(b.Data)),
	}
	vb.setUserPtr(addressOf(b.Data))
	return ch.queue(&vb)
}

func (*userPtrStrategy) dequeue(ch *Channel) (v4l2Buffer, error) {
	vb := v4l2Buffer{memory: memoryUserPtr}
	err := ch.dequeue(&vb)
	return vb, err
}

// freeKernelBuffers drops the driver side of granted buffers. Failure is
// harmless, the driver frees them when the handle is closed.
func freeKernelBuffers(ch *Channel, granted *uint32, memory uint32) {
	if *granted == 0 {
		return
	}
	*granted = 0
	_, _ = ch.requestBuffers(0, memory)
}

// asKind wraps err in kind unless it already carries a kind.
func asKind(kind Kind, err error) error {
	if KindOf(err) != KindUnknown {
		return err
	}
	return newError(kind, err)
}
