//go:build linux

package v4l2

import (
	"errors"
	"reflect"
	"testing"

	"golang.org/x/sys/unix"
)

func openChannel(t *testing.T, f *fakeDevice) *Channel {
	t.Helper()
	fd, err := f.Open("/dev/video0", unix.O_RDWR|unix.O_NONBLOCK)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return newChannel(f, fd)
}

func TestMmapGrantedCounts(t *testing.T) {
	for _, grant := range []uint32{2, 3, 4, 8} {
		f := newFakeDevice()
		f.grant = grant
		ch := openChannel(t, f)
		s := &mmapStrategy{}
		pool, err := s.RequestBuffers(ch, newCountingAllocator(), 1280*480)
		if err != nil {
			t.Fatalf("grant %d: %v", grant, err)
		}
		if pool.Len() != int(grant) || len(f.mapped) != int(grant) {
			t.Fatalf("grant %d: got %d buffers and %d mappings", grant, pool.Len(), len(f.mapped))
		}
		for i := 0; i < pool.Len(); i++ {
			b := pool.Buffer(i)
			if b.Index != i || b.Owner != OwnedMapped || b.Len() != int(f.bufLength) {
				t.Fatalf("grant %d: unexpected buffer %d: index %d, owner %v, len %d", grant, i, b.Index, b.Owner, b.Len())
			}
		}
		if err := s.ReleaseBuffers(ch, pool); err != nil {
			t.Fatalf("grant %d: release: %v", grant, err)
		}
		if len(f.mapped) != 0 || f.badUnmaps != 0 {
			t.Fatalf("grant %d: %d mappings left, %d bad unmaps", grant, len(f.mapped), f.badUnmaps)
		}
		reqs := f.callsWith("REQBUFS")
		if !reflect.DeepEqual(reqs, []string{"REQBUFS 4", "REQBUFS 0"}) {
			t.Fatalf("grant %d: buffer requests %v", grant, reqs)
		}
	}
}

func TestMmapTooFewBuffers(t *testing.T) {
	for _, grant := range []uint32{0, 1} {
		f := newFakeDevice()
		f.grant = grant
		ch := openChannel(t, f)
		s := &mmapStrategy{}
		pool, err := s.RequestBuffers(ch, newCountingAllocator(), 1280*480)
		if !errors.Is(err, ErrInsufficientBuffers) {
			t.Fatalf("grant %d: got %v, expected insufficient buffers", grant, err)
		}
		if pool.Len() != 0 || len(f.callsWith("QUERYBUF", "MMAP")) != 0 {
			t.Fatalf("grant %d: buffers set up anyway: %v", grant, f.calls)
		}
	}
}

func TestStreamingRequestErrors(t *testing.T) {
	for _, s := range []Strategy{&mmapStrategy{}, &userPtrStrategy{}} {
		f := newFakeDevice()
		f.reqbufsErr = unix.EINVAL
		ch := openChannel(t, f)
		if _, err := s.RequestBuffers(ch, newCountingAllocator(), 100); !errors.Is(err, ErrUnsupportedIOMethod) {
			t.Fatalf("%v: EINVAL mapped to %v", s.Method(), err)
		}
		f.reqbufsErr = unix.ENOMEM
		_, err := s.RequestBuffers(ch, newCountingAllocator(), 100)
		if !errors.Is(err, ErrBufferRequest) || !errors.Is(err, unix.ENOMEM) {
			t.Fatalf("%v: ENOMEM mapped to %v", s.Method(), err)
		}
	}
}

func TestMmapQueryFailure(t *testing.T) {
	f := newFakeDevice()
	f.querybufErr[1] = unix.EIO
	ch := openChannel(t, f)
	s := &mmapStrategy{}
	pool, err := s.RequestBuffers(ch, newCountingAllocator(), 100)
	if KindOf(err) != KindBufferQuery {
		t.Fatalf("got %v, expected buffer query error", err)
	}
	if pool.Len() != 1 {
		t.Fatalf("partial pool has %d buffers, expected 1", pool.Len())
	}
	if err := s.ReleaseBuffers(ch, pool); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(f.mapped) != 0 {
		t.Fatalf("mapping leaked")
	}
}

func TestMmapUnmapContinuesPastFailure(t *testing.T) {
	f := newFakeDevice()
	f.munmapErr[1] = unix.EINVAL
	f.munmapErr[2] = unix.ENOMEM
	ch := openChannel(t, f)
	s := &mmapStrategy{}
	pool, err := s.RequestBuffers(ch, newCountingAllocator(), 100)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	err = s.ReleaseBuffers(ch, pool)
	if !errors.Is(err, ErrUnmapping) || !errors.Is(err, unix.EINVAL) || !errors.Is(err, unix.ENOMEM) {
		t.Fatalf("release returned %v, expected both unmapping failures", err)
	}
	got := f.callsWith("MUNMAP")
	exp := []string{"MUNMAP 0", "MUNMAP 1", "MUNMAP 2", "MUNMAP 3"}
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("unmapped %v, expected %v", got, exp)
	}
	for i := 0; i < pool.Len(); i++ {
		if !pool.Buffer(i).Released() {
			t.Fatalf("buffer %d not marked released", i)
		}
	}

	// Failed unmaps are not retried.
	f.calls = nil
	if err := s.ReleaseBuffers(ch, pool); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("second release issued %v", f.calls)
	}
}

func TestUserPtrAlwaysFourBuffers(t *testing.T) {
	for _, grant := range []uint32{1, 2, 4, 8} {
		f := newFakeDevice()
		f.grant = grant
		ch := openChannel(t, f)
		alloc := newCountingAllocator()
		s := &userPtrStrategy{}
		pool, err := s.RequestBuffers(ch, alloc, 1000)
		if err != nil {
			t.Fatalf("grant %d: %v", grant, err)
		}
		if pool.Len() != 4 || alloc.allocs != 4 {
			t.Fatalf("grant %d: got %d buffers from %d allocations, expected 4", grant, pool.Len(), alloc.allocs)
		}
		for i := 0; i < 4; i++ {
			b := pool.Buffer(i)
			if b.Owner != OwnedHeap || b.Len() != 1000 {
				t.Fatalf("grant %d: unexpected buffer %d: owner %v, len %d", grant, i, b.Owner, b.Len())
			}
		}
		if err := s.ReleaseBuffers(ch, pool); err != nil {
			t.Fatalf("grant %d: release: %v", grant, err)
		}
		if len(alloc.live) != 0 || alloc.badFree != 0 {
			t.Fatalf("grant %d: %d buffers leaked, %d bad frees", grant, len(alloc.live), alloc.badFree)
		}
	}
}

func TestUserPtrNoGrant(t *testing.T) {
	f := newFakeDevice()
	f.grant = 0
	ch := openChannel(t, f)
	alloc := newCountingAllocator()
	s := &userPtrStrategy{}
	if _, err := s.RequestBuffers(ch, alloc, 1000); !errors.Is(err, ErrInsufficientBuffers) {
		t.Fatalf("got %v, expected insufficient buffers", err)
	}
	if alloc.allocs != 0 {
		t.Fatalf("allocated %d buffers without a grant", alloc.allocs)
	}
}

func TestUserPtrAllocationFailure(t *testing.T) {
	f := newFakeDevice()
	ch := openChannel(t, f)
	alloc := newCountingAllocator()
	alloc.failAt = 2
	s := &userPtrStrategy{}
	pool, err := s.RequestBuffers(ch, alloc, 1000)
	if !errors.Is(err, ErrAllocation) {
		t.Fatalf("got %v, expected allocation error", err)
	}
	if pool.Len() != 2 {
		t.Fatalf("partial pool has %d buffers, expected 2", pool.Len())
	}
	if err := s.ReleaseBuffers(ch, pool); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(alloc.live) != 0 || alloc.badFree != 0 {
		t.Fatalf("%d buffers leaked, %d bad frees", len(alloc.live), alloc.badFree)
	}
	if got := f.callsWith("REQBUFS"); !reflect.DeepEqual(got, []string{"REQBUFS 4", "REQBUFS 0"}) {
		t.Fatalf("buffer requests %v", got)
	}
}

func TestReadStrategy(t *testing.T) {
	f := newFakeDevice()
	ch := openChannel(t, f)
	alloc := newCountingAllocator()
	s := &readStrategy{}
	pool, err := s.RequestBuffers(ch, alloc, 614400)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if pool.Len() != 1 || pool.Buffer(0).Len() != 614400 || pool.Buffer(0).Owner != OwnedHeap {
		t.Fatalf("unexpected read pool of %d buffers", pool.Len())
	}
	if len(f.calls) != 1 {
		t.Fatalf("read strategy talked to the device: %v", f.calls)
	}
	if err := s.ReleaseBuffers(ch, pool); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(alloc.live) != 0 {
		t.Fatalf("buffer leaked")
	}

	if _, err := s.RequestBuffers(ch, alloc, 0); !errors.Is(err, ErrAllocation) {
		t.Fatalf("zero image size returned %v, expected allocation error", err)
	}
}

func TestParseIOMethod(t *testing.T) {
	tests := []struct {
		in  string
		exp IOMethod
	}{
		{"read", IORead},
		{"mmap", IOMmap},
		{"MMAP", IOMmap},
		{"userptr", IOUserPtr},
		{" user-pointer ", IOUserPtr},
	}
	for _, tt := range tests {
		m, err := ParseIOMethod(tt.in)
		if err != nil || m != tt.exp {
			t.Fatalf("parse %q: got %v, %v, expected %v", tt.in, m, err, tt.exp)
		}
		if back, _ := ParseIOMethod(m.String()); back != m {
			t.Fatalf("%v does not parse back", m)
		}
	}
	if _, err := ParseIOMethod("dma"); err == nil {
		t.Fatalf("parse of unknown method did not fail")
	}
}
