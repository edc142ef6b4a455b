//go:build linux

package v4l2

import (
	"fmt"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fakeDevice simulates a V4L2 capture driver behind the Sys interface and
// records every request it receives.
type fakeDevice struct {
	openErr  error
	closeErr error
	nextFD   int
	fds      map[int]bool

	caps       uint32
	deviceCaps uint32
	noCropcap  bool
	pix        v4l2PixFormat
	crop       *v4l2Rect

	queryCapErr  error
	getFmtErr    error
	setFmtErr    error
	reqbufsErr   error
	querybufErr  map[uint32]error
	qbufFailAt   int
	streamOnErr  error
	streamOffErr error
	eintr        int // Requests to fail with EINTR before serving any.

	grant     uint32 // Buffers granted for a non-zero request.
	granted   uint32
	bufLength uint32

	mmapCalls  int
	mmapFailAt int
	munmapErr  map[int]error
	mapped     map[uintptr]int // Live mappings, address to buffer index.
	badUnmaps  int

	streaming bool
	queued    []uint32
	userptrs  map[uint32]uintptr
	sequence  uint32
	readData  []byte

	calls []string
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		nextFD: 3,
		fds:    map[int]bool{},
		caps:   CapVideoCapture | CapReadWrite | CapStreaming,
		pix: v4l2PixFormat{
			width:        640,
			height:       480,
			pixelformat:  PixelFormatYUYV,
			bytesperline: 1280,
			sizeimage:    1280 * 480,
		},
		querybufErr: map[uint32]error{},
		qbufFailAt:  -1,
		grant:       4,
		bufLength:   1280 * 480,
		mmapFailAt:  -1,
		munmapErr:   map[int]error{},
		mapped:      map[uintptr]int{},
		userptrs:    map[uint32]uintptr{},
	}
}

// Check that fakeDevice implements interface Sys.
var _ Sys = (*fakeDevice)(nil)

func (f *fakeDevice) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// callsWith returns the recorded calls starting with one of prefixes.
func (f *fakeDevice) callsWith(prefixes ...string) []string {
	var r []string
	for _, c := range f.calls {
		for _, p := range prefixes {
			if strings.HasPrefix(c, p) {
				r = append(r, c)
				break
			}
		}
	}
	return r
}

func (f *fakeDevice) Open(path string, mode int) (int, error) {
	f.record("OPEN %s", path)
	if f.openErr != nil {
		return -1, f.openErr
	}
	if mode&unix.O_NONBLOCK == 0 || mode&unix.O_RDWR == 0 {
		return -1, unix.EINVAL
	}
	fd := f.nextFD
	f.nextFD++
	f.fds[fd] = true
	return fd, nil
}

func (f *fakeDevice) Close(fd int) error {
	f.record("CLOSE")
	if !f.fds[fd] {
		return unix.EBADF
	}
	delete(f.fds, fd)
	return f.closeErr
}

func setOffset(b *v4l2Buffer, off uint32) {
	*(*uint32)(unsafe.Pointer(&b.m)) = off
}

func (f *fakeDevice) Ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	if !f.fds[fd] {
		return unix.EBADF
	}
	if f.eintr > 0 {
		f.eintr--
		f.record("EINTR")
		return unix.EINTR
	}

	switch req {
	case vidiocQuerycap:
		f.record("QUERYCAP")
		if f.queryCapErr != nil {
			return f.queryCapErr
		}
		c := (*v4l2Capability)(arg)
		copy(c.driver[:], "fake")
		copy(c.card[:], "Fake Camera")
		copy(c.busInfo[:], "platform:fake")
		c.version = 6<<16 | 1<<8
		c.capabilities = f.caps
		c.deviceCaps = f.deviceCaps
		return nil

	case vidiocCropcap:
		f.record("CROPCAP")
		if f.noCropcap {
			return unix.EINVAL
		}
		cc := (*v4l2Cropcap)(arg)
		cc.bounds = v4l2Rect{width: 640, height: 480}
		cc.defrect = v4l2Rect{left: 8, top: 8, width: 624, height: 464}
		return nil

	case vidiocSCrop:
		f.record("S_CROP")
		c := (*v4l2Crop)(arg)
		r := c.c
		f.crop = &r
		return nil

	case vidiocGFmt:
		f.record("G_FMT")
		if f.getFmtErr != nil {
			return f.getFmtErr
		}
		(*v4l2Format)(arg).fmt.pix = f.pix
		return nil

	case vidiocSFmt:
		f.record("S_FMT")
		if f.setFmtErr != nil {
			return f.setFmtErr
		}
		p := &(*v4l2Format)(arg).fmt.pix
		f.pix = *p
		return nil

	case vidiocReqbufs:
		r := (*v4l2RequestBuffers)(arg)
		f.record("REQBUFS %d", r.count)
		if f.reqbufsErr != nil {
			return f.reqbufsErr
		}
		if r.count == 0 {
			f.granted = 0
			return nil
		}
		r.count = f.grant
		f.granted = f.grant
		return nil

	case vidiocQuerybuf:
		b := (*v4l2Buffer)(arg)
		f.record("QUERYBUF %d", b.index)
		if b.index >= f.granted {
			return unix.EINVAL
		}
		if err := f.querybufErr[b.index]; err != nil {
			return err
		}
		b.length = f.bufLength
		setOffset(b, b.index*0x100000)
		return nil

	case vidiocQbuf:
		b := (*v4l2Buffer)(arg)
		f.record("QBUF %d", b.index)
		if int(b.index) == f.qbufFailAt {
			return unix.EINVAL
		}
		for _, q := range f.queued {
			if q == b.index {
				return unix.EINVAL
			}
		}
		if b.memory == memoryUserPtr {
			if b.m == 0 || b.length == 0 {
				return unix.EINVAL
			}
			f.userptrs[b.index] = b.m
		}
		f.queued = append(f.queued, b.index)
		return nil

	case vidiocDqbuf:
		b := (*v4l2Buffer)(arg)
		f.record("DQBUF")
		if !f.streaming || len(f.queued) == 0 {
			return unix.EAGAIN
		}
		b.index = f.queued[0]
		f.queued = f.queued[1:]
		b.bytesused = f.bufLength
		f.sequence++
		b.sequence = f.sequence
		b.timestamp = unix.NsecToTimeval(int64(f.sequence) * int64(time.Second/30))
		return nil

	case vidiocStreamon:
		f.record("STREAMON")
		if f.streamOnErr != nil {
			return f.streamOnErr
		}
		f.streaming = true
		return nil

	case vidiocStreamoff:
		f.record("STREAMOFF")
		if f.streamOffErr != nil {
			return f.streamOffErr
		}
		f.streaming = false
		f.queued = nil
		return nil
	}
	return unix.ENOTTY
}

func (f *fakeDevice) Mmap(fd int, offset int64, length int) ([]byte, error) {
	n := f.mmapCalls
	f.mmapCalls++
	f.record("MMAP %d", n)
	if n == f.mmapFailAt {
		return nil, unix.ENOMEM
	}
	b := make([]byte, length)
	f.mapped[addressOf(b)] = n
	return b, nil
}

func (f *fakeDevice) Munmap(b []byte) error {
	addr := addressOf(b)
	index, ok := f.mapped[addr]
	if !ok {
		f.badUnmaps++
		f.record("MUNMAP ?")
		return unix.EINVAL
	}
	f.record("MUNMAP %d", index)
	if err := f.munmapErr[index]; err != nil {
		return err
	}
	delete(f.mapped, addr)
	return nil
}

func (f *fakeDevice) Read(fd int, p []byte) (int, error) {
	f.record("READ")
	if f.readData == nil {
		return 0, unix.EAGAIN
	}
	return copy(p, f.readData), nil
}

func (f *fakeDevice) Poll(fd int, timeout time.Duration) (bool, error) {
	return f.streaming && len(f.queued) > 0, nil
}

// countingAllocator tracks heap buffers handed out and given back.
type countingAllocator struct {
	heap    heapAllocator
	allocs  int
	failAt  int
	live    map[uintptr]int
	badFree int
}

func newCountingAllocator() *countingAllocator {
	return &countingAllocator{failAt: -1, live: map[uintptr]int{}}
}

func (a *countingAllocator) Alloc(n int) ([]byte, error) {
	i := a.allocs
	a.allocs++
	if i == a.failAt {
		return nil, newError(KindAllocation, fmt.Errorf("simulated failure of allocation %d", i))
	}
	b, err := a.heap.Alloc(n)
	if err != nil {
		return nil, err
	}
	a.live[addressOf(b)] = n
	return b, nil
}

func (a *countingAllocator) Free(b []byte) {
	addr := addressOf(b)
	if _, ok := a.live[addr]; !ok {
		a.badFree++
		return
	}
	delete(a.live, addr)
}

func newTestDevice(f *fakeDevice, alloc *countingAllocator, m IOMethod) *Device {
	d := NewDevice(&DeviceOpts{Sys: f, Allocator: alloc})
	d.SetDeviceName("/dev/video0")
	if err := d.SetIOMethod(m); err != nil {
		panic(err)
	}
	return d
}
