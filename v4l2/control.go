//go:build linux

package v4l2

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Sys is the operating system surface a Device is driven through. The
// default implementation issues real system calls; tests substitute a
// simulated device.
type Sys interface {
	Open(path string, mode int) (int, error)
	Close(fd int) error
	Ioctl(fd int, req uintptr, arg unsafe.Pointer) error
	Mmap(fd int, offset int64, length int) ([]byte, error)
	Munmap(b []byte) error
	Read(fd int, p []byte) (int, error)
	Poll(fd int, timeout time.Duration) (bool, error)
}

type unixSys struct{}

// Check that unixSys implements interface Sys.
var _ Sys = unixSys{}

func (unixSys) Open(path string, mode int) (int, error) {
	return unix.Open(path, mode|unix.O_CLOEXEC, 0)
}

func (unixSys) Close(fd int) error {
	return unix.Close(fd)
}

func (unixSys) Ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (unixSys) Mmap(fd int, offset int64, length int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (unixSys) Munmap(b []byte) error {
	return unix.Munmap(b)
}

func (unixSys) Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func (unixSys) Poll(fd int, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Channel issues control requests against an open device. Every request is
// retried for as long as it fails with EINTR; any other result is returned
// unchanged.
type Channel struct {
	sys Sys
	fd  int
}

func newChannel(sys Sys, fd int) *Channel {
	return &Channel{sys: sys, fd: fd}
}

func interrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}

func (c *Channel) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		err := c.sys.Ioctl(c.fd, req, arg)
		if !interrupted(err) {
			return err
		}
	}
}

func (c *Channel) queryCap(p *v4l2Capability) error {
	return c.ioctl(vidiocQuerycap, unsafe.Pointer(p))
}

func (c *Channel) cropCap(p *v4l2Cropcap) error {
	p.typ = bufTypeVideoCapture
	return c.ioctl(vidiocCropcap, unsafe.Pointer(p))
}

func (c *Channel) setCrop(p *v4l2Crop) error {
	p.typ = bufTypeVideoCapture
	return c.ioctl(vidiocSCrop, unsafe.Pointer(p))
}

func (c *Channel) getFormat(p *v4l2Format) error {
	p.typ = bufTypeVideoCapture
	return c.ioctl(vidiocGFmt, unsafe.Pointer(p))
}

func (c *Channel) setFormat(p *v4l2Format) error {
	p.typ = bufTypeVideoCapture
	return c.ioctl(vidiocSFmt, unsafe.Pointer(p))
}

// requestBuffers asks the driver for count buffers of the given memory
// type and returns how many it granted.
func (c *Channel) requestBuffers(count, memory uint32) (uint32, error) {
	req := v4l2RequestBuffers{
		count:  count,
		typ:    bufTypeVideoCapture,
		memory: memory,
	}
	if err := c.ioctl(vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return 0, err
	}
	return req.count, nil
}

func (c *Channel) queryBuffer(b *v4l2Buffer) error {
	b.typ = bufTypeVideoCapture
	return c.ioctl(vidiocQuerybuf, unsafe.Pointer(b))
}

func (c *Channel) queue(b *v4l2Buffer) error {
	b.typ = bufTypeVideoCapture
	return c.ioctl(vidiocQbuf, unsafe.Pointer(b))
}

func (c *Channel) dequeue(b *v4l2Buffer) error {
	b.typ = bufTypeVideoCapture
	return c.ioctl(vidiocDqbuf, unsafe.Pointer(b))
}

func (c *Channel) streamOn() error {
	typ := int32(bufTypeVideoCapture)
	return c.ioctl(vidiocStreamon, unsafe.Pointer(&typ))
}

func (c *Channel) streamOff() error {
	typ := int32(bufTypeVideoCapture)
	return c.ioctl(vidiocStreamoff, unsafe.Pointer(&typ))
}

func (c *Channel) mmap(offset int64, length int) ([]byte, error) {
	return c.sys.Mmap(c.fd, offset, length)
}

func (c *Channel) munmap(b []byte) error {
	return c.sys.Munmap(b)
}

func (c *Channel) read(p []byte) (int, error) {
	for {
		n, err := c.sys.Read(c.fd, p)
		if !interrupted(err) {
			return n, err
		}
	}
}

func (c *Channel) poll(timeout time.Duration) (bool, error) {
	for {
		ok, err := c.sys.Poll(c.fd, timeout)
		if !interrupted(err) {
			return ok, err
		}
	}
}
