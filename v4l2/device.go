//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"log"
	"math"

	"golang.org/x/sys/unix"
)

// State is a step of the capture device lifecycle:
//
//	Closed -Open-> Opened -Init-> Initialized -Start-> Capturing
//	Capturing -Stop-> Initialized -Uninit-> Opened -Close-> Closed
type State int

const (
	StateClosed State = iota
	StateOpened
	StateInitialized
	StateCapturing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateInitialized:
		return "initialized"
	case StateCapturing:
		return "capturing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Format is the negotiated frame layout.
type Format struct {
	Width        uint32
	Height       uint32
	BytesPerLine uint32
	SizeImage    uint32
	PixelFormat  uint32
	Field        uint32
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%d %s (%d bytes/line, %d bytes)", f.Width, f.Height, PixelFormatString(f.PixelFormat), f.BytesPerLine, f.SizeImage)
}

// corrected raises line and image sizes that buggy drivers report too
// small: at least 2 bytes per pixel, at least one full image. It fails when
// the corrected sizes do not fit the kernel's 32-bit fields.
func (f Format) corrected() (Format, error) {
	if least := uint64(f.Width) * 2; uint64(f.BytesPerLine) < least {
		if least > math.MaxUint32 {
			return f, fmt.Errorf("line of %d pixels too wide", f.Width)
		}
		f.BytesPerLine = uint32(least)
	}
	if least := uint64(f.BytesPerLine) * uint64(f.Height); uint64(f.SizeImage) < least {
		if least > math.MaxUint32 {
			return f, fmt.Errorf("image of %dx%d too large", f.Width, f.Height)
		}
		f.SizeImage = uint32(least)
	}
	return f, nil
}

func formatFromPix(p *v4l2PixFormat) Format {
	return Format{
		Width:        p.width,
		Height:       p.height,
		BytesPerLine: p.bytesperline,
		SizeImage:    p.sizeimage,
		PixelFormat:  p.pixelformat,
		Field:        p.field,
	}
}

// Capability describes the device as reported by VIDIOC_QUERYCAP.
type Capability struct {
	Driver       string
	Card         string
	BusInfo      string
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
}

// Has reports whether the device node supports all of flags. Drivers that
// set CapDeviceCaps describe the node in DeviceCaps, others only in
// Capabilities.
func (c Capability) Has(flags uint32) bool {
	caps := c.Capabilities
	if caps&CapDeviceCaps != 0 {
		caps = c.DeviceCaps
	}
	return caps&flags == flags
}

// VersionString formats the kernel version of the driver.
func (c Capability) VersionString() string {
	return fmt.Sprintf("%d.%d.%d", byte(c.Version>>16), byte(c.Version>>8), byte(c.Version))
}

func capabilityFromRaw(c *v4l2Capability) Capability {
	return Capability{
		Driver:       cstr(c.driver[:]),
		Card:         cstr(c.card[:]),
		BusInfo:      cstr(c.busInfo[:]),
		Version:      c.version,
		Capabilities: c.capabilities,
		DeviceCaps:   c.deviceCaps,
	}
}

// Rect is a rectangle on the sensor.
type Rect struct {
	Left   int32
	Top    int32
	Width  uint32
	Height uint32
}

// CropCap holds the cropping limits of the device.
type CropCap struct {
	Bounds  Rect
	Default Rect
}

func rectFromRaw(r v4l2Rect) Rect {
	return Rect{Left: r.left, Top: r.top, Width: r.width, Height: r.height}
}

// DeviceOpts are options for a capture device.
type DeviceOpts struct {
	Verbose   bool      // Print verbose logging.
	Sys       Sys       // System call surface, defaults to the real kernel.
	Allocator Allocator // Heap buffers for read and userptr i/o, defaults to the Go heap.
}

// Device is a video capture device. A Device is not safe for concurrent use.
type Device struct {
	opts   DeviceOpts
	name   string
	method IOMethod
	force  *Format

	state    State
	ch       *Channel
	cap      Capability
	cropcap  *CropCap
	format   Format
	strategy Strategy
	pool     *Pool
}

// NewDevice returns a closed device. Set the device name and i/o method
// before calling Open and Init.
func NewDevice(opts *DeviceOpts) *Device {
	var xopts DeviceOpts
	if opts != nil {
		xopts = *opts
	}
	if xopts.Sys == nil {
		xopts.Sys = unixSys{}
	}
	if xopts.Allocator == nil {
		xopts.Allocator = heapAllocator{}
	}
	return &Device{opts: xopts, method: IOMmap}
}

func (d *Device) logf(format string, args ...interface{}) {
	if d.opts.Verbose {
		log.Printf("v4l2 %s: "+format, append([]interface{}{d.name}, args...)...)
	}
}

func (d *Device) invalidState(op string) error {
	return newError(KindInvalidState, fmt.Errorf("%s in state %s", op, d.state))
}

// SetDeviceName sets the device node path, e.g. /dev/video0.
func (d *Device) SetDeviceName(name string) {
	d.name = name
}

// Name returns the device node path.
func (d *Device) Name() string {
	return d.name
}

// SetIOMethod selects the transfer strategy used by the next Init.
func (d *Device) SetIOMethod(m IOMethod) error {
	if d.state > StateOpened {
		return d.invalidState("set i/o method")
	}
	if _, err := NewStrategy(m); err != nil {
		return err
	}
	d.method = m
	return nil
}

// IOMethod returns the selected transfer strategy.
func (d *Device) IOMethod() IOMethod {
	return d.method
}

// SetFormat makes the next Init force f onto the device. With nil, Init
// keeps the format the device is currently configured with.
func (d *Device) SetFormat(f *Format) {
	if f == nil {
		d.force = nil
		return
	}
	nf := *f
	d.force = &nf
}

// State returns the lifecycle state.
func (d *Device) State() State {
	return d.state
}

// Capability returns the capability found by Init or Probe.
func (d *Device) Capability() Capability {
	return d.cap
}

// CropCap returns the cropping limits found by Init, if the device reported any.
func (d *Device) CropCap() (CropCap, bool) {
	if d.cropcap == nil {
		return CropCap{}, false
	}
	return *d.cropcap, true
}

// Format returns the negotiated format after a successful Init.
func (d *Device) Format() Format {
	return d.format
}

// Buffers returns the buffer pool built by Init.
func (d *Device) Buffers() *Pool {
	return d.pool
}

// SetBuffers replaces the buffer pool, releasing the one it replaces. The
// device takes ownership of pool and releases it in Uninit. Buffers can only
// be replaced while the device is not initialized.
func (d *Device) SetBuffers(pool *Pool) error {
	if d.state > StateOpened {
		return d.invalidState("set buffers")
	}
	if err := d.releaseBuffers(); err != nil {
		return err
	}
	d.pool = pool
	return nil
}

// BufferCount returns the number of buffers in the pool.
func (d *Device) BufferCount() int {
	return d.pool.Len()
}

// Open opens the device node non-blocking for reading and writing. An empty
// name uses the name set with SetDeviceName.
func (d *Device) Open(name string) error {
	if d.state != StateClosed {
		return d.invalidState("open")
	}
	if name != "" {
		d.name = name
	}
	fd, err := d.opts.Sys.Open(d.name, unix.O_RDWR|unix.O_NONBLOCK)
	if err != nil {
		return newError(KindOpenDevice, fmt.Errorf("%s: %w", d.name, err))
	}
	d.ch = newChannel(d.opts.Sys, fd)
	d.state = StateOpened
	d.logf("opened, fd %d", fd)
	return nil
}

func (d *Device) queryCapability() error {
	var raw v4l2Capability
	if err := d.ch.queryCap(&raw); err != nil {
		return newError(KindQueryCapability, err)
	}
	d.cap = capabilityFromRaw(&raw)
	if !d.cap.Has(CapVideoCapture) {
		return newError(KindNotAVideoDevice, fmt.Errorf("%s (%s)", d.name, d.cap.Card))
	}
	return nil
}

// Probe reads the capability and current format of an opened device
// without allocating any buffers.
func (d *Device) Probe() (Capability, Format, error) {
	if d.state != StateOpened {
		return Capability{}, Format{}, d.invalidState("probe")
	}
	if err := d.queryCapability(); err != nil {
		return Capability{}, Format{}, err
	}
	var raw v4l2Format
	if err := d.ch.getFormat(&raw); err != nil {
		return Capability{}, Format{}, newError(KindGetFormat, err)
	}
	return d.cap, formatFromPix(&raw.fmt.pix), nil
}

// Init checks the device capabilities, negotiates the format and builds the
// buffer pool for the selected i/o method. When Init fails, buffers it
// already built stay with the device until Uninit.
func (d *Device) Init() error {
	if d.state != StateOpened {
		return d.invalidState("init")
	}
	if d.pool != nil || d.strategy != nil {
		if err := d.releaseBuffers(); err != nil {
			return err
		}
	}

	strategy, err := NewStrategy(d.method)
	if err != nil {
		return err
	}

	if err := d.queryCapability(); err != nil {
		return err
	}
	if !d.cap.Has(strategy.Capability()) {
		return newError(KindUnsupportedIOMethod, fmt.Errorf("%s does not support %s i/o", d.name, d.method))
	}

	d.resetCrop()

	var raw v4l2Format
	if d.force != nil {
		raw.fmt.pix.width = d.force.Width
		raw.fmt.pix.height = d.force.Height
		raw.fmt.pix.pixelformat = d.force.PixelFormat
		raw.fmt.pix.field = d.force.Field
		// The driver may adjust width and height.
		if err := d.ch.setFormat(&raw); err != nil {
			return newError(KindSetFormat, err)
		}
	} else if err := d.ch.getFormat(&raw); err != nil {
		return newError(KindGetFormat, err)
	}
	reported := formatFromPix(&raw.fmt.pix)
	format, err := reported.corrected()
	if err != nil {
		if d.force != nil {
			return newError(KindSetFormat, err)
		}
		return newError(KindGetFormat, err)
	}
	d.format = format
	if d.format != reported {
		d.logf("corrected format from driver, %s -> %s", reported, d.format)
	}

	d.strategy = strategy
	pool, err := strategy.RequestBuffers(d.ch, d.opts.Allocator, d.format.SizeImage)
	d.pool = pool
	if err != nil {
		return err
	}
	d.state = StateInitialized
	d.logf("initialized, %s i/o, %d buffers, %s", d.method, d.pool.Len(), d.format)
	return nil
}

// resetCrop restores the default crop rectangle. Devices without cropping
// support are fine.
func (d *Device) resetCrop() {
	d.cropcap = nil
	var cc v4l2Cropcap
	if err := d.ch.cropCap(&cc); err != nil {
		return
	}
	d.cropcap = &CropCap{Bounds: rectFromRaw(cc.bounds), Default: rectFromRaw(cc.defrect)}
	crop := v4l2Crop{c: cc.defrect}
	if err := d.ch.setCrop(&crop); err != nil {
		d.logf("resetting crop: %v", err)
	}
}

// Start queues every buffer and turns streaming on. For read i/o there is
// nothing to do. If queueing fails, streaming is not turned on.
func (d *Device) Start() error {
	if d.state != StateInitialized {
		return d.invalidState("start")
	}
	if s, ok := d.strategy.(streamer); ok {
		for i := 0; i < d.pool.Len(); i++ {
			if err := s.queue(d.ch, d.pool.Buffer(i)); err != nil {
				d.unqueue()
				return newError(KindQueueBuffer, fmt.Errorf("buffer %d: %w", i, err))
			}
		}
		if err := d.ch.streamOn(); err != nil {
			d.unqueue()
			return newError(KindStreamOn, err)
		}
	}
	d.state = StateCapturing
	d.logf("capturing")
	return nil
}

// unqueue takes back buffers queued by a failed Start, so Start can be
// retried. STREAMOFF returns every queued buffer to the application.
func (d *Device) unqueue() {
	if err := d.ch.streamOff(); err != nil {
		d.logf("taking back queued buffers: %v", err)
	}
}

// Stop turns streaming off. For read i/o there is nothing to do.
func (d *Device) Stop() error {
	if d.state != StateInitialized && d.state != StateCapturing {
		return d.invalidState("stop")
	}
	if _, ok := d.strategy.(streamer); ok {
		if err := d.ch.streamOff(); err != nil {
			return newError(KindStreamOff, err)
		}
	}
	d.state = StateInitialized
	d.logf("stopped")
	return nil
}

// Uninit releases the buffer pool and the negotiated device state. It only
// releases what Init actually built, so it is safe after a failed Init and
// when called twice. A capturing device is stopped first.
func (d *Device) Uninit() error {
	var errs []error
	if d.state == StateCapturing {
		if err := d.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.releaseBuffers(); err != nil {
		errs = append(errs, err)
	}
	d.cap = Capability{}
	d.cropcap = nil
	d.format = Format{}
	if d.state > StateOpened {
		d.state = StateOpened
	}
	return errors.Join(errs...)
}

func (d *Device) releaseBuffers() error {
	var err error
	if d.strategy != nil {
		err = d.strategy.ReleaseBuffers(d.ch, d.pool)
	} else {
		err = d.pool.Release()
	}
	if d.pool.Len() > 0 {
		d.logf("released %d buffers", d.pool.Len())
	}
	d.pool = nil
	d.strategy = nil
	return err
}

// Close closes the device handle, releasing any buffers first. The handle is
// invalid afterwards even when closing reports an error.
func (d *Device) Close() error {
	if d.state == StateClosed {
		return d.invalidState("close")
	}
	var errs []error
	if err := d.Uninit(); err != nil {
		errs = append(errs, err)
	}
	if err := d.opts.Sys.Close(d.ch.fd); err != nil {
		errs = append(errs, newError(KindCloseDevice, err))
	}
	d.ch = nil
	d.state = StateClosed
	d.logf("closed")
	return errors.Join(errs...)
}
