//go:build linux

// Package videodev implements an image recorder that captures directly from
// a Video4Linux2 device, without an external capture process.
package videodev

import (
	"errors"
	"fmt"
	goimage "image"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	capture "github.com/edgeimpulse/linux-capture-go"
	"github.com/edgeimpulse/linux-capture-go/image"
	"github.com/edgeimpulse/linux-capture-go/v4l2"

	"github.com/disintegration/imaging"
	"github.com/fsnotify/fsnotify"
)

// RecorderOpts has options for a new videodev recorder.
type RecorderOpts struct {
	Verbose  bool
	Interval time.Duration // Minimum time between images, faster frames are dropped.
	DeviceID string        // Device node as returned by ListDevices. If empty, NewRecorder uses the first device returned by ListDevices.
	IOMethod string        // "read", "mmap" or "userptr", mmap if empty.
	Format   *v4l2.Format  // If set, forced onto the device. Otherwise the current device format is used.
	Size     goimage.Point // If not zero, images are resized and cropped to this size.
	TraceDir string        // If not empty, directory to write each image to as PNG.
}

// How long the capture loop waits for a frame before checking for Close.
const waitTimeout = 250 * time.Millisecond

// frameSource is the part of a capturing device the capture loop uses.
type frameSource interface {
	Wait(timeout time.Duration) (bool, error)
	Dequeue() (v4l2.Frame, error)
	Enqueue(index int) error
}

// Check that v4l2.Device implements interface frameSource.
var _ frameSource = (*v4l2.Device)(nil)

// Recorder is an image recorder reading frames from a v4l2 device.
type Recorder struct {
	opts        RecorderOpts
	imageEvents chan image.Event
	dev         *v4l2.Device
	watcher     *fsnotify.Watcher
	gone        chan error // Device removal or watcher failure.
	watchDone   chan struct{}
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

// Check that Recorder implements interface Recorder.
var _ image.Recorder = (*Recorder)(nil)

// Events returns a channel on which Events can be received. The channel is
// closed when capturing ends, after Close or a fatal device error.
func (r *Recorder) Events() chan image.Event {
	return r.imageEvents
}

func (r *Recorder) logf(format string, args ...interface{}) {
	if r.opts.Verbose {
		log.Printf(format, args...)
	}
}

// NewRecorder opens the device, starts capturing and sends the frames as
// images on the channel returned by Events.
//
// Callers must call Close to clean up.
func NewRecorder(opts RecorderOpts) (recorder *Recorder, rerr error) {
	if opts.DeviceID == "" {
		devices, err := ListDevices()
		if err != nil {
			return nil, fmt.Errorf("listing devices: %v", err)
		}
		opts.DeviceID = devices[0].ID
	}
	method := v4l2.IOMmap
	if opts.IOMethod != "" {
		m, err := v4l2.ParseIOMethod(opts.IOMethod)
		if err != nil {
			return nil, err
		}
		method = m
	}

	dev := v4l2.NewDevice(&v4l2.DeviceOpts{Verbose: opts.Verbose})
	if err := dev.SetIOMethod(method); err != nil {
		return nil, err
	}
	dev.SetFormat(opts.Format)
	if err := dev.Open(opts.DeviceID); err != nil {
		return nil, err
	}

	// Ensure cleanup in case of failure.
	defer func() {
		if rerr != nil {
			if err := dev.Close(); err != nil {
				log.Printf("closing device after failure: %v", err)
			}
		}
	}()

	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("initializing device: %w", err)
	}
	if err := dev.Start(); err != nil {
		return nil, fmt.Errorf("starting capture: %w", err)
	}

	r, err := start(opts, dev, dev.Format())
	if err != nil {
		return nil, err
	}
	r.dev = dev
	return r, nil
}

// start watches the device node for removal and starts the capture loop
// reading from src.
func start(opts RecorderOpts, src frameSource, format v4l2.Format) (recorder *Recorder, rerr error) {
	r := &Recorder{
		opts:        opts,
		imageEvents: make(chan image.Event, 1),
		gone:        make(chan error, 1),
		stop:        make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new file change watcher: %v", err)
	}
	r.watcher = watcher

	defer func() {
		if rerr != nil {
			watcher.Close()
		}
	}()

	node := filepath.Clean(opts.DeviceID)
	if err := watcher.Add(filepath.Dir(node)); err != nil {
		return nil, fmt.Errorf("registering file change watcher for %s: %v", filepath.Dir(node), err)
	}
	r.watchDone = make(chan struct{})
	go r.watch(watcher, node)

	if opts.TraceDir != "" {
		if err := os.MkdirAll(opts.TraceDir, 0o755); err != nil {
			return nil, fmt.Errorf("making trace dir: %v", err)
		}
	}

	meter, err := capture.NewRateMeter(30)
	if err != nil {
		return nil, err
	}

	r.done = make(chan struct{})
	go r.run(src, format, meter)
	return r, nil
}

// watch owns the watcher's channels until they are closed by Close.
func (r *Recorder) watch(watcher *fsnotify.Watcher, node string) {
	defer close(r.watchDone)
	report := func(err error) {
		select {
		case r.gone <- err:
		default:
		}
	}
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != node || !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			report(fmt.Errorf("device %s removed", node))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			report(fmt.Errorf("watching for device removal: %v", err))
		}
	}
}

// send delivers an error event, giving up when the recorder is closed.
func (r *Recorder) send(err error) bool {
	select {
	case r.imageEvents <- image.Event{Err: err}:
		return true
	case <-r.stop:
		return false
	}
}

// run is the only goroutine touching the device until Close.
func (r *Recorder) run(src frameSource, format v4l2.Format, meter *capture.RateMeter) {
	defer close(r.done)
	defer close(r.imageEvents)

	var last time.Time
	for {
		select {
		case <-r.stop:
			return
		case err := <-r.gone:
			r.send(err)
			return
		default:
		}

		ok, err := src.Wait(waitTimeout)
		if err != nil {
			r.send(fmt.Errorf("waiting for frame: %w", err))
			return
		}
		if !ok {
			continue
		}
		frame, err := src.Dequeue()
		if err == v4l2.ErrNoFrame {
			continue
		}
		if err != nil {
			r.send(fmt.Errorf("dequeueing frame: %w", err))
			return
		}

		now := time.Now()
		fps := meter.Observe(now)
		skip := !last.IsZero() && now.Sub(last) < r.opts.Interval*9/10
		var img goimage.Image
		var cerr error
		if !skip {
			img, cerr = toImage(format, frame.Data)
		}
		if err := src.Enqueue(frame.Index); err != nil {
			r.send(fmt.Errorf("enqueueing frame: %w", err))
			return
		}
		if skip {
			continue
		}
		if cerr != nil {
			if !r.send(fmt.Errorf("frame %d: %v", frame.Sequence, cerr)) {
				return
			}
			continue
		}

		if r.opts.Size != (goimage.Point{}) && img.Bounds().Size() != r.opts.Size {
			img = imaging.Fill(img, r.opts.Size.X, r.opts.Size.Y, imaging.Center, imaging.NearestNeighbor)
		}
		if r.opts.TraceDir != "" {
			r.trace(frame.Sequence, img)
		}

		select {
		case r.imageEvents <- image.Event{Image: img, Sequence: frame.Sequence, Timestamp: frame.Timestamp}:
			last = now
			r.logf("frame %d, device at %.1f fps", frame.Sequence, fps)
		default:
			r.logf("dropping image, consumer still busy")
		}
	}
}

func (r *Recorder) trace(seq uint32, img goimage.Image) {
	pngPath := filepath.Join(r.opts.TraceDir, fmt.Sprintf("frame-%d.png", seq))
	pf, err := os.Create(pngPath)
	if err != nil {
		log.Printf("trace, creating %s: %v", pngPath, err)
		return
	}
	if err := png.Encode(pf, img); err != nil {
		log.Printf("trace, encoding png: %v", err)
	}
	if err := pf.Close(); err != nil {
		log.Printf("trace, closing file: %v", err)
	} else {
		r.logf("trace %s", pngPath)
	}
}

// Close stops the capture loop, then stops, uninitializes and closes the
// device.
func (r *Recorder) Close() error {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	if r.done != nil {
		<-r.done
	}
	var errs []error
	if r.watcher != nil {
		if err := r.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing watcher: %v", err))
		}
		if r.watchDone != nil {
			<-r.watchDone
		}
		r.watcher = nil
	}
	if r.dev != nil {
		if err := r.dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing device: %w", err))
		}
		r.dev = nil
	}
	return errors.Join(errs...)
}
