//go:build linux

package v4l2

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNoFrame is returned by Dequeue when no filled buffer is ready yet.
var ErrNoFrame = errors.New("no frame available")

// Frame is a filled buffer taken from the device.
type Frame struct {
	Index     int
	Sequence  uint32
	Timestamp time.Duration // Driver timestamp, monotonic clock.

	// Data aliases pool memory. It must only be read, and only until the
	// frame is given back with Enqueue.
	Data []byte
}

// Wait blocks until a frame can be dequeued or timeout passes, and reports
// whether a frame is ready.
func (d *Device) Wait(timeout time.Duration) (bool, error) {
	if d.state != StateCapturing {
		return false, d.invalidState("wait")
	}
	return d.ch.poll(timeout)
}

// Dequeue takes the next filled buffer from the device. For read i/o the
// frame is read into the single pool buffer. ErrNoFrame means nothing is
// ready; use Wait.
func (d *Device) Dequeue() (Frame, error) {
	if d.state != StateCapturing {
		return Frame{}, d.invalidState("dequeue")
	}
	s, ok := d.strategy.(streamer)
	if !ok {
		b := d.pool.Buffer(0)
		n, err := d.ch.read(b.Data)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return Frame{}, ErrNoFrame
			}
			return Frame{}, newError(KindReadFrame, err)
		}
		return Frame{Index: 0, Data: b.Data[:n]}, nil
	}

	vb, err := s.dequeue(d.ch)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return Frame{}, ErrNoFrame
		}
		return Frame{}, newError(KindDequeueBuffer, err)
	}
	index := int(vb.index)
	if index >= d.pool.Len() {
		return Frame{}, newError(KindDequeueBuffer, errors.New("driver returned unknown buffer index"))
	}
	b := d.pool.Buffer(index)
	n := int(vb.bytesused)
	if n > len(b.Data) {
		n = len(b.Data)
	}
	return Frame{
		Index:     index,
		Sequence:  vb.sequence,
		Timestamp: time.Duration(vb.timestamp.Nano()),
		Data:      b.Data[:n],
	}, nil
}

// Enqueue gives the buffer with index back to the device for filling. For
// read i/o it does nothing.
func (d *Device) Enqueue(index int) error {
	if d.state != StateCapturing {
		return d.invalidState("enqueue")
	}
	s, ok := d.strategy.(streamer)
	if !ok {
		return nil
	}
	if index < 0 || index >= d.pool.Len() {
		return newError(KindQueueBuffer, errors.New("buffer index out of range"))
	}
	if err := s.queue(d.ch, d.pool.Buffer(index)); err != nil {
		return newError(KindQueueBuffer, err)
	}
	return nil
}
