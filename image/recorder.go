// Package image has the types shared by image recorders, sources of frames
// converted to images.
package image

import (
	"image"
	"time"
)

// Recorder is a source of images, for example a webcam.
type Recorder interface {
	// Events returns a channel from which Events can be read, each containing
	// an image. The channel is closed when the recorder stops for good.
	Events() chan Event

	// Close shuts down the image recorder. No further Events will be sent.
	Close() error
}

// Event is a single image (or error) coming from a Recorder.
type Event struct {
	// If set, an error occurred.
	Err error

	// Image read from recorder. If Err is set, Image is not valid.
	Image image.Image

	// Sequence is the driver's frame counter, Timestamp the driver's capture
	// time on the monotonic clock. Zero if the source does not report them.
	Sequence  uint32
	Timestamp time.Duration
}
