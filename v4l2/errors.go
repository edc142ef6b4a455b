//go:build linux

package v4l2

import (
	"errors"
	"fmt"
)

// Kind classifies a failure of the capture device. Callers that need to
// react to a specific failure branch on the kind, never on the message.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	KindOpenDevice
	KindCloseDevice
	KindAllocation
	KindQueryCapability
	KindNotAVideoDevice
	KindUnsupportedIOMethod
	KindSetFormat
	KindGetFormat
	KindBufferRequest
	KindInsufficientBuffers
	KindBufferQuery
	KindMapping
	KindUnmapping
	KindQueueBuffer
	KindDequeueBuffer
	KindReadFrame
	KindStreamOn
	KindStreamOff
	KindInvalidState
)

// String returns the stable, human readable message for the kind.
func (k Kind) String() string {
	switch k {
	case KindOpenDevice:
		return "cannot open device"
	case KindCloseDevice:
		return "cannot close device"
	case KindAllocation:
		return "cannot allocate buffer memory"
	case KindQueryCapability:
		return "cannot query capabilities, is this a v4l2 device?"
	case KindNotAVideoDevice:
		return "not a video capture device"
	case KindUnsupportedIOMethod:
		return "i/o method not supported by the device"
	case KindSetFormat:
		return "setting video format (VIDIOC_S_FMT)"
	case KindGetFormat:
		return "getting video format (VIDIOC_G_FMT)"
	case KindBufferRequest:
		return "requesting buffers (VIDIOC_REQBUFS)"
	case KindInsufficientBuffers:
		return "insufficient buffer memory on device"
	case KindBufferQuery:
		return "querying buffer (VIDIOC_QUERYBUF)"
	case KindMapping:
		return "mapping buffer memory"
	case KindUnmapping:
		return "unmapping buffer memory"
	case KindQueueBuffer:
		return "queueing buffer (VIDIOC_QBUF)"
	case KindDequeueBuffer:
		return "dequeueing buffer (VIDIOC_DQBUF)"
	case KindReadFrame:
		return "reading frame"
	case KindStreamOn:
		return "starting stream (VIDIOC_STREAMON)"
	case KindStreamOff:
		return "stopping stream (VIDIOC_STREAMOFF)"
	case KindInvalidState:
		return "operation not valid in current device state"
	}
	return "unknown error"
}

// Error is a failure of a capture device operation. Err holds the
// underlying cause, typically a unix.Errno, and may be nil.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a bare error of the same kind, so the
// sentinels below match any error of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for use with errors.Is.
var (
	ErrOpenDevice          = &Error{Kind: KindOpenDevice}
	ErrCloseDevice         = &Error{Kind: KindCloseDevice}
	ErrAllocation          = &Error{Kind: KindAllocation}
	ErrQueryCapability     = &Error{Kind: KindQueryCapability}
	ErrNotAVideoDevice     = &Error{Kind: KindNotAVideoDevice}
	ErrUnsupportedIOMethod = &Error{Kind: KindUnsupportedIOMethod}
	ErrSetFormat           = &Error{Kind: KindSetFormat}
	ErrGetFormat           = &Error{Kind: KindGetFormat}
	ErrBufferRequest       = &Error{Kind: KindBufferRequest}
	ErrInsufficientBuffers = &Error{Kind: KindInsufficientBuffers}
	ErrBufferQuery         = &Error{Kind: KindBufferQuery}
	ErrMapping             = &Error{Kind: KindMapping}
	ErrUnmapping           = &Error{Kind: KindUnmapping}
	ErrQueueBuffer         = &Error{Kind: KindQueueBuffer}
	ErrDequeueBuffer       = &Error{Kind: KindDequeueBuffer}
	ErrReadFrame           = &Error{Kind: KindReadFrame}
	ErrStreamOn            = &Error{Kind: KindStreamOn}
	ErrStreamOff           = &Error{Kind: KindStreamOff}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
)

func newError(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the first *Error found in err's tree, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
