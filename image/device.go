package image

// DeviceCap describes a capability of a device.
type DeviceCap struct {
	Type      string // Pixel format, e.g. "YUYV" or "MJPG".
	Width     int
	Height    int
	Framerate int // 0 if unknown.
}

// Device is a camera device capable of recording images.
type Device struct {
	Name string
	ID   string // Device node, e.g. /dev/video0.
	Caps []DeviceCap
}
