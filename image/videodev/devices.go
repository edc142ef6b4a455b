//go:build linux

package videodev

import (
	"fmt"
	"path/filepath"

	"github.com/edgeimpulse/linux-capture-go/image"
	"github.com/edgeimpulse/linux-capture-go/v4l2"
)

// DeviceInfo opens the device node at path, reads its capability and current
// format, and closes it again.
func DeviceInfo(path string) (image.Device, error) {
	dev := v4l2.NewDevice(nil)
	if err := dev.Open(path); err != nil {
		return image.Device{}, err
	}
	c, f, err := dev.Probe()
	if cerr := dev.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return image.Device{}, err
	}
	return image.Device{
		Name: fmt.Sprintf("%s (%s)", c.Card, c.BusInfo),
		ID:   path,
		Caps: []image.DeviceCap{
			{
				Type:   v4l2.PixelFormatString(f.PixelFormat),
				Width:  int(f.Width),
				Height: int(f.Height),
			},
		},
	}, nil
}

// ListDevices returns the video capture devices under /dev. Nodes that are
// not capture devices, such as metadata nodes, are skipped. ListDevices
// returns an error if no devices are available.
func ListDevices() ([]image.Device, error) {
	return listDevices("/dev/video*")
}

func listDevices(pattern string) ([]image.Device, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("listing device nodes: %v", err)
	}
	var devices []image.Device
	for _, p := range paths {
		d, err := DeviceInfo(p)
		if err != nil {
			continue
		}
		devices = append(devices, d)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices available")
	}
	return devices, nil
}
