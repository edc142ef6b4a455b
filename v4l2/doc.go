//go:build linux

// Package v4l2 drives Video4Linux2 capture devices directly through the
// kernel interface, without cgo.
//
// A Device moves through Open, Init, Start, Stop, Uninit and Close. Init
// builds the frame buffers for one of three i/o methods: read(2) into a heap
// buffer, buffers mapped from device memory (mmap), or heap buffers the driver
// writes to (userptr). Uninit and Close give every buffer back exactly once,
// also after Init failed half way.
//
//	dev := v4l2.NewDevice(nil)
//	if err := dev.SetIOMethod(v4l2.IOMmap); err != nil { ... }
//	if err := dev.Open("/dev/video0"); err != nil { ... }
//	defer dev.Close()
//	if err := dev.Init(); err != nil { ... }
//	if err := dev.Start(); err != nil { ... }
//	for {
//		if ok, _ := dev.Wait(time.Second); !ok {
//			continue
//		}
//		f, err := dev.Dequeue()
//		...
//		dev.Enqueue(f.Index)
//	}
//
// Failures are *Error values; use errors.Is with the Err* sentinels or
// KindOf to tell them apart.
package v4l2
