//go:build linux

package v4l2

import (
	"bytes"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel ABI for the subset of include/uapi/linux/videodev2.h used here.

// Capability flags reported by VIDIOC_QUERYCAP.
const (
	CapVideoCapture uint32 = 0x00000001
	CapReadWrite    uint32 = 0x01000000
	CapStreaming    uint32 = 0x04000000
	CapDeviceCaps   uint32 = 0x80000000
)

// Field orders.
const (
	FieldAny        uint32 = 0
	FieldNone       uint32 = 1
	FieldInterlaced uint32 = 4
)

const (
	bufTypeVideoCapture uint32 = 1

	memoryMmap    uint32 = 1
	memoryUserPtr uint32 = 2
)

// FourCC builds a pixel format code from its four characters.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Pixel formats the rest of the SDK knows how to turn into images.
var (
	PixelFormatYUYV  = FourCC('Y', 'U', 'Y', 'V')
	PixelFormatMJPEG = FourCC('M', 'J', 'P', 'G')
	PixelFormatGrey  = FourCC('G', 'R', 'E', 'Y')
)

// PixelFormatString returns the four characters of a pixel format code.
func PixelFormatString(pf uint32) string {
	b := []byte{byte(pf), byte(pf >> 8), byte(pf >> 16), byte(pf >> 24)}
	return string(bytes.TrimRight(b, "\x00 "))
}

type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type v4l2Rect struct {
	left   int32
	top    int32
	width  uint32
	height uint32
}

type v4l2Fract struct {
	numerator   uint32
	denominator uint32
}

type v4l2Cropcap struct {
	typ         uint32
	bounds      v4l2Rect
	defrect     v4l2Rect
	pixelaspect v4l2Fract
}

type v4l2Crop struct {
	typ uint32
	c   v4l2Rect
}

type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// v4l2Format carries a 200 byte union that the kernel aligns to a pointer
// (v4l2_window holds pointers), so it starts at offset 8 on 64-bit.
type v4l2Format struct {
	typ uint32
	fmt v4l2FormatUnion
}

type v4l2FormatUnion struct {
	_   [0]uintptr
	pix v4l2PixFormat
	_   [200 - unsafe.Sizeof(v4l2PixFormat{})]byte
}

type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

// v4l2Buffer mirrors struct v4l2_buffer. The m union (offset, userptr,
// planes, fd) is as wide as an unsigned long.
type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	m         uintptr
	length    uint32
	reserved2 uint32
	requestFD int32
}

// offset reads m.offset, the first member of the union.
func (b *v4l2Buffer) offset() uint32 {
	return *(*uint32)(unsafe.Pointer(&b.m))
}

func (b *v4l2Buffer) setUserPtr(p uintptr) {
	b.m = p
}

// Layouts that do not depend on the architecture.
var (
	_ [0]struct{} = [unsafe.Sizeof(v4l2Capability{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Cropcap{}) - 44]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Crop{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2PixFormat{}) - 48]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2RequestBuffers{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Timecode{}) - 16]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2FormatUnion{}) - 200]struct{}{}
)

// _IOC encoding used by x86, arm and arm64.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | uintptr('V')<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

var (
	vidiocQuerycap  = ioc(iocRead, 0, unsafe.Sizeof(v4l2Capability{}))
	vidiocGFmt      = ioc(iocRead|iocWrite, 4, unsafe.Sizeof(v4l2Format{}))
	vidiocSFmt      = ioc(iocRead|iocWrite, 5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqbufs   = ioc(iocRead|iocWrite, 8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQuerybuf  = ioc(iocRead|iocWrite, 9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQbuf      = ioc(iocRead|iocWrite, 15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDqbuf     = ioc(iocRead|iocWrite, 17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamon  = ioc(iocWrite, 18, unsafe.Sizeof(int32(0)))
	vidiocStreamoff = ioc(iocWrite, 19, unsafe.Sizeof(int32(0)))
	vidiocCropcap   = ioc(iocRead|iocWrite, 58, unsafe.Sizeof(v4l2Cropcap{}))
	vidiocSCrop     = ioc(iocWrite, 60, unsafe.Sizeof(v4l2Crop{}))
)

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
