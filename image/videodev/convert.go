//go:build linux

package videodev

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/edgeimpulse/linux-capture-go/v4l2"
)

var pixelFormatJPEG = v4l2.FourCC('J', 'P', 'E', 'G')

// toImage converts a frame in format f to an image. The image never aliases
// data, so the buffer can be given back to the device right after.
func toImage(f v4l2.Format, data []byte) (image.Image, error) {
	w, h := int(f.Width), int(f.Height)
	switch f.PixelFormat {
	case v4l2.PixelFormatYUYV:
		return yuyvImage(w, h, int(f.BytesPerLine), data)
	case v4l2.PixelFormatGrey:
		return greyImage(w, h, int(f.BytesPerLine), data)
	case v4l2.PixelFormatMJPEG, pixelFormatJPEG:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding jpeg frame: %v", err)
		}
		return img, nil
	}
	return nil, fmt.Errorf("unsupported pixel format %s", v4l2.PixelFormatString(f.PixelFormat))
}

func checkFrame(w, h, bpl, pixelBytes, n int) (int, error) {
	if w <= 0 || h <= 0 {
		return 0, fmt.Errorf("invalid frame size %dx%d", w, h)
	}
	if bpl < w*pixelBytes {
		bpl = w * pixelBytes
	}
	if need := bpl*(h-1) + w*pixelBytes; n < need {
		return 0, fmt.Errorf("short frame, %d bytes, need %d", n, need)
	}
	return bpl, nil
}

// yuyvImage converts packed 4:2:2, Y0 Cb Y1 Cr per pair of pixels.
func yuyvImage(w, h, bpl int, data []byte) (image.Image, error) {
	if w%2 != 0 {
		return nil, fmt.Errorf("odd width %d for yuyv frame", w)
	}
	bpl, err := checkFrame(w, h, bpl, 2, len(data))
	if err != nil {
		return nil, err
	}
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio422)
	for y := 0; y < h; y++ {
		row := data[y*bpl : y*bpl+w*2]
		yo := y * img.YStride
		co := y * img.CStride
		for x := 0; x < w/2; x++ {
			p := row[x*4 : x*4+4]
			img.Y[yo+2*x] = p[0]
			img.Cb[co+x] = p[1]
			img.Y[yo+2*x+1] = p[2]
			img.Cr[co+x] = p[3]
		}
	}
	return img, nil
}

func greyImage(w, h, bpl int, data []byte) (image.Image, error) {
	bpl, err := checkFrame(w, h, bpl, 1, len(data))
	if err != nil {
		return nil, err
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+w], data[y*bpl:y*bpl+w])
	}
	return img, nil
}
