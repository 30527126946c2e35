package face

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// ToRGBA converts the BGR pixel buffer into an RGBA image.
func (f *Frame) ToRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		src := y * f.Width * 3
		dst := y * img.Stride
		for x := 0; x < f.Width; x++ {
			img.Pix[dst+0] = f.Pix[src+2]
			img.Pix[dst+1] = f.Pix[src+1]
			img.Pix[dst+2] = f.Pix[src+0]
			img.Pix[dst+3] = 255
			src += 3
			dst += 4
		}
	}
	return img
}

// EncodeJPEG encodes the frame as JPEG at the given quality.
func (f *Frame) EncodeJPEG(quality int) ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("invalid frame")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.ToRGBA(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
