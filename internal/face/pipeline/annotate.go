package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/facegate/presence/internal/face"
	"github.com/facegate/presence/internal/face/track"
)

const jpegQuality = 80

var (
	colorKnown    = color.RGBA{0, 200, 0, 255}
	colorUnknown  = color.RGBA{220, 40, 40, 255}
	colorVerify   = color.RGBA{230, 180, 0, 255}
	colorLabelBkg = color.RGBA{0, 0, 0, 160}
)

// Annotate renders track boxes and identity labels onto the frame and
// encodes the result as JPEG.
func Annotate(f *face.Frame, tracks []*track.Track) ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("invalid frame")
	}
	img := f.ToRGBA()

	for _, t := range tracks {
		c := colorUnknown
		label := "unknown"
		switch {
		case t.Verify.Active:
			c = colorVerify
			label = fmt.Sprintf("verifying %s", t.Verify.TargetName)
		case t.Known():
			c = colorKnown
			label = fmt.Sprintf("%s %.2f", t.Name, t.Similarity)
		}
		drawBox(img, t.Box, c)
		drawLabel(img, int(t.Box.X1), int(t.Box.Y1)-4, label, c)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func drawBox(img *image.RGBA, b face.Box, c color.RGBA) {
	x1, y1, x2, y2 := int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)
	for x := x1; x <= x2; x++ {
		setPx(img, x, y1, c)
		setPx(img, x, y1+1, c)
		setPx(img, x, y2, c)
		setPx(img, x, y2-1, c)
	}
	for y := y1; y <= y2; y++ {
		setPx(img, x1, y, c)
		setPx(img, x1+1, y, c)
		setPx(img, x2, y, c)
		setPx(img, x2-1, y, c)
	}
}

func setPx(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Rect) {
		img.SetRGBA(x, y, c)
	}
}

func drawLabel(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face7x13 := basicfont.Face7x13
	w := len(text) * face7x13.Advance
	h := face7x13.Height
	if y-h < 0 {
		y = h
	}

	bkg := image.Rect(x, y-h, x+w+4, y+2)
	for py := bkg.Min.Y; py < bkg.Max.Y; py++ {
		for px := bkg.Min.X; px < bkg.Max.X; px++ {
			if image.Pt(px, py).In(img.Rect) {
				img.Set(px, py, colorLabelBkg)
			}
		}
	}

	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face7x13,
		Dot:  fixed.P(x+2, y),
	}
	d.DrawString(text)
}

// AnnotatedJPEG returns a recently annotated frame, re-rendering when the
// cached one is older than maxAge.
func (r *Runtime) AnnotatedJPEG(maxAge time.Duration) ([]byte, error) {
	now := r.now()

	r.mu.Lock()
	if r.annotated != nil && now.Sub(r.annotatedAt) <= maxAge {
		out := r.annotated
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()

	frame, err := r.grabber.Latest()
	if err != nil {
		return nil, err
	}
	data, err := Annotate(frame, r.tracks.Tracks())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.annotated = data
	r.annotatedAt = now
	r.mu.Unlock()
	return data, nil
}

// SnapshotJPEG returns the latest raw frame as JPEG.
func (r *Runtime) SnapshotJPEG() ([]byte, error) {
	frame, err := r.grabber.Latest()
	if err != nil {
		return nil, err
	}
	return frame.EncodeJPEG(jpegQuality)
}
