// Package motion scores inter-frame luminance change and gates the pipeline
// on it with hysteresis, so an empty scene does not burn detector budget.
package motion

import (
	"image"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/facegate/presence/internal/face"
)

const (
	diffThreshold = 25  // per-pixel gray delta considered "changed"
	ignorePadPx   = 4   // padding around ignore boxes, in downscaled pixels
)

// Config holds the gate tuning.
type Config struct {
	Threshold       float64       // activation score
	HysteresisRatio float64       // deactivation at Threshold*ratio
	Cooldown        time.Duration // min time between state changes
	ResizeW         int
	ResizeH         int
}

// Result is one gate evaluation.
type Result struct {
	Active bool
	Score  float64
}

// Gate detects scene motion on downscaled grayscale frames.
// Safe for use from a single pipeline goroutine; Reset may be called from
// any goroutine.
type Gate struct {
	mu   sync.Mutex
	cfg  Config
	now  func() time.Time

	prev       []uint8
	prevW      int
	prevH      int
	active     bool
	lastChange time.Time
}

// NewGate returns a gate with the given tuning. A nil clock uses time.Now.
func NewGate(cfg Config, now func() time.Time) *Gate {
	if cfg.ResizeW <= 0 {
		cfg.ResizeW = 320
	}
	if cfg.ResizeH <= 0 {
		cfg.ResizeH = 180
	}
	if cfg.HysteresisRatio <= 0 || cfg.HysteresisRatio > 1 {
		cfg.HysteresisRatio = 0.70
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{cfg: cfg, now: now}
}

// Reset drops the previous frame so the next update reports no motion.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prev = nil
	g.active = false
}

// Active reports the current gate state.
func (g *Gate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Update scores the frame against the previous one. IgnoreBoxes are regions
// in full-frame coordinates (typically stable known faces) excluded from
// both the changed-pixel count and the denominator.
func (g *Gate) Update(frame *face.Frame, ignoreBoxes []face.Box) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !frame.Valid() {
		return Result{Active: g.active}
	}

	gray := g.downscaleGray(frame)
	blurred := gaussian5(gray, g.cfg.ResizeW, g.cfg.ResizeH)

	// First frame after start, reset or a resolution change: just prime.
	if g.prev == nil || g.prevW != frame.Width || g.prevH != frame.Height {
		g.prev = blurred
		g.prevW = frame.Width
		g.prevH = frame.Height
		g.active = false
		return Result{}
	}

	mask := g.ignoreMask(frame, ignoreBoxes)
	var changed, counted int
	for i := range blurred {
		if mask != nil && mask[i] {
			continue
		}
		counted++
		d := int(blurred[i]) - int(g.prev[i])
		if d < 0 {
			d = -d
		}
		if d > diffThreshold {
			changed++
		}
	}
	g.prev = blurred

	var score float64
	if counted > 0 {
		score = float64(changed) / float64(counted)
	}

	now := g.now()
	next := g.active
	if g.active {
		if score <= g.cfg.Threshold*g.cfg.HysteresisRatio {
			next = false
		}
	} else if score >= g.cfg.Threshold {
		next = true
	}
	if next != g.active && now.Sub(g.lastChange) >= g.cfg.Cooldown {
		g.active = next
		g.lastChange = now
	}

	return Result{Active: g.active, Score: score}
}

// downscaleGray scales the BGR frame to the working resolution and converts
// to 8-bit luminance.
func (g *Gate) downscaleGray(frame *face.Frame) []uint8 {
	src := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		so := y * frame.Width * 3
		do := y * src.Stride
		for x := 0; x < frame.Width; x++ {
			b := frame.Pix[so+x*3]
			gr := frame.Pix[so+x*3+1]
			r := frame.Pix[so+x*3+2]
			src.Pix[do+x*4] = r
			src.Pix[do+x*4+1] = gr
			src.Pix[do+x*4+2] = b
			src.Pix[do+x*4+3] = 255
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, g.cfg.ResizeW, g.cfg.ResizeH))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)

	out := make([]uint8, g.cfg.ResizeW*g.cfg.ResizeH)
	for y := 0; y < g.cfg.ResizeH; y++ {
		o := y * dst.Stride
		for x := 0; x < g.cfg.ResizeW; x++ {
			r := int(dst.Pix[o+x*4])
			gr := int(dst.Pix[o+x*4+1])
			b := int(dst.Pix[o+x*4+2])
			// ITU-R BT.601 integer luma.
			out[y*g.cfg.ResizeW+x] = uint8((299*r + 587*gr + 114*b) / 1000)
		}
	}
	return out
}

// ignoreMask maps full-frame ignore boxes into the downscaled grid, padded.
func (g *Gate) ignoreMask(frame *face.Frame, boxes []face.Box) []bool {
	if len(boxes) == 0 {
		return nil
	}
	sx := float64(g.cfg.ResizeW) / float64(frame.Width)
	sy := float64(g.cfg.ResizeH) / float64(frame.Height)

	mask := make([]bool, g.cfg.ResizeW*g.cfg.ResizeH)
	for _, b := range boxes {
		x1 := int(b.X1*sx) - ignorePadPx
		y1 := int(b.Y1*sy) - ignorePadPx
		x2 := int(b.X2*sx) + ignorePadPx
		y2 := int(b.Y2*sy) + ignorePadPx
		if x1 < 0 {
			x1 = 0
		}
		if y1 < 0 {
			y1 = 0
		}
		if x2 > g.cfg.ResizeW {
			x2 = g.cfg.ResizeW
		}
		if y2 > g.cfg.ResizeH {
			y2 = g.cfg.ResizeH
		}
		for y := y1; y < y2; y++ {
			row := y * g.cfg.ResizeW
			for x := x1; x < x2; x++ {
				mask[row+x] = true
			}
		}
	}
	return mask
}

// gaussian5 applies a separable 5x5 Gaussian blur ([1 4 6 4 1]/16 per axis).
func gaussian5(src []uint8, w, h int) []uint8 {
	kernel := [5]int{1, 4, 6, 4, 1}

	tmp := make([]uint16, len(src))
	for y := 0; y < h; y++ {
		row := y * w
		for x := 0; x < w; x++ {
			var sum, wsum int
			for k := -2; k <= 2; k++ {
				xx := x + k
				if xx < 0 || xx >= w {
					continue
				}
				kw := kernel[k+2]
				sum += int(src[row+xx]) * kw
				wsum += kw
			}
			tmp[row+x] = uint16(sum / wsum)
		}
	}

	out := make([]uint8, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, wsum int
			for k := -2; k <= 2; k++ {
				yy := y + k
				if yy < 0 || yy >= h {
					continue
				}
				kw := kernel[k+2]
				sum += int(tmp[yy*w+x]) * kw
				wsum += kw
			}
			out[y*w+x] = uint8(sum / wsum)
		}
	}
	return out
}
