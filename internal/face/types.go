// Package face defines the shared frame, geometry and detection types used
// across the recognition pipeline.
package face

import (
	"math"
	"time"
)

// Frame is one decoded video frame in BGR byte order (3 bytes per pixel,
// row-major). Seq increases per camera.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
	Seq    uint64
	TS     time.Time
}

// Valid reports whether the frame carries a plausible pixel buffer.
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Pix) >= f.Width*f.Height*3
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	cp := *f
	cp.Pix = make([]byte, len(f.Pix))
	copy(cp.Pix, f.Pix)
	return &cp
}

// Point is an image coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned bounding box in pixel coordinates (x1,y1 top-left,
// x2,y2 bottom-right, exclusive).
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the box width, never negative.
func (b Box) Width() float64 { return math.Max(0, b.X2-b.X1) }

// Height returns the box height, never negative.
func (b Box) Height() float64 { return math.Max(0, b.Y2-b.Y1) }

// Area returns the box area.
func (b Box) Area() float64 { return b.Width() * b.Height() }

// Center returns the box center point.
func (b Box) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Clip constrains the box to the given frame dimensions.
func (b Box) Clip(w, h int) Box {
	fw, fh := float64(w), float64(h)
	return Box{
		X1: math.Max(0, math.Min(b.X1, fw-1)),
		Y1: math.Max(0, math.Min(b.Y1, fh-1)),
		X2: math.Max(0, math.Min(b.X2, fw)),
		Y2: math.Max(0, math.Min(b.Y2, fh)),
	}
}

// IoU returns the intersection-over-union of two boxes.
func (b Box) IoU(o Box) float64 {
	ix1 := math.Max(b.X1, o.X1)
	iy1 := math.Max(b.Y1, o.Y1)
	ix2 := math.Min(b.X2, o.X2)
	iy2 := math.Min(b.Y2, o.Y2)
	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// CenterDist returns the Euclidean distance between box centers.
func (b Box) CenterDist(o Box) float64 {
	bc, oc := b.Center(), o.Center()
	return math.Hypot(bc.X-oc.X, bc.Y-oc.Y)
}

// Keypoints are the five facial landmarks (eyes, nose tip, mouth corners).
type Keypoints [5]Point

// Yaw returns a crude normalized yaw proxy from the nose position relative
// to the eye midpoint, in box-width units. Positive is a right turn.
func (k Keypoints) Yaw(box Box) float64 {
	w := box.Width()
	if w <= 0 {
		return 0
	}
	eyeMid := (k[0].X + k[1].X) / 2
	return (k[2].X - eyeMid) / w
}

// Detection is one detected face in a frame.
type Detection struct {
	Box      Box
	Kps      Keypoints
	HasKps   bool
	DetScore float64
	// Quality is the detector's face quality estimate used to gate
	// attendance marks (blur/size/pose composite).
	Quality float64
}

// Embedding is an L2-normalized face template.
type Embedding []float32

// Normalize scales the embedding to unit length in place and returns it.
// A zero vector is returned unchanged.
func (e Embedding) Normalize() Embedding {
	var sum float64
	for _, v := range e {
		sum += float64(v) * float64(v)
	}
	if sum <= 0 {
		return e
	}
	inv := 1 / math.Sqrt(sum)
	for i := range e {
		e[i] = float32(float64(e[i]) * inv)
	}
	return e
}

// Dot returns the dot product of two embeddings of equal length.
func (e Embedding) Dot(o Embedding) float64 {
	n := len(e)
	if len(o) < n {
		n = len(o)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(e[i]) * float64(o[i])
	}
	return sum
}

// DetectionResult is one completed detector pass over a frame.
type DetectionResult struct {
	Seq        uint64
	TS         time.Time
	FrameSeq   uint64
	Detections []Detection
}

// Detector runs face detection on a frame.
type Detector interface {
	Detect(frame *Frame) ([]Detection, error)
}

// Embedder computes a face template from a frame region. Implementations
// return nil when no usable crop could be made.
type Embedder interface {
	Embed(frame *Frame, box Box, kps *Keypoints) (Embedding, error)
}
