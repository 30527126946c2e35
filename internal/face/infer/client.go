// Package infer implements the Detector and Embedder interfaces against an
// HTTP inference sidecar (the process hosting the actual models). An empty
// base URL yields no-op implementations so the service can run camera and
// transport features without a model host.
package infer

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/facegate/presence/internal/face"
	"github.com/facegate/presence/internal/httputil"
)

const inferTimeout = 5 * time.Second

// Client calls the inference sidecar. Implements face.Detector and
// face.Embedder.
type Client struct {
	http httputil.HTTPClient
	base string
}

// NewClient returns a sidecar client. A nil http client gets a standard
// one sized for per-frame calls.
func NewClient(c httputil.HTTPClient, baseURL string) *Client {
	if c == nil {
		c = httputil.NewTimeoutClient(inferTimeout)
	}
	return &Client{http: c, base: baseURL}
}

type detectRequest struct {
	ImageJPEG string `json:"image_jpeg"` // base64
}

type detectResponse struct {
	Faces []struct {
		Box      [4]float64  `json:"box"`
		Kps      [][]float64 `json:"kps"`
		DetScore float64     `json:"det_score"`
		Quality  float64     `json:"quality"`
	} `json:"faces"`
}

// Detect runs the sidecar detector on a full frame.
func (c *Client) Detect(frame *face.Frame) ([]face.Detection, error) {
	jpg, err := frame.EncodeJPEG(90)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), inferTimeout)
	defer cancel()

	var resp detectResponse
	err = httputil.DoJSON(ctx, c.http, http.MethodPost, c.base+"/detect", nil,
		detectRequest{ImageJPEG: base64.StdEncoding.EncodeToString(jpg)}, &resp)
	if err != nil {
		return nil, err
	}

	dets := make([]face.Detection, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		d := face.Detection{
			Box:      face.Box{X1: f.Box[0], Y1: f.Box[1], X2: f.Box[2], Y2: f.Box[3]},
			DetScore: f.DetScore,
			Quality:  f.Quality,
		}
		if len(f.Kps) == 5 {
			d.HasKps = true
			for i, p := range f.Kps {
				if len(p) == 2 {
					d.Kps[i] = face.Point{X: p[0], Y: p[1]}
				}
			}
		}
		dets = append(dets, d)
	}
	return dets, nil
}

type embedRequest struct {
	ImageJPEG string      `json:"image_jpeg"` // base64 of the face crop
	Kps       [][]float64 `json:"kps,omitempty"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// cropPad widens the detector box before cropping so alignment has context.
const cropPad = 0.2

// Embed crops the face region and asks the sidecar for a template.
func (c *Client) Embed(frame *face.Frame, box face.Box, kps *face.Keypoints) (face.Embedding, error) {
	crop := cropFrame(frame, expand(box, cropPad).Clip(frame.Width, frame.Height))
	if crop == nil {
		return nil, nil
	}
	jpg, err := crop.EncodeJPEG(90)
	if err != nil {
		return nil, err
	}

	req := embedRequest{ImageJPEG: base64.StdEncoding.EncodeToString(jpg)}
	if kps != nil {
		for _, p := range kps {
			req.Kps = append(req.Kps, []float64{p.X, p.Y})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), inferTimeout)
	defer cancel()
	var resp embedResponse
	if err := httputil.DoJSON(ctx, c.http, http.MethodPost, c.base+"/embed", nil, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, nil
	}
	return face.Embedding(resp.Embedding).Normalize(), nil
}

func expand(b face.Box, ratio float64) face.Box {
	dw := b.Width() * ratio / 2
	dh := b.Height() * ratio / 2
	return face.Box{X1: b.X1 - dw, Y1: b.Y1 - dh, X2: b.X2 + dw, Y2: b.Y2 + dh}
}

func cropFrame(f *face.Frame, b face.Box) *face.Frame {
	x1, y1, x2, y2 := int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)
	w, h := x2-x1, y2-y1
	if w <= 0 || h <= 0 {
		return nil
	}
	pix := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		src := ((y1+y)*f.Width + x1) * 3
		copy(pix[y*w*3:(y+1)*w*3], f.Pix[src:src+w*3])
	}
	return &face.Frame{Width: w, Height: h, Pix: pix, TS: f.TS}
}

// Null is a detector/embedder that sees nothing. Used when no inference
// sidecar is configured.
type Null struct{}

func (Null) Detect(*face.Frame) ([]face.Detection, error) { return nil, nil }

func (Null) Embed(*face.Frame, face.Box, *face.Keypoints) (face.Embedding, error) {
	return nil, nil
}
