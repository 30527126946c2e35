// Package spoof implements the face anti-spoofing (FAS) gate that sits
// between a verified identity and the attendance writers.
package spoof

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/facegate/presence/internal/config"
	"github.com/facegate/presence/internal/face"
)

// Gate reasons.
const (
	ReasonOK             = "ok"
	ReasonDisabled       = "disabled"
	ReasonSkippedLaptop  = "skipped_laptop"
	ReasonCooldownBypass = "cooldown_bypass"
	ReasonLowScore       = "low_score"
	ReasonNeedPoseChange = "need_pose_change"
	ReasonPoseBypassed   = "pose_bypassed"
)

// Scorer produces a liveness score in [0, 1] for a face crop. The ONNX
// model implements this in deployments that ship one; HeuristicScorer is
// the fallback.
type Scorer interface {
	Score(frame *face.Frame, box face.Box, kps *face.Keypoints) (float64, error)
}

// Verdict is one gate decision.
type Verdict struct {
	OK     bool
	Reason string
	Score  float64
}

type yawSample struct {
	yaw float64
	at  time.Time
}

// trackKey scopes state to one camera's track numbering; track ids restart
// from 1 on every camera.
type trackKey struct {
	cam string
	id  int
}

type trackState struct {
	yaws     []yawSample
	lastPass time.Time
	passed   bool
}

// Gate applies liveness scoring plus a pose-variation challenge: a flat
// photo can fool a single score but rarely produces natural yaw movement
// inside the observation window.
type Gate struct {
	mu     sync.Mutex
	cfg    config.SpoofConfig
	scorer Scorer
	now    func() time.Time

	tracks map[trackKey]*trackState
}

// NewGate returns a gate. A nil scorer falls back to HeuristicScorer when
// heuristics are enabled, otherwise scoring always passes.
func NewGate(cfg config.SpoofConfig, scorer Scorer, now func() time.Time) *Gate {
	if scorer == nil && cfg.UseHeuristics {
		scorer = &HeuristicScorer{}
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{cfg: cfg, scorer: scorer, now: now, tracks: make(map[trackKey]*trackState)}
}

// Observe records a pose observation for a track. Call on every detector
// pass so the yaw history spans real time, not just attendance attempts.
func (g *Gate) Observe(cameraID string, trackID int, box face.Box, kps *face.Keypoints) {
	if kps == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	k := trackKey{cam: cameraID, id: trackID}
	st := g.tracks[k]
	if st == nil {
		st = &trackState{}
		g.tracks[k] = st
	}
	now := g.now()
	st.yaws = append(st.yaws, yawSample{yaw: kps.Yaw(box), at: now})
	g.trimLocked(st, now)
}

// Forget drops per-track state once a track dies.
func (g *Gate) Forget(cameraID string, trackID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tracks, trackKey{cam: cameraID, id: trackID})
}

func (g *Gate) trimLocked(st *trackState, now time.Time) {
	window := g.cfg.SpoofMotionWindow()
	cut := 0
	for cut < len(st.yaws) && now.Sub(st.yaws[cut].at) > window {
		cut++
	}
	st.yaws = st.yaws[cut:]
}

func (g *Gate) yawRangeLocked(st *trackState, now time.Time) float64 {
	g.trimLocked(st, now)
	if len(st.yaws) < 2 {
		return 0
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range st.yaws {
		lo = math.Min(lo, s.yaw)
		hi = math.Max(hi, s.yaw)
	}
	return hi - lo
}

// Check gates one attendance attempt.
func (g *Gate) Check(cameraID string, trackID int, frame *face.Frame, box face.Box, kps *face.Keypoints) Verdict {
	if !g.cfg.Enabled {
		return Verdict{OK: true, Reason: ReasonDisabled}
	}
	if g.cfg.SkipLaptop && strings.HasPrefix(cameraID, "laptop-") {
		return Verdict{OK: true, Reason: ReasonSkippedLaptop}
	}

	k := trackKey{cam: cameraID, id: trackID}
	g.mu.Lock()
	st := g.tracks[k]
	if st == nil {
		st = &trackState{}
		g.tracks[k] = st
	}
	now := g.now()
	if st.passed && now.Sub(st.lastPass) < g.cfg.SpoofCooldown() {
		g.mu.Unlock()
		return Verdict{OK: true, Reason: ReasonCooldownBypass}
	}
	yawRange := g.yawRangeLocked(st, now)
	g.mu.Unlock()

	score := 1.0
	if g.scorer != nil {
		s, err := g.scorer.Score(frame, box, kps)
		if err == nil {
			score = s
		}
	}
	if score < g.cfg.Threshold {
		return Verdict{Reason: ReasonLowScore, Score: score}
	}

	if yawRange < g.cfg.MinYawRange {
		if g.cfg.AllowNoPose {
			g.markPass(k)
			return Verdict{OK: true, Reason: ReasonPoseBypassed, Score: score}
		}
		return Verdict{Reason: ReasonNeedPoseChange, Score: score}
	}

	g.markPass(k)
	return Verdict{OK: true, Reason: ReasonOK, Score: score}
}

func (g *Gate) markPass(k trackKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st := g.tracks[k]; st != nil {
		st.passed = true
		st.lastPass = g.now()
	}
}

// HeuristicScorer scores liveness from crop texture. Flat reproductions
// (screens, prints) tend to have compressed local contrast.
type HeuristicScorer struct{}

func (h *HeuristicScorer) Score(frame *face.Frame, box face.Box, kps *face.Keypoints) (float64, error) {
	if !frame.Valid() {
		return 0, nil
	}
	b := box.Clip(frame.Width, frame.Height)
	x1, y1 := int(b.X1), int(b.Y1)
	x2, y2 := int(b.X2), int(b.Y2)
	if x2-x1 < 4 || y2-y1 < 4 {
		return 0, nil
	}

	var sum, sumSq, n float64
	for y := y1; y < y2; y++ {
		row := y * frame.Width * 3
		for x := x1; x < x2; x++ {
			o := row + x*3
			lum := 0.114*float64(frame.Pix[o]) + 0.587*float64(frame.Pix[o+1]) + 0.299*float64(frame.Pix[o+2])
			sum += lum
			sumSq += lum * lum
			n++
		}
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	// Map the contrast (std dev in gray levels) onto [0, 1]; ~40 levels of
	// spread saturates the score.
	return math.Min(1, math.Sqrt(variance)/40), nil
}
