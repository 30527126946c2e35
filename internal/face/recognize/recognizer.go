// Package recognize assigns identities to tracks with hysteresis: strict
// thresholds to adopt or flip an identity, a hold window to ride out brief
// embedding dropouts, and burst triggers for the ambiguous cases.
package recognize

import (
	"math"
	"time"

	"github.com/facegate/presence/internal/config"
	"github.com/facegate/presence/internal/face"
	"github.com/facegate/presence/internal/face/gallery"
	"github.com/facegate/presence/internal/face/sched"
	"github.com/facegate/presence/internal/face/track"
	"github.com/facegate/presence/internal/monitoring"
)

// holdExtension is how much the force-recognition window is stretched each
// time the hold keeps an identity alive, so the scheduler keeps refreshing.
const holdExtension = 450 * time.Millisecond

// Stats summarizes one recognition pass.
type Stats struct {
	Calls       int
	Unknowns    int
	Borderlines int
}

// Recognizer runs embedding refresh and identity assignment for one camera.
type Recognizer struct {
	cfg      *config.TuningConfig
	embedder face.Embedder
	sched    *sched.Scheduler
	now      func() time.Time
}

// New returns a recognizer. A nil clock uses time.Now.
func New(cfg *config.TuningConfig, embedder face.Embedder, scheduler *sched.Scheduler, now func() time.Time) *Recognizer {
	if now == nil {
		now = time.Now
	}
	return &Recognizer{cfg: cfg, embedder: embedder, sched: scheduler, now: now}
}

// UpdateTracks refreshes embeddings for due tracks and applies the identity
// state machine. Tracks are mutated in place.
func (r *Recognizer) UpdateTracks(frame *face.Frame, tracks []*track.Track, g *gallery.Gallery) Stats {
	var stats Stats
	now := r.now()
	maxDim := math.Max(float64(frame.Width), float64(frame.Height))

	for _, t := range tracks {
		forced := now.Before(t.ForceRecogUntilTS)
		if !r.sched.ShouldRunRecognition(t.LastEmbedTS, t.Known(), forced) {
			continue
		}
		stats.Calls++

		holdOK := r.holdAllowed(t, now, maxDim)

		var kps *face.Keypoints
		if t.Kps != nil && now.Sub(t.LastDetTS) <= r.cfg.GetKeypointMaxAge() {
			kps = t.Kps
		}

		emb, err := r.embedder.Embed(frame, t.Box, kps)
		t.LastEmbedTS = now
		if err != nil {
			monitoring.Logf("[Recognize] embed failed track=%d: %v", t.ID, err)
		}
		if len(emb) == 0 {
			if t.Known() {
				if holdOK {
					r.extendForce(t, now)
				} else {
					t.ClearIdentity(now)
					stats.Unknowns++
				}
			} else {
				stats.Unknowns++
			}
			continue
		}

		m := g.Match(emb.Normalize())
		r.applyMatch(t, m, holdOK, now, &stats)
	}
	return stats
}

// holdAllowed decides whether a known identity may survive a weak or missing
// observation: recent enough, still detector-backed, and spatially coherent
// with where the identity was last confirmed.
func (r *Recognizer) holdAllowed(t *track.Track, now time.Time, maxDim float64) bool {
	hold := r.cfg.GetIdentityHold()
	if hold <= 0 || !t.Known() || t.LastKnownTS.IsZero() {
		return false
	}
	if now.Sub(t.LastKnownTS) > hold {
		return false
	}
	if t.DetMisses > r.cfg.GetIdentityHoldMaxDetMisses() {
		return false
	}
	maxDetAge := hold
	if maxDetAge > 1250*time.Millisecond {
		maxDetAge = 1250 * time.Millisecond
	}
	if t.LastDetTS.IsZero() || now.Sub(t.LastDetTS) > maxDetAge {
		return false
	}
	if t.LastKnownBox != nil {
		if t.Box.IoU(*t.LastKnownBox) < r.cfg.GetIdentityHoldMinIoU() {
			return false
		}
		if t.Box.CenterDist(*t.LastKnownBox) > r.cfg.GetIdentityHoldCenterShiftRatio()*maxDim {
			return false
		}
	}
	return true
}

func (r *Recognizer) extendForce(t *track.Track, now time.Time) {
	until := now.Add(holdExtension)
	if until.After(t.ForceRecogUntilTS) {
		t.ForceRecogUntilTS = until
	}
}

func (r *Recognizer) applyMatch(t *track.Track, m gallery.Match, holdOK bool, now time.Time, stats *Stats) {
	accept := r.cfg.GetSimilarityThreshold()
	adopting := !t.Known() || t.PersonID != m.EmployeeID
	if adopting {
		accept = r.cfg.GetStrictSimilarityThreshold()
	}
	margin := r.cfg.GetBorderlineMargin()
	borderline := m.Row >= 0 && math.Abs(m.Score-accept) <= margin

	// A top-1 that barely beats a different employee is not a safe adoption.
	indistinct := adopting && m.Row >= 0 && m.BestOther >= 0 &&
		m.Score-m.BestOther < r.cfg.GetDistinctSimMargin()

	if m.Row >= 0 && m.Score >= accept && !indistinct {
		if t.Known() && t.PersonID != m.EmployeeID {
			// Identity flip. Below strict+margin we trust neither side.
			if m.Score < r.cfg.GetStrictSimilarityThreshold()+margin {
				t.ClearIdentity(now)
				r.sched.ForceBurst(sched.ReasonIdentityFlip)
				r.extendForce(t, now)
				stats.Unknowns++
				return
			}
			r.sched.ForceBurst(sched.ReasonIdentityFlip)
			t.StableIDHits = 0
		}

		if t.PersonID == m.EmployeeID {
			t.StableIDHits++
		} else {
			t.StableIDHits = 1
			t.LastIdentityChangeTS = now
		}
		t.PersonID = m.EmployeeID
		t.Name = m.Name
		t.Similarity = m.Score
		t.LastKnownTS = now
		box := t.Box
		t.LastKnownBox = &box
		t.UnknownSinceTS = time.Time{}

		if borderline && t.StableIDHits < r.cfg.GetStableIDConfirmations() {
			stats.Borderlines++
			r.sched.ForceBurst(sched.ReasonBorderline)
			r.extendForce(t, now)
		}
		return
	}

	// Below threshold (or nothing to match against, or indistinct).
	if borderline || indistinct {
		stats.Borderlines++
		if !(t.Known() && t.StableIDHits >= r.cfg.GetStableIDConfirmations()) {
			r.sched.ForceBurst(sched.ReasonBorderline)
			r.extendForce(t, now)
		}
	}

	if t.Known() {
		if holdOK {
			r.extendForce(t, now)
			return
		}
		t.ClearIdentity(now)
	}
	stats.Unknowns++

	if !t.UnknownSinceTS.IsZero() && now.Sub(t.UnknownSinceTS) >= r.cfg.GetUnknownBurstAfter() {
		r.sched.ForceBurst(sched.ReasonUnknownPersist)
		r.extendForce(t, now)
	}
}
