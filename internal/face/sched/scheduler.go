// Package sched implements the adaptive per-camera scheduler that trades
// detector and embedder work against scene activity.
package sched

import (
	"math"
	"sync"
	"time"
)

// Mode is the scheduler operating mode.
type Mode string

const (
	ModeIdle   Mode = "IDLE"
	ModeNormal Mode = "NORMAL"
	ModeBurst  Mode = "BURST"
)

// Burst reasons recorded for diagnostics.
const (
	ReasonNewTrack       = "new_track"
	ReasonVerify         = "verify"
	ReasonBorderline     = "borderline"
	ReasonUnknownPersist = "unknown_persist"
	ReasonIdentityFlip   = "identity_flip"
	ReasonEnrollment     = "enrollment"
)

const reasonRingSize = 6

// Config holds the scheduler tuning.
type Config struct {
	IdleTimeout         time.Duration
	BurstWindow         time.Duration
	FPSIdle             float64
	FPSNormal           float64
	FPSBurst            float64
	EmbedRefresh        time.Duration
	EmbedRefreshUnknown time.Duration
}

// Scheduler decides when detection and recognition run for one camera.
type Scheduler struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	mode          Mode
	burstUntil    time.Time
	lastActivity  time.Time
	lastDetection time.Time
	reasons       []string
}

// New returns a scheduler in IDLE. A nil clock uses time.Now.
func New(cfg Config, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{cfg: cfg, now: now, mode: ModeIdle}
}

// Mode returns the current mode.
func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Reasons returns the most recent burst reasons, newest last.
func (s *Scheduler) Reasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.reasons))
	copy(out, s.reasons)
	return out
}

// ForceBurst extends the burst window and records the reason. Repeated
// triggers extend, they never shorten.
func (s *Scheduler) ForceBurst(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceBurstLocked(reason)
}

func (s *Scheduler) forceBurstLocked(reason string) {
	until := s.now().Add(s.cfg.BurstWindow)
	if until.After(s.burstUntil) {
		s.burstUntil = until
	}
	s.reasons = append(s.reasons, reason)
	if len(s.reasons) > reasonRingSize {
		s.reasons = s.reasons[len(s.reasons)-reasonRingSize:]
	}
}

// Update recomputes the mode from current activity. Events are burst
// triggers raised since the last update; enrollment keeps the camera in
// BURST for its whole duration.
func (s *Scheduler) Update(motionActive bool, trackCount int, enrollmentActive bool, events []string) Mode {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if enrollmentActive {
		s.forceBurstLocked(ReasonEnrollment)
	}
	for _, ev := range events {
		switch ev {
		case ReasonNewTrack, ReasonVerify, ReasonBorderline, ReasonUnknownPersist, ReasonIdentityFlip:
			s.forceBurstLocked(ev)
		}
	}

	active := motionActive || trackCount > 0
	if active {
		s.lastActivity = now
	}

	switch {
	case now.Before(s.burstUntil):
		s.mode = ModeBurst
	case active:
		s.mode = ModeNormal
	case !s.lastActivity.IsZero() && now.Sub(s.lastActivity) < s.cfg.IdleTimeout:
		// Decay through NORMAL so a brief gap does not drop straight to IDLE.
		s.mode = ModeNormal
	default:
		s.mode = ModeIdle
	}
	return s.mode
}

// BurstActive reports whether the forced-burst window is still open.
func (s *Scheduler) BurstActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.burstUntil)
}

func (s *Scheduler) fps(m Mode) float64 {
	switch m {
	case ModeBurst:
		return s.cfg.FPSBurst
	case ModeNormal:
		return s.cfg.FPSNormal
	default:
		return s.cfg.FPSIdle
	}
}

// ShouldRunDetection rate-limits detector submissions to the mode's fps.
// An fps of zero or below disables detection for that mode.
func (s *Scheduler) ShouldRunDetection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	fps := s.fps(s.mode)
	if fps <= 0 {
		return false
	}
	interval := time.Duration(float64(time.Second) / fps)
	return s.now().Sub(s.lastDetection) >= interval
}

// MarkDetectionSubmitted stamps the last detector submission.
func (s *Scheduler) MarkDetectionSubmitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDetection = s.now()
}

// ShouldRunRecognition decides whether a track's embedding is due for a
// refresh. Forced tracks refresh at burst cadence even in IDLE.
func (s *Scheduler) ShouldRunRecognition(lastEmbed time.Time, known, forced bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.mode == ModeIdle && !forced {
		return false
	}
	if forced {
		period := 50 * time.Millisecond
		if s.cfg.FPSBurst > 0 {
			period = time.Duration(math.Max(0.05, 1/s.cfg.FPSBurst) * float64(time.Second))
		}
		return now.Sub(lastEmbed) >= period
	}
	refresh := s.cfg.EmbedRefresh
	if !known {
		refresh = s.cfg.EmbedRefreshUnknown
	}
	return now.Sub(lastEmbed) >= refresh
}
