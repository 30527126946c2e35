// Package track maintains per-camera face tracks: frame-to-frame box
// propagation, detection association and lifecycle aging.
package track

import (
	"math"
	"sync"
	"time"

	"github.com/facegate/presence/internal/face"
)

// UnknownPersonID marks a track with no accepted identity.
const UnknownPersonID = ""

// SingleTracker propagates one box between detector passes. Implementations
// wrap whatever visual tracker is available; Passthrough is the fallback.
type SingleTracker interface {
	// Init (re)seeds the tracker from a detector box.
	Init(frame *face.Frame, box face.Box)
	// Step advances to the next frame. ok=false means the target was lost.
	Step(frame *face.Frame) (face.Box, bool)
}

// TrackerFactory builds the per-track SingleTracker. Factories are tried in
// preference order; the first non-nil result wins.
type TrackerFactory func() SingleTracker

// Passthrough is a degenerate tracker that holds the last detector box.
// It never reports loss; stale tracks are pruned by detection misses.
type Passthrough struct {
	box face.Box
	w   int
	h   int
}

func (p *Passthrough) Init(frame *face.Frame, box face.Box) {
	p.box = box
	p.w, p.h = frame.Width, frame.Height
}

func (p *Passthrough) Step(frame *face.Frame) (face.Box, bool) {
	if frame.Width != p.w || frame.Height != p.h {
		return p.box, false
	}
	return p.box, true
}

// VerifyState is the in-progress multi-sample verification attached to a track.
type VerifyState struct {
	Active      bool
	TargetID    string
	TargetName  string
	StartedAt   time.Time
	Samples     []Sample
	LastEmbedTS time.Time
}

// Sample is one verification observation.
type Sample struct {
	PersonID   string
	Similarity float64
}

// Track is one tracked face. Fields are owned by the pipeline goroutine;
// the Manager copies snapshots out for other readers.
type Track struct {
	ID        int
	Box       face.Box
	CreatedAt time.Time
	LastSeen  time.Time

	LostFrames int
	DetMisses  int

	PersonID     string
	Name         string
	Similarity   float64
	StableIDHits int

	LastEmbedTS          time.Time
	UnknownSinceTS       time.Time
	LastIdentityChangeTS time.Time
	ForceRecogUntilTS    time.Time
	LastKnownTS          time.Time
	LastKnownBox         *face.Box

	Kps       *face.Keypoints
	DetScore  float64
	Quality   float64
	LastDetTS time.Time

	Verify VerifyState

	tracker SingleTracker
}

// Known reports whether the track currently carries an identity.
func (t *Track) Known() bool { return t.PersonID != UnknownPersonID }

// ClearIdentity demotes the track to unknown.
func (t *Track) ClearIdentity(now time.Time) {
	t.PersonID = UnknownPersonID
	t.Name = ""
	t.Similarity = 0
	t.StableIDHits = 0
	if t.UnknownSinceTS.IsZero() {
		t.UnknownSinceTS = now
	}
	t.LastIdentityChangeTS = now
}

// Config holds the association and aging tuning.
type Config struct {
	MaxAgeFrames              int
	IoUMatch                  float64
	CenterMatchPx             float64
	ReacquireClearIoU         float64
	ReacquireClearCenterRatio float64
	MaxDetMissesUnknown       int
	MaxDetMissesKnown         int
}

// Manager owns the track set for one camera.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	now       func() time.Time
	factories []TrackerFactory

	tracks map[int]*Track
	nextID int
}

// NewManager returns an empty manager. With no factories every track gets a
// Passthrough. A nil clock uses time.Now.
func NewManager(cfg Config, now func() time.Time, factories ...TrackerFactory) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:       cfg,
		now:       now,
		factories: factories,
		tracks:    make(map[int]*Track),
	}
}

func (m *Manager) newTracker() SingleTracker {
	for _, f := range m.factories {
		if tr := f(); tr != nil {
			return tr
		}
	}
	return &Passthrough{}
}

// Count returns the live track count.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

// Tracks returns the live tracks. The pointers are shared with the pipeline
// goroutine; callers outside it must treat them as read-only snapshots.
func (m *Manager) Tracks() []*Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Track, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

// Get returns a track by id, or nil.
func (m *Manager) Get(id int) *Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracks[id]
}

// Reset drops all tracks.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = make(map[int]*Track)
}

func (m *Manager) maxAgeFor(t *Track) int {
	if t.Known() {
		return m.cfg.MaxAgeFrames
	}
	third := m.cfg.MaxAgeFrames / 3
	if third < 3 {
		third = 3
	}
	return third
}

// Update steps every track's visual tracker against the new frame and ages
// out tracks whose tracker has lost the target.
func (m *Manager) Update(frame *face.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, t := range m.tracks {
		if t.tracker == nil {
			t.tracker = m.newTracker()
			t.tracker.Init(frame, t.Box)
		}
		box, ok := t.tracker.Step(frame)
		if ok {
			t.Box = box.Clip(frame.Width, frame.Height)
			t.LostFrames = 0
		} else {
			t.LostFrames++
		}
		if t.LostFrames > m.maxAgeFor(t) {
			delete(m.tracks, id)
		}
	}
}

// ApplyDetections reconciles a detector pass with the track set. Returns the
// ids of newly created tracks.
func (m *Manager) ApplyDetections(frame *face.Frame, dets []face.Detection, ts time.Time) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	maxDim := math.Max(float64(frame.Width), float64(frame.Height))

	// Every live track misses by default; a match resets the counter.
	for _, t := range m.tracks {
		t.DetMisses++
	}

	matched := make(map[int]bool)
	var newIDs []int
	for _, det := range dets {
		box := det.Box.Clip(frame.Width, frame.Height)
		if box.Area() <= 0 {
			continue
		}

		best := -1
		bestScore := math.Inf(-1)
		for id, t := range m.tracks {
			if matched[id] {
				continue
			}
			iou := t.Box.IoU(box)
			dist := t.Box.CenterDist(box)
			if iou < m.cfg.IoUMatch && dist > m.cfg.CenterMatchPx {
				continue
			}
			// A wildly different face size at a similar position is a
			// different person, not a moved track.
			if ta, da := t.Box.Area(), box.Area(); ta > 0 && da > 0 {
				ratio := da / ta
				if ratio < 0.5 || ratio > 2.0 {
					continue
				}
			}
			score := iou - dist/10000
			if score > bestScore {
				bestScore = score
				best = id
			}
		}

		if best >= 0 {
			t := m.tracks[best]
			// A known track "reacquired" somewhere else is probably a
			// different person standing where the first one was.
			if t.Known() {
				iou := t.Box.IoU(box)
				jump := t.Box.CenterDist(box)
				if iou < m.cfg.ReacquireClearIoU || jump > m.cfg.ReacquireClearCenterRatio*maxDim {
					t.ClearIdentity(now)
				}
			}
			t.Box = box
			t.LastSeen = ts
			t.LastDetTS = ts
			t.LostFrames = 0
			t.DetMisses = 0
			t.DetScore = det.DetScore
			t.Quality = det.Quality
			if det.HasKps {
				kps := det.Kps
				t.Kps = &kps
			}
			if t.tracker == nil {
				t.tracker = m.newTracker()
			}
			t.tracker.Init(frame, box)
			matched[best] = true
			continue
		}

		m.nextID++
		t := &Track{
			ID:             m.nextID,
			Box:            box,
			CreatedAt:      now,
			LastSeen:       ts,
			LastDetTS:      ts,
			DetScore:       det.DetScore,
			Quality:        det.Quality,
			UnknownSinceTS: now,
			tracker:        m.newTracker(),
		}
		if det.HasKps {
			kps := det.Kps
			t.Kps = &kps
		}
		t.tracker.Init(frame, box)
		m.tracks[t.ID] = t
		matched[t.ID] = true
		newIDs = append(newIDs, t.ID)
	}

	// Prune tracks the detector keeps not seeing.
	for id, t := range m.tracks {
		limit := m.cfg.MaxDetMissesUnknown
		if t.Known() {
			limit = m.cfg.MaxDetMissesKnown
		}
		if t.DetMisses > limit {
			delete(m.tracks, id)
		}
	}

	return newIDs
}
