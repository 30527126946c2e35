package recognize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facegate/presence/internal/config"
	"github.com/facegate/presence/internal/face"
	"github.com/facegate/presence/internal/face/gallery"
	"github.com/facegate/presence/internal/face/sched"
	"github.com/facegate/presence/internal/face/track"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// scriptedEmbedder returns queued embeddings in order; nil entries simulate
// a failed crop.
type scriptedEmbedder struct {
	queue []face.Embedding
}

func (e *scriptedEmbedder) Embed(frame *face.Frame, box face.Box, kps *face.Keypoints) (face.Embedding, error) {
	if len(e.queue) == 0 {
		return nil, nil
	}
	emb := e.queue[0]
	e.queue = e.queue[1:]
	return emb, nil
}

type env struct {
	clk   *fakeClock
	cfg   *config.TuningConfig
	sch   *sched.Scheduler
	emb   *scriptedEmbedder
	rec   *Recognizer
	gal   *gallery.Gallery
	frame *face.Frame
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1000, 0)}
	cfg := config.EmptyTuningConfig()
	sch := sched.New(sched.Config{
		IdleTimeout:         cfg.GetIdleTimeout(),
		BurstWindow:         cfg.GetBurstWindow(),
		FPSIdle:             cfg.GetDetectionFPSIdle(),
		FPSNormal:           cfg.GetDetectionFPSNormal(),
		FPSBurst:            cfg.GetDetectionFPSBurst(),
		EmbedRefresh:        cfg.GetEmbedRefresh(),
		EmbedRefreshUnknown: cfg.GetEmbedRefreshUnknown(),
	}, clk.now)
	// Keep the scheduler out of IDLE so recognition runs.
	sch.Update(true, 1, false, nil)

	emb := &scriptedEmbedder{}
	gal := gallery.New()
	gal.Replace([]gallery.Entry{
		{EmployeeID: "emp-1", Name: "Alice", Embedding: face.Embedding{1, 0, 0}},
		{EmployeeID: "emp-2", Name: "Bob", Embedding: face.Embedding{0, 1, 0}},
	})

	return &env{
		clk:   clk,
		cfg:   cfg,
		sch:   sch,
		emb:   emb,
		rec:   New(cfg, emb, sch, clk.now),
		gal:   gal,
		frame: &face.Frame{Width: 1280, Height: 720, Pix: make([]byte, 1280*720*3)},
	}
}

func (e *env) newTrack() *track.Track {
	return &track.Track{
		ID:             1,
		Box:            face.Box{X1: 100, Y1: 100, X2: 200, Y2: 200},
		CreatedAt:      e.clk.t,
		LastSeen:       e.clk.t,
		LastDetTS:      e.clk.t,
		UnknownSinceTS: e.clk.t,
		LastEmbedTS:    e.clk.t.Add(-time.Hour),
	}
}

func TestAdoptIdentityNeedsStrictThreshold(t *testing.T) {
	e := newEnv(t)
	tr := e.newTrack()

	// Similarity ~0.45: above accept (0.35) but below strict (0.50).
	e.emb.queue = []face.Embedding{face.Embedding{0.45, 0.02, 0}.Normalize()}
	// Scale so cosine to emp-1 is ~0.45? Cosine of a normalized vector
	// against (1,0,0) is its first component, so craft it directly.
	e.emb.queue = []face.Embedding{{0.45, 0.0, 0.893}}

	stats := e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)
	assert.Equal(t, 1, stats.Calls)
	assert.False(t, tr.Known(), "below-strict score must not adopt a new identity")
	assert.Equal(t, 1, stats.Unknowns)
}

func TestAdoptAndConfirmIdentity(t *testing.T) {
	e := newEnv(t)
	tr := e.newTrack()

	e.emb.queue = []face.Embedding{{1, 0, 0}}
	e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)

	require.True(t, tr.Known())
	assert.Equal(t, "emp-1", tr.PersonID)
	assert.Equal(t, "Alice", tr.Name)
	assert.Equal(t, 1, tr.StableIDHits)
	assert.True(t, tr.UnknownSinceTS.IsZero())

	// Re-confirmations at the lower accept threshold bump the hit count.
	e.clk.advance(300 * time.Millisecond)
	e.emb.queue = []face.Embedding{{1, 0, 0}}
	e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)
	assert.Equal(t, 2, tr.StableIDHits)
}

func TestHoldRidesOutEmbedDropout(t *testing.T) {
	e := newEnv(t)
	tr := e.newTrack()

	e.emb.queue = []face.Embedding{{1, 0, 0}}
	e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)
	require.True(t, tr.Known())

	// 300ms later the embedder returns nothing; hold keeps the identity.
	e.clk.advance(300 * time.Millisecond)
	tr.LastDetTS = e.clk.t
	e.emb.queue = nil
	e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)
	assert.True(t, tr.Known(), "hold window must keep the identity")
	assert.True(t, tr.ForceRecogUntilTS.After(e.clk.t))
}

func TestHoldExpiresAndDemotes(t *testing.T) {
	e := newEnv(t)
	tr := e.newTrack()

	e.emb.queue = []face.Embedding{{1, 0, 0}}
	e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)
	require.True(t, tr.Known())

	// Past the 1.5s hold: the identity is dropped on an empty embed.
	e.clk.advance(2 * time.Second)
	tr.LastDetTS = e.clk.t
	e.emb.queue = nil
	e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)
	assert.False(t, tr.Known())
	assert.False(t, tr.UnknownSinceTS.IsZero())
}

func TestHoldRefusedOnDetMisses(t *testing.T) {
	e := newEnv(t)
	tr := e.newTrack()

	e.emb.queue = []face.Embedding{{1, 0, 0}}
	e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)
	require.True(t, tr.Known())

	e.clk.advance(300 * time.Millisecond)
	tr.LastDetTS = e.clk.t
	tr.DetMisses = 2 // above the hold limit of 1
	e.emb.queue = nil
	e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)
	assert.False(t, tr.Known())
}

func TestIdentityFlipDemotesWhenWeak(t *testing.T) {
	e := newEnv(t)
	tr := e.newTrack()

	e.emb.queue = []face.Embedding{{1, 0, 0}}
	e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)
	require.Equal(t, "emp-1", tr.PersonID)
	tr.StableIDHits = 5

	// A different identity at 0.52: above strict but below strict+margin,
	// and late enough that the hold has lapsed.
	e.clk.advance(2 * time.Second)
	tr.LastDetTS = e.clk.t
	e.emb.queue = []face.Embedding{{0, 0.52, 0.854}}
	e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)

	assert.False(t, tr.Known(), "ambiguous flip must demote, not switch")
	assert.Contains(t, e.sch.Reasons(), sched.ReasonIdentityFlip)
}

func TestIdentityFlipAdoptsWhenStrong(t *testing.T) {
	e := newEnv(t)
	tr := e.newTrack()

	e.emb.queue = []face.Embedding{{1, 0, 0}}
	e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)
	require.Equal(t, "emp-1", tr.PersonID)
	tr.StableIDHits = 5

	e.clk.advance(2 * time.Second)
	tr.LastDetTS = e.clk.t
	e.emb.queue = []face.Embedding{{0, 1, 0}}
	e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)

	assert.Equal(t, "emp-2", tr.PersonID)
	assert.Equal(t, 1, tr.StableIDHits, "flip resets the stability count")
	assert.Equal(t, e.clk.t, tr.LastIdentityChangeTS)
}

func TestBorderlineTriggersBurst(t *testing.T) {
	e := newEnv(t)
	tr := e.newTrack()

	// Score 0.48 vs strict 0.50: borderline for adoption.
	e.emb.queue = []face.Embedding{{0.48, 0, 0.877}}
	stats := e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)

	assert.Equal(t, 1, stats.Borderlines)
	assert.Contains(t, e.sch.Reasons(), sched.ReasonBorderline)
	assert.False(t, tr.Known())
}

func TestUnknownPersistTriggersBurst(t *testing.T) {
	e := newEnv(t)
	tr := e.newTrack()
	tr.UnknownSinceTS = e.clk.t.Add(-time.Second) // unknown for 1s already

	e.emb.queue = []face.Embedding{{0, 0, 1}} // matches nobody
	stats := e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)

	assert.Equal(t, 1, stats.Unknowns)
	assert.Contains(t, e.sch.Reasons(), sched.ReasonUnknownPersist)
}

func TestIndistinctTopTwoBlocksAdoption(t *testing.T) {
	e := newEnv(t)
	// Two employees with near-identical templates.
	e.gal.Replace([]gallery.Entry{
		{EmployeeID: "emp-1", Name: "Alice", Embedding: face.Embedding{1, 0, 0}},
		{EmployeeID: "emp-2", Name: "Bob", Embedding: face.Embedding{0.999, 0.045, 0}.Normalize()},
	})
	tr := e.newTrack()

	e.emb.queue = []face.Embedding{{1, 0, 0}}
	stats := e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)

	assert.False(t, tr.Known(), "ambiguous top-2 must not adopt")
	assert.Equal(t, 1, stats.Borderlines)
}

func TestIdleWithoutForceSkipsRecognition(t *testing.T) {
	e := newEnv(t)
	// Drop to IDLE.
	e.clk.advance(time.Hour)
	e.sch.Update(false, 0, false, nil)

	tr := e.newTrack()
	e.emb.queue = []face.Embedding{{1, 0, 0}}
	stats := e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)
	assert.Zero(t, stats.Calls)

	// A forced track still runs in IDLE.
	tr.ForceRecogUntilTS = e.clk.t.Add(time.Second)
	stats = e.rec.UpdateTracks(e.frame, []*track.Track{tr}, e.gal)
	assert.Equal(t, 1, stats.Calls)
	assert.Equal(t, "emp-1", tr.PersonID)
}
