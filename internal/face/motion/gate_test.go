package motion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/facegate/presence/internal/face"
)

// fakeClock is a manually advanced clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time             { return c.t }
func (c *fakeClock) advance(d time.Duration)    { c.t = c.t.Add(d) }

func solidFrame(w, h int, v byte) *face.Frame {
	pix := make([]byte, w*h*3)
	for i := range pix {
		pix[i] = v
	}
	return &face.Frame{Width: w, Height: h, Pix: pix, TS: time.Now()}
}

func testGate(clk *fakeClock) *Gate {
	return NewGate(Config{
		Threshold:       0.02,
		HysteresisRatio: 0.70,
		Cooldown:        400 * time.Millisecond,
		ResizeW:         64,
		ResizeH:         36,
	}, clk.now)
}

func TestFirstFramePrimesWithoutMotion(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	g := testGate(clk)

	res := g.Update(solidFrame(640, 360, 10), nil)
	assert.False(t, res.Active)
	assert.Zero(t, res.Score)
}

func TestActivationAndHysteresis(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	g := testGate(clk)

	g.Update(solidFrame(640, 360, 10), nil)
	clk.advance(time.Second)

	// Full-frame change: every pixel differs by far more than the pixel
	// threshold, so the score saturates at 1.0.
	res := g.Update(solidFrame(640, 360, 200), nil)
	assert.True(t, res.Active)
	assert.InDelta(t, 1.0, res.Score, 1e-9)

	// Identical frame: score 0 is below threshold*ratio, gate drops after
	// the cooldown.
	clk.advance(time.Second)
	res = g.Update(solidFrame(640, 360, 200), nil)
	assert.False(t, res.Active)
	assert.Zero(t, res.Score)
}

func TestCooldownBlocksFlapping(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	g := testGate(clk)

	g.Update(solidFrame(640, 360, 10), nil)
	clk.advance(time.Second)
	res := g.Update(solidFrame(640, 360, 200), nil)
	assert.True(t, res.Active)

	// Within the cooldown a zero-motion frame must not flip the gate off.
	clk.advance(100 * time.Millisecond)
	res = g.Update(solidFrame(640, 360, 200), nil)
	assert.True(t, res.Active, "state change inside cooldown")

	clk.advance(time.Second)
	res = g.Update(solidFrame(640, 360, 200), nil)
	assert.False(t, res.Active)
}

func TestResolutionChangeResets(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	g := testGate(clk)

	g.Update(solidFrame(640, 360, 10), nil)
	clk.advance(time.Second)

	res := g.Update(solidFrame(1280, 720, 200), nil)
	assert.False(t, res.Active, "resolution change must prime, not score")
	assert.Zero(t, res.Score)
}

func TestIgnoreBoxesSuppressScore(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	g := testGate(clk)

	g.Update(solidFrame(640, 360, 10), nil)
	clk.advance(time.Second)

	// Whole frame changed, whole frame ignored: nothing to count.
	res := g.Update(solidFrame(640, 360, 200), []face.Box{{X1: 0, Y1: 0, X2: 640, Y2: 360}})
	assert.False(t, res.Active)
	assert.Zero(t, res.Score)
}

func TestResetDropsState(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	g := testGate(clk)

	g.Update(solidFrame(640, 360, 10), nil)
	clk.advance(time.Second)
	g.Update(solidFrame(640, 360, 200), nil)
	assert.True(t, g.Active())

	g.Reset()
	assert.False(t, g.Active())
	res := g.Update(solidFrame(640, 360, 10), nil)
	assert.Zero(t, res.Score, "first frame after reset primes only")
}
