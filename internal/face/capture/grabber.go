// Package capture keeps the freshest frame from a camera available to the
// pipeline without letting a slow or dead source stall it.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/facegate/presence/internal/face"
	"github.com/facegate/presence/internal/monitoring"
)

// ErrNoFrame is returned when no frame has arrived yet.
var ErrNoFrame = errors.New("capture: no frame available")

// Source is a stream of frames. Read blocks until the next frame or fails.
type Source interface {
	Read() (*face.Frame, error)
	Close() error
}

// SourceFactory opens the source, e.g. dials the RTSP URL. Called again on
// reopen after repeated failures.
type SourceFactory func() (Source, error)

// Config holds the grabber reopen behavior.
type Config struct {
	MaxFails      int           // consecutive read failures before reopen
	Stale         time.Duration // frame age that forces a reopen
	ReopenBackoff time.Duration // initial backoff, doubles up to the cap
}

const reopenBackoffCap = 10 * time.Second

// Grabber runs the read loop and retains only the latest frame.
type Grabber struct {
	cameraID string
	factory  SourceFactory
	cfg      Config
	now      func() time.Time

	mu       sync.Mutex
	latest   *face.Frame
	arrived  time.Time
	seq      uint64
	injected bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGrabber returns a stopped grabber. A nil factory makes an inject-only
// grabber (frames arrive via Inject, e.g. from a WebRTC track).
func NewGrabber(cameraID string, factory SourceFactory, cfg Config, now func() time.Time) *Grabber {
	if cfg.MaxFails <= 0 {
		cfg.MaxFails = 30
	}
	if cfg.Stale <= 0 {
		cfg.Stale = 5 * time.Second
	}
	if cfg.ReopenBackoff <= 0 {
		cfg.ReopenBackoff = 500 * time.Millisecond
	}
	if now == nil {
		now = time.Now
	}
	return &Grabber{cameraID: cameraID, factory: factory, cfg: cfg, now: now}
}

// Start launches the read loop. No-op for inject-only grabbers.
func (g *Grabber) Start(ctx context.Context) {
	if g.factory == nil {
		return
	}
	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go g.loop(ctx)
}

// Stop terminates the read loop and waits for it.
func (g *Grabber) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

// Latest returns a copy of the newest frame.
func (g *Grabber) Latest() (*face.Frame, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.latest == nil {
		return nil, ErrNoFrame
	}
	return g.latest.Clone(), nil
}

// LatestNoCopy returns the newest frame without copying. The caller must
// not mutate it.
func (g *Grabber) LatestNoCopy() (*face.Frame, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.latest == nil {
		return nil, ErrNoFrame
	}
	return g.latest, nil
}

// FrameAge returns how long ago the newest frame arrived.
func (g *Grabber) FrameAge() (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.latest == nil {
		return 0, ErrNoFrame
	}
	return g.now().Sub(g.arrived), nil
}

// Inject stores an externally produced frame (WebRTC ingest).
func (g *Grabber) Inject(frame *face.Frame) {
	if !frame.Valid() {
		return
	}
	g.mu.Lock()
	g.seq++
	frame.Seq = g.seq
	if frame.TS.IsZero() {
		frame.TS = g.now()
	}
	g.latest = frame
	g.arrived = g.now()
	g.injected = true
	g.mu.Unlock()
}

func (g *Grabber) store(frame *face.Frame) {
	g.mu.Lock()
	g.seq++
	frame.Seq = g.seq
	if frame.TS.IsZero() {
		frame.TS = g.now()
	}
	g.latest = frame
	g.arrived = g.now()
	g.mu.Unlock()
}

func (g *Grabber) loop(ctx context.Context) {
	defer g.wg.Done()

	backoff := g.cfg.ReopenBackoff
	for ctx.Err() == nil {
		src, err := g.factory()
		if err != nil {
			monitoring.Logf("[Capture] open failed cam=%s: %v (retry in %s)", g.cameraID, err, backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = g.cfg.ReopenBackoff

		fails := 0
		lastGood := g.now()
		for ctx.Err() == nil {
			frame, err := src.Read()
			now := g.now()
			if err == nil && frame.Valid() {
				fails = 0
				lastGood = now
				g.store(frame)
				continue
			}
			fails++
			if fails >= g.cfg.MaxFails {
				monitoring.Logf("[Capture] %d consecutive read failures cam=%s, reopening", fails, g.cameraID)
				break
			}
			if now.Sub(lastGood) > g.cfg.Stale {
				monitoring.Logf("[Capture] stale stream cam=%s, reopening", g.cameraID)
				break
			}
		}
		src.Close()

		if ctx.Err() == nil {
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reopenBackoffCap {
		d = reopenBackoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
