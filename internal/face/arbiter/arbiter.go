// Package arbiter serializes detector access across cameras. One worker
// drains per-camera queues round-robin so a busy camera cannot starve the
// others, and always runs the newest queued frame.
package arbiter

import (
	"sync"
	"time"

	"github.com/facegate/presence/internal/face"
	"github.com/facegate/presence/internal/monitoring"
)

// Stats is a point-in-time view of one camera's queue.
type Stats struct {
	Depth   int
	Dropped uint64
}

type cameraQueue struct {
	frames  []*face.Frame
	dropped uint64
	seq     uint64 // result sequence, monotonic per camera
}

// Arbiter owns the detector and schedules per-camera work.
type Arbiter struct {
	detector  face.Detector
	queueSize int

	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[string]*cameraQueue
	pending []string        // round-robin FIFO of cameras with work
	member  map[string]bool // pending membership, no duplicates
	results map[string]*face.DetectionResult
	stopped bool

	wg sync.WaitGroup
}

// New creates an arbiter and starts its worker. queueSize bounds each
// camera's backlog; older frames are dropped first.
func New(detector face.Detector, queueSize int) *Arbiter {
	if queueSize < 1 {
		queueSize = 1
	}
	a := &Arbiter{
		detector:  detector,
		queueSize: queueSize,
		queues:    make(map[string]*cameraQueue),
		member:    make(map[string]bool),
		results:   make(map[string]*face.DetectionResult),
	}
	a.cond = sync.NewCond(&a.mu)
	a.wg.Add(1)
	go a.worker()
	return a
}

// Submit queues a frame for detection. Returns false once stopped.
func (a *Arbiter) Submit(cameraID string, frame *face.Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}

	q := a.queues[cameraID]
	if q == nil {
		q = &cameraQueue{}
		a.queues[cameraID] = q
	}
	for len(q.frames) >= a.queueSize {
		q.frames = q.frames[1:]
		q.dropped++
	}
	q.frames = append(q.frames, frame)

	if !a.member[cameraID] {
		a.member[cameraID] = true
		a.pending = append(a.pending, cameraID)
	}
	a.cond.Signal()
	return true
}

// LatestResult returns the most recent detection result for a camera, or nil.
func (a *Arbiter) LatestResult(cameraID string) *face.DetectionResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.results[cameraID]
}

// QueueStats returns the queue depth and cumulative drop count for a camera.
func (a *Arbiter) QueueStats(cameraID string) Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.queues[cameraID]
	if q == nil {
		return Stats{}
	}
	return Stats{Depth: len(q.frames), Dropped: q.dropped}
}

// Stop terminates the worker and waits for it to exit.
func (a *Arbiter) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.cond.Broadcast()
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Arbiter) worker() {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		for !a.stopped && len(a.pending) == 0 {
			// Periodic wake guards against a missed signal.
			waitWithTimeout(a.cond, 250*time.Millisecond)
		}
		if a.stopped {
			a.mu.Unlock()
			return
		}

		cameraID := a.pending[0]
		a.pending = a.pending[1:]
		delete(a.member, cameraID)

		q := a.queues[cameraID]
		if q == nil || len(q.frames) == 0 {
			a.mu.Unlock()
			continue
		}
		// Newest frame wins; anything older is stale for detection.
		frame := q.frames[len(q.frames)-1]
		q.dropped += uint64(len(q.frames) - 1)
		q.frames = q.frames[:0]
		a.mu.Unlock()

		dets, err := a.detector.Detect(frame)
		if err != nil {
			monitoring.Logf("[Arbiter] detect failed cam=%s: %v", cameraID, err)
		}

		a.mu.Lock()
		q.seq++
		a.results[cameraID] = &face.DetectionResult{
			Seq:        q.seq,
			TS:         frame.TS,
			FrameSeq:   frame.Seq,
			Detections: dets,
		}
		// Re-queue if more frames landed while detecting.
		if len(q.frames) > 0 && !a.member[cameraID] {
			a.member[cameraID] = true
			a.pending = append(a.pending, cameraID)
		}
		a.mu.Unlock()
	}
}

// waitWithTimeout waits on the cond or the timeout, whichever comes first.
// The caller must hold the cond's lock.
func waitWithTimeout(c *sync.Cond, d time.Duration) {
	t := time.AfterFunc(d, c.Broadcast)
	defer t.Stop()
	c.Wait()
}
