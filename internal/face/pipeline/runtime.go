// Package pipeline runs the per-camera processing loop: motion gating,
// adaptive scheduling, shared detection, tracking, recognition and the
// attendance decision chain.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/facegate/presence/internal/config"
	"github.com/facegate/presence/internal/face"
	"github.com/facegate/presence/internal/face/arbiter"
	"github.com/facegate/presence/internal/face/attend"
	"github.com/facegate/presence/internal/face/capture"
	"github.com/facegate/presence/internal/face/gallery"
	"github.com/facegate/presence/internal/face/hls"
	"github.com/facegate/presence/internal/face/motion"
	"github.com/facegate/presence/internal/face/recognize"
	"github.com/facegate/presence/internal/face/sched"
	"github.com/facegate/presence/internal/face/spoof"
	"github.com/facegate/presence/internal/face/track"
	"github.com/facegate/presence/internal/monitoring"
)

const (
	// Faces touching the frame border produce unreliable embeddings.
	edgeMarginPx = 4
	// Fresh detections force a short recognition window on every track.
	detectionForceWindow = 350 * time.Millisecond
	loopIdleSleep        = 5 * time.Millisecond
	hlsFPS               = 15
)

// Deps are the process-wide services shared by all camera runtimes.
type Deps struct {
	Tuning    *config.TuningConfig
	Arbiter   *arbiter.Arbiter
	Galleries *gallery.Store
	Embedder  face.Embedder
	Spoof     *spoof.Gate
	Writer    *attend.DBWriter
	Proc      *monitoring.ProcSampler
	Now       func() time.Time

	// HLSRoot enables per-camera HLS output when non-empty.
	HLSRoot string

	// AttendanceEnabled is the per-camera marking toggle, driven by the
	// API and by viewer refcounts. Nil means always on.
	AttendanceEnabled func(cameraID string) bool

	// ActiveStreamType is the viewer-selected stream type for a camera;
	// "" falls back to the camera's configured type.
	ActiveStreamType func(cameraID string) string
}

type counters struct {
	frames    uint64
	detSubmit uint64
	recCalls  uint64
	marks     uint64
	queueFull uint64
}

// Runtime is one camera's processing loop.
type Runtime struct {
	cam  config.CameraConfig
	deps Deps

	grabber    *capture.Grabber
	motionGate *motion.Gate
	scheduler  *sched.Scheduler
	tracks     *track.Manager
	recognizer *recognize.Recognizer
	debouncer  *attend.Debouncer

	mu           sync.Mutex
	lastFrameSeq uint64
	lastDetSeq   uint64
	liveIDs      map[int]bool
	ctr          counters
	lastLog      time.Time

	annotated   []byte
	annotatedAt time.Time

	hlsSink   *hls.Writer
	hlsFailed bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newRuntime(cam config.CameraConfig, grabber *capture.Grabber, deps Deps) *Runtime {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	t := deps.Tuning

	w, h := t.GetMotionResize()
	mg := motion.NewGate(motion.Config{
		Threshold:       t.GetMotionThreshold(),
		HysteresisRatio: t.GetMotionHysteresisRatio(),
		Cooldown:        t.GetMotionCooldown(),
		ResizeW:         w,
		ResizeH:         h,
	}, now)

	sc := sched.New(sched.Config{
		IdleTimeout:         t.GetIdleTimeout(),
		BurstWindow:         t.GetBurstWindow(),
		FPSIdle:             t.GetDetectionFPSIdle(),
		FPSNormal:           t.GetDetectionFPSNormal(),
		FPSBurst:            t.GetDetectionFPSBurst(),
		EmbedRefresh:        t.GetEmbedRefresh(),
		EmbedRefreshUnknown: t.GetEmbedRefreshUnknown(),
	}, now)

	tm := track.NewManager(track.Config{
		MaxAgeFrames:              t.GetTrackMaxAgeFrames(),
		IoUMatch:                  t.GetIoUMatchThreshold(),
		CenterMatchPx:             t.GetCenterMatchPx(),
		ReacquireClearIoU:         t.GetReacquireClearIoU(),
		ReacquireClearCenterRatio: t.GetReacquireClearCenterRatio(),
		MaxDetMissesUnknown:       t.GetMaxDetMissesUnknown(),
		MaxDetMissesKnown:         t.GetMaxDetMissesKnown(),
	}, now)

	return &Runtime{
		cam:        cam,
		deps:       deps,
		grabber:    grabber,
		motionGate: mg,
		scheduler:  sc,
		tracks:     tm,
		recognizer: recognize.New(t, deps.Embedder, sc, now),
		debouncer:  attend.NewDebouncer(t, sc, now),
		liveIDs:    make(map[int]bool),
		lastLog:    now(),
	}
}

// CameraID returns the camera id this runtime serves.
func (r *Runtime) CameraID() string { return r.cam.ID }

// Camera returns the camera config.
func (r *Runtime) Camera() config.CameraConfig { return r.cam }

// Grabber exposes the frame source, e.g. for WebRTC frame injection.
func (r *Runtime) Grabber() *capture.Grabber { return r.grabber }

// Scheduler exposes the camera scheduler (enrollment bursts).
func (r *Runtime) Scheduler() *sched.Scheduler { return r.scheduler }

// Tracks returns the current track set.
func (r *Runtime) Tracks() []*track.Track { return r.tracks.Tracks() }

func (r *Runtime) start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.grabber.Start(ctx)
	go r.loop(ctx)
}

func (r *Runtime) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.grabber.Stop()
	if r.done != nil {
		<-r.done
	}
	if r.hlsSink != nil {
		r.hlsSink.Stop()
	}
}

func (r *Runtime) now() time.Time {
	if r.deps.Now != nil {
		return r.deps.Now()
	}
	return time.Now()
}

func (r *Runtime) loop(ctx context.Context) {
	defer close(r.done)
	monitoring.Logf("[Pipeline] started cam=%s stream=%s company=%s", r.cam.ID, r.cam.StreamType, r.cam.CompanyID)
	defer monitoring.Logf("[Pipeline] stopped cam=%s", r.cam.ID)

	for ctx.Err() == nil {
		frame, err := r.grabber.LatestNoCopy()
		if err != nil || frame.Seq == r.lastFrameSeq {
			select {
			case <-ctx.Done():
				return
			case <-time.After(loopIdleSleep):
			}
			continue
		}
		r.lastFrameSeq = frame.Seq
		r.Step(frame)
	}
}

// Step runs one pipeline iteration on a frame. Exposed for tests; the
// production path calls it from the loop goroutine only.
func (r *Runtime) Step(frame *face.Frame) {
	now := r.now()
	r.ctr.frames++

	gal := r.deps.Galleries.Ensure(r.cam.CompanyID)

	r.tracks.Update(frame)

	ignore := r.ignoreBoxes()
	motionRes := r.motionGate.Update(frame, ignore)

	r.applyDetections(frame, now)

	tracks := r.tracks.Tracks()
	attention := r.needsAttention(tracks)

	r.scheduler.Update(motionRes.Active || attention, len(tracks), false, nil)

	if r.scheduler.ShouldRunDetection() {
		if r.deps.Arbiter.Submit(r.cam.ID, frame.Clone()) {
			r.scheduler.MarkDetectionSubmitted()
			r.ctr.detSubmit++
		}
	}

	stats := r.recognizer.UpdateTracks(frame, tracks, gal)
	r.ctr.recCalls += uint64(stats.Calls)

	for _, t := range tracks {
		if t.Kps != nil {
			r.deps.Spoof.Observe(r.cam.ID, t.ID, t.Box, t.Kps)
		}
	}
	r.forgetDeadTracks(tracks)

	if r.attendanceOn() {
		r.considerAttendance(frame, tracks)
	}

	r.maybeLogStats(now, motionRes.Active, tracks)
	r.feedHLS(frame)
}

// feedHLS forwards frames to the HLS encoder. The sink is created lazily
// on the first valid frame, once the camera geometry is known.
func (r *Runtime) feedHLS(frame *face.Frame) {
	if r.deps.HLSRoot == "" || r.hlsFailed || !frame.Valid() {
		return
	}
	if r.hlsSink == nil {
		w, err := hls.NewWriter(r.deps.HLSRoot, r.cam.ID, frame.Width, frame.Height, hlsFPS)
		if err != nil {
			monitoring.Logf("[HLS] disabled cam=%s: %v", r.cam.ID, err)
			r.hlsFailed = true
			return
		}
		r.hlsSink = w
	}
	r.hlsSink.Write(frame)
}

// ignoreBoxes returns boxes excluded from motion scoring: stable known
// tracks that are not mid-verification. Their micro-movement would
// otherwise hold the scene active forever.
func (r *Runtime) ignoreBoxes() []face.Box {
	var boxes []face.Box
	for _, t := range r.tracks.Tracks() {
		if t.Known() && t.StableIDHits >= r.deps.Tuning.GetStableIDConfirmations() && !t.Verify.Active {
			boxes = append(boxes, t.Box)
		}
	}
	return boxes
}

func (r *Runtime) applyDetections(frame *face.Frame, now time.Time) {
	res := r.deps.Arbiter.LatestResult(r.cam.ID)
	if res == nil || res.Seq == r.lastDetSeq {
		return
	}
	r.lastDetSeq = res.Seq
	if now.Sub(res.TS) > r.deps.Tuning.GetMaxDetectionResultAge() {
		return
	}

	newIDs := r.tracks.ApplyDetections(frame, res.Detections, res.TS)
	if len(newIDs) > 0 {
		r.scheduler.ForceBurst(sched.ReasonNewTrack)
	}

	burst := r.deps.Tuning.GetBurstWindow()
	for _, t := range r.tracks.Tracks() {
		force := now.Add(detectionForceWindow)
		for _, id := range newIDs {
			if t.ID == id {
				force = now.Add(burst)
				break
			}
		}
		if force.After(t.ForceRecogUntilTS) {
			t.ForceRecogUntilTS = force
		}
	}
}

// needsAttention keeps the scheduler out of IDLE while any track still
// needs work: several people in frame, or a single one that is unknown,
// unstable or mid-verification.
func (r *Runtime) needsAttention(tracks []*track.Track) bool {
	if len(tracks) >= 2 {
		return true
	}
	stable := r.deps.Tuning.GetStableIDConfirmations()
	for _, t := range tracks {
		if t.Verify.Active || !t.Known() || t.StableIDHits < stable {
			return true
		}
	}
	return false
}

func (r *Runtime) forgetDeadTracks(tracks []*track.Track) {
	live := make(map[int]bool, len(tracks))
	for _, t := range tracks {
		live[t.ID] = true
	}
	for id := range r.liveIDs {
		if !live[id] {
			r.deps.Spoof.Forget(r.cam.ID, id)
		}
	}
	r.liveIDs = live
}

func (r *Runtime) attendanceOn() bool {
	if r.deps.AttendanceEnabled == nil {
		return true
	}
	return r.deps.AttendanceEnabled(r.cam.ID)
}

func (r *Runtime) considerAttendance(frame *face.Frame, tracks []*track.Track) {
	// Enrollment ingest cameras never mark attendance.
	if r.streamType() == "enroll" {
		return
	}
	minQuality := r.deps.Tuning.GetMinAttendanceQuality()
	for _, t := range tracks {
		if !t.Known() {
			continue
		}
		if touchesEdge(t.Box, frame.Width, frame.Height) {
			Tracef("att skip cam=%s track=%d: face at frame edge", r.cam.ID, t.ID)
			continue
		}
		if t.Quality > 0 && t.Quality < minQuality {
			Tracef("att skip cam=%s track=%d: quality %.1f < %.1f", r.cam.ID, t.ID, t.Quality, minQuality)
			continue
		}

		decision, job := r.debouncer.Consider(t, r.cam.CompanyID, r.cam.ID, r.cam.Name, r.streamType())
		if job == nil {
			if decision != attend.DecisionDebounceExtend && decision != attend.DecisionVerifying {
				Tracef("att gate cam=%s track=%d emp=%s: %s", r.cam.ID, t.ID, t.PersonID, decision)
			}
			continue
		}

		// The track identity can change between verification start and
		// completion; only mark if it still holds.
		if t.PersonID != job.EmployeeID {
			Diagf("att drop cam=%s track=%d: identity changed %s -> %s", r.cam.ID, t.ID, job.EmployeeID, t.PersonID)
			continue
		}

		verdict := r.deps.Spoof.Check(r.cam.ID, t.ID, frame, t.Box, t.Kps)
		if !verdict.OK {
			Diagf("att spoof-block cam=%s track=%d emp=%s reason=%s score=%.2f",
				r.cam.ID, t.ID, t.PersonID, verdict.Reason, verdict.Score)
			continue
		}

		if r.deps.Writer.Enqueue(job) {
			r.debouncer.MarkEnqueued(job)
			r.ctr.marks++
			monitoring.Logf("[ATTENDANCE] marked emp=%s name=%q cam=%s sim=%.3f decision=%s",
				job.EmployeeID, job.Name, r.cam.ID, job.Confidence, decision)
		} else {
			r.ctr.queueFull++
			monitoring.Logf("[ATTENDANCE] writer queue full, dropped emp=%s cam=%s", job.EmployeeID, r.cam.ID)
		}
	}
}

// streamType resolves the event type stamped on write jobs: enrollment
// ingest cameras stay "enroll", otherwise connected viewers pick the type
// and the camera's configured one is the fallback.
func (r *Runtime) streamType() string {
	if r.cam.StreamType == "enroll" {
		return "enroll"
	}
	if r.deps.ActiveStreamType != nil {
		if st := r.deps.ActiveStreamType(r.cam.ID); st != "" {
			return st
		}
	}
	if r.cam.StreamType == "" {
		return config.StreamTypeAttendance
	}
	return r.cam.StreamType
}

func (r *Runtime) maybeLogStats(now time.Time, motionActive bool, tracks []*track.Track) {
	interval := r.deps.Tuning.GetLogInterval()
	if now.Sub(r.lastLog) < interval {
		return
	}
	elapsed := now.Sub(r.lastLog).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	r.lastLog = now

	c := r.ctr
	r.ctr = counters{}

	unknown := 0
	for _, t := range tracks {
		if !t.Known() {
			unknown++
		}
	}
	qs := r.deps.Arbiter.QueueStats(r.cam.ID)

	cpu := ""
	if r.deps.Proc != nil {
		s := r.deps.Proc.Sample()
		cpu = fmt.Sprintf(" cpu=%.0f%% rss=%dMB", s.CPUPercent, s.RSSBytes/(1<<20))
	}
	monitoring.Logf("[PIPE] cam=%s fps=%.1f det=%.1f rec=%.1f tracks=%d unk=%d q=%d drop=%d mode=%s reasons=%s motion=%v%s",
		r.cam.ID, float64(c.frames)/elapsed, float64(c.detSubmit)/elapsed, float64(c.recCalls)/elapsed,
		len(tracks), unknown, qs.Depth, qs.Dropped, r.scheduler.Mode(),
		strings.Join(r.scheduler.Reasons(), ","), motionActive, cpu)
}

func touchesEdge(b face.Box, w, h int) bool {
	return b.X1 <= edgeMarginPx || b.Y1 <= edgeMarginPx ||
		b.X2 >= float64(w-edgeMarginPx) || b.Y2 >= float64(h-edgeMarginPx)
}
