// Package attend turns stable recognized tracks into attendance marks:
// debouncing, multi-sample verification, and the async write path to the
// backend, ERP and voice surfaces.
package attend

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/facegate/presence/internal/config"
	"github.com/facegate/presence/internal/face/sched"
	"github.com/facegate/presence/internal/face/track"
	"github.com/facegate/presence/internal/monitoring"
)

// Decision encodes the debouncer outcome for one observation.
type Decision string

const (
	DecisionUnknown        Decision = "unknown"
	DecisionUnstable       Decision = "unstable"
	DecisionLowSimilarity  Decision = "low_similarity"
	DecisionIdentityFresh  Decision = "identity_fresh"
	DecisionEmbedStale     Decision = "embed_stale"
	DecisionDebounceExtend Decision = "debounce_extend"
	DecisionVerifying      Decision = "verifying"
	DecisionVerifiedFast   Decision = "verified_fast"
	DecisionVerified       Decision = "verified"
	DecisionVerifyFailed   Decision = "verify_failed"
	DecisionVerifyTimeout  Decision = "verify_timeout"
)

// WriteJob is one attendance mark headed for the writers.
type WriteJob struct {
	ID         string
	EmployeeID string
	Name       string
	CompanyID  string
	CameraID   string
	CameraName string
	StreamType string
	Confidence float64
	MarkedAt   time.Time
}

// Debouncer enforces the per-employee attendance cadence and runs the
// multi-sample verification state machine on candidate tracks.
type Debouncer struct {
	mu   sync.Mutex
	cfg  *config.TuningConfig
	sch  *sched.Scheduler
	now  func() time.Time

	lastMarked map[string]time.Time // company:employee -> window stamp
	lastSeen   map[string]time.Time
}

// NewDebouncer returns an empty debouncer. A nil clock uses time.Now.
func NewDebouncer(cfg *config.TuningConfig, scheduler *sched.Scheduler, now func() time.Time) *Debouncer {
	if now == nil {
		now = time.Now
	}
	return &Debouncer{
		cfg:        cfg,
		sch:        scheduler,
		now:        now,
		lastMarked: make(map[string]time.Time),
		lastSeen:   make(map[string]time.Time),
	}
}

func key(companyID, employeeID string) string {
	return fmt.Sprintf("%s:%s", companyID, employeeID)
}

// Consider evaluates one known track. A non-nil job means the mark passed
// every gate (including verification) and should be enqueued.
func (d *Debouncer) Consider(t *track.Track, companyID, cameraID, cameraName, streamType string) (Decision, *WriteJob) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if !t.Known() {
		d.resetVerification(t)
		return DecisionUnknown, nil
	}

	if t.Verify.Active {
		return d.stepVerification(t, companyID, cameraID, cameraName, streamType, now)
	}

	if t.StableIDHits < d.cfg.GetStableIDConfirmations() {
		return DecisionUnstable, nil
	}
	minSim := d.cfg.GetSimilarityThreshold()
	if strict := d.cfg.GetStrictSimilarityThreshold(); strict > minSim {
		minSim = strict
	}
	if t.Similarity < minSim {
		return DecisionLowSimilarity, nil
	}
	if t.LastIdentityChangeTS.IsZero() || now.Sub(t.LastIdentityChangeTS) < d.cfg.GetMinIdentityAge() {
		return DecisionIdentityFresh, nil
	}
	if t.LastEmbedTS.IsZero() || now.Sub(t.LastEmbedTS) > d.cfg.GetAttendanceMaxEmbedAge() {
		return DecisionEmbedStale, nil
	}

	k := key(companyID, t.PersonID)
	d.lastSeen[k] = now
	if marked, ok := d.lastMarked[k]; ok && now.Sub(marked) < d.cfg.GetAttendanceDebounce() {
		// Still inside the window: slide it so a lingering face does not
		// re-mark the moment it expires.
		d.lastMarked[k] = now
		return DecisionDebounceExtend, nil
	}

	samples := d.cfg.GetVerificationSamples()
	if samples <= 1 {
		return DecisionVerifiedFast, d.makeJob(t, companyID, cameraID, cameraName, streamType, now)
	}

	// Start verification: collect fresh samples across embeds.
	t.Verify = track.VerifyState{
		Active:     true,
		TargetID:   t.PersonID,
		TargetName: t.Name,
		StartedAt:  now,
	}
	if !t.LastEmbedTS.IsZero() {
		t.Verify.Samples = append(t.Verify.Samples, track.Sample{PersonID: t.PersonID, Similarity: t.Similarity})
		t.Verify.LastEmbedTS = t.LastEmbedTS
	}
	t.ForceRecogUntilTS = now.Add(d.cfg.GetBurstWindow())
	d.sch.ForceBurst(sched.ReasonVerify)
	return DecisionVerifying, nil
}

func (d *Debouncer) stepVerification(t *track.Track, companyID, cameraID, cameraName, streamType string, now time.Time) (Decision, *WriteJob) {
	v := &t.Verify

	if now.Sub(v.StartedAt) > d.cfg.GetVerifyTimeout() {
		monitoring.Logf("[ATTENDANCE] verify timeout track=%d target=%s samples=%d", t.ID, v.TargetID, len(v.Samples))
		d.resetVerification(t)
		return DecisionVerifyTimeout, nil
	}

	// A new embedding landed since the last sample: record it.
	if t.LastEmbedTS.After(v.LastEmbedTS) {
		v.Samples = append(v.Samples, track.Sample{PersonID: t.PersonID, Similarity: t.Similarity})
		v.LastEmbedTS = t.LastEmbedTS
	}

	need := d.cfg.GetVerificationSamples()
	if len(v.Samples) < need {
		return DecisionVerifying, nil
	}

	votes := 0
	var simSum float64
	for _, s := range v.Samples {
		if s.PersonID == v.TargetID {
			votes++
			simSum += s.Similarity
		}
	}
	required := need/2 + 1
	avgOK := false
	if votes > 0 {
		avg := simSum / float64(votes)
		avgOK = avg >= d.cfg.GetSimilarityThreshold()+d.cfg.GetBorderlineMargin()
	}

	target, name := v.TargetID, v.TargetName
	d.resetVerification(t)

	if votes >= required && avgOK {
		// The job carries the verified target, not whatever the track
		// happens to say this instant.
		job := d.makeJob(t, companyID, cameraID, cameraName, streamType, now)
		job.EmployeeID = target
		job.Name = name
		return DecisionVerified, job
	}
	return DecisionVerifyFailed, nil
}

func (d *Debouncer) resetVerification(t *track.Track) {
	t.Verify = track.VerifyState{}
}

func (d *Debouncer) makeJob(t *track.Track, companyID, cameraID, cameraName, streamType string, now time.Time) *WriteJob {
	return &WriteJob{
		ID:         uuid.NewString(),
		EmployeeID: t.PersonID,
		Name:       t.Name,
		CompanyID:  companyID,
		CameraID:   cameraID,
		CameraName: cameraName,
		StreamType: streamType,
		Confidence: t.Similarity,
		MarkedAt:   now,
	}
}

// MarkEnqueued stamps the debounce window once the job actually made it
// onto the writer queue.
func (d *Debouncer) MarkEnqueued(job *WriteJob) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastMarked[key(job.CompanyID, job.EmployeeID)] = d.now()
}

// NoteSeen records that an employee is still in frame without marking.
func (d *Debouncer) NoteSeen(companyID, employeeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeen[key(companyID, employeeID)] = d.now()
}

// LastMarked returns when the employee's window was last stamped.
func (d *Debouncer) LastMarked(companyID, employeeID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts, ok := d.lastMarked[key(companyID, employeeID)]
	return ts, ok
}
