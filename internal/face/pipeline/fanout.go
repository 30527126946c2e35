package pipeline

import (
	"context"
	"time"

	"github.com/facegate/presence/internal/clients"
	"github.com/facegate/presence/internal/config"
	"github.com/facegate/presence/internal/face/attend"
	"github.com/facegate/presence/internal/monitoring"
)

const writeTimeout = 10 * time.Second

// Sinks are the downstream consumers of a confirmed attendance mark. Any
// of them may be nil.
type Sinks struct {
	ERP   *attend.ERPPushQueue
	Relay *attend.Relay
	Voice *attend.VoiceLog
}

// NewWriteFanout builds the DBWriter write func: the mark is posted to the
// backend, and for the attendance stream type the side channels fire (ERP
// push, relay pulse, voice event). The backend post is the only failable
// step; side channels are best-effort.
func NewWriteFanout(backend *clients.Backend, sinks Sinks) attend.WriteFunc {
	return func(job *attend.WriteJob) error {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		conf := job.Confidence
		err := backend.CreateAttendance(ctx, job.CompanyID, clients.AttendanceRecord{
			EmployeeID: job.EmployeeID,
			Timestamp:  job.MarkedAt.Format(time.RFC3339),
			CameraID:   job.CameraID,
			Confidence: &conf,
			EventType:  job.StreamType,
		})
		if err != nil {
			return err
		}

		// Headcount and ot marks are record-only; no turnstile, greeting
		// or ERP entry for them.
		if job.StreamType != config.StreamTypeAttendance {
			return nil
		}
		if sinks.ERP != nil {
			if !sinks.ERP.Enqueue(attend.NewERPJob(job)) {
				monitoring.Logf("[ERP] queue full, dropped emp=%s", job.EmployeeID)
			}
		}
		if sinks.Relay != nil {
			sinks.Relay.TurnOn(job.CameraID)
		}
		if sinks.Voice != nil {
			sinks.Voice.Push(job)
		}
		return nil
	}
}
