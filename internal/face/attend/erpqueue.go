package attend

import (
	"sync"
	"time"

	"github.com/facegate/presence/internal/monitoring"
)

// ERPJob is the manual-attendance payload pushed to the ERP.
type ERPJob struct {
	AttendanceDate string `json:"attendanceDate"` // dd/mm/yyyy
	EmpID          string `json:"empId"`
	InTime         string `json:"inTime"` // HH:MM:SS
	InLocation     string `json:"inLocation"`
}

// NewERPJob formats a write job for the ERP endpoint.
func NewERPJob(job *WriteJob) ERPJob {
	return ERPJob{
		AttendanceDate: job.MarkedAt.Format("02/01/2006"),
		EmpID:          job.EmployeeID,
		InTime:         job.MarkedAt.Format("15:04:05"),
		InLocation:     job.CameraName,
	}
}

// ERPPushFunc delivers one job to the ERP.
type ERPPushFunc func(ERPJob) error

const (
	erpQueueSize  = 2000
	erpMaxRetries = 3
)

// ERPPushQueue retries ERP pushes off the hot path. Delivery failures retry
// with a fixed sleep; after the final failure the error callback fires.
type ERPPushQueue struct {
	push       ERPPushFunc
	onError    func(error, ERPJob)
	retrySleep time.Duration

	queue chan ERPJob
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewERPPushQueue starts the push worker. onError may be nil. retrySleep
// zero defaults to one second.
func NewERPPushQueue(push ERPPushFunc, onError func(error, ERPJob), retrySleep time.Duration) *ERPPushQueue {
	if retrySleep <= 0 {
		retrySleep = time.Second
	}
	q := &ERPPushQueue{
		push:       push,
		onError:    onError,
		retrySleep: retrySleep,
		queue:      make(chan ERPJob, erpQueueSize),
		stop:       make(chan struct{}),
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

// Enqueue offers a job. Returns false when the queue is full.
func (q *ERPPushQueue) Enqueue(job ERPJob) bool {
	select {
	case q.queue <- job:
		return true
	default:
		return false
	}
}

// Depth returns the current queue depth.
func (q *ERPPushQueue) Depth() int { return len(q.queue) }

// Stop terminates the worker without draining; ERP marks are best-effort.
func (q *ERPPushQueue) Stop() {
	close(q.stop)
	q.wg.Wait()
}

func (q *ERPPushQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case job := <-q.queue:
			q.deliver(job)
		case <-q.stop:
			return
		}
	}
}

func (q *ERPPushQueue) deliver(job ERPJob) {
	var err error
	for attempt := 1; attempt <= erpMaxRetries; attempt++ {
		if err = q.push(job); err == nil {
			return
		}
		monitoring.Logf("[ERP] push attempt %d/%d failed emp=%s: %v", attempt, erpMaxRetries, job.EmpID, err)
		if attempt < erpMaxRetries {
			select {
			case <-time.After(q.retrySleep):
			case <-q.stop:
				return
			}
		}
	}
	if q.onError != nil {
		q.onError(err, job)
	}
}
