package attend

import (
	"sync"
	"time"

	"github.com/facegate/presence/internal/monitoring"
)

// WriteFunc performs the actual attendance write (backend, ERP fan-out).
type WriteFunc func(*WriteJob) error

// Journal is an optional durable spool for jobs whose write failed.
type Journal interface {
	Put(*WriteJob) error
}

const (
	writerQueueSize    = 1000
	writerDrainTimeout = 2 * time.Second
	writerPoll         = 250 * time.Millisecond
)

// DBWriter runs attendance writes on a single background goroutine behind a
// bounded queue. Enqueue never blocks the pipeline.
type DBWriter struct {
	write   WriteFunc
	journal Journal

	queue chan *WriteJob
	stop  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	written uint64
	failed  uint64
}

// NewDBWriter starts the writer goroutine. journal may be nil.
func NewDBWriter(write WriteFunc, journal Journal) *DBWriter {
	w := &DBWriter{
		write:   write,
		journal: journal,
		queue:   make(chan *WriteJob, writerQueueSize),
		stop:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.worker()
	return w
}

// Enqueue offers a job to the writer. Returns false when the queue is full;
// the caller decides whether to log or drop.
func (w *DBWriter) Enqueue(job *WriteJob) bool {
	select {
	case w.queue <- job:
		return true
	default:
		return false
	}
}

// Counts returns the cumulative written and failed totals.
func (w *DBWriter) Counts() (written, failed uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written, w.failed
}

// Stop drains the queue for up to the drain timeout, then terminates the
// worker and waits for it.
func (w *DBWriter) Stop() {
	deadline := time.Now().Add(writerDrainTimeout)
	for len(w.queue) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	close(w.stop)
	w.wg.Wait()
}

func (w *DBWriter) worker() {
	defer w.wg.Done()
	for {
		select {
		case job := <-w.queue:
			w.process(job)
		case <-w.stop:
			// Drain whatever is left before exiting.
			for {
				select {
				case job := <-w.queue:
					w.process(job)
				default:
					return
				}
			}
		case <-time.After(writerPoll):
		}
	}
}

func (w *DBWriter) process(job *WriteJob) {
	err := w.write(job)
	w.mu.Lock()
	if err != nil {
		w.failed++
	} else {
		w.written++
	}
	w.mu.Unlock()

	if err == nil {
		return
	}
	monitoring.Logf("[ATTENDANCE] write failed emp=%s cam=%s: %v", job.EmployeeID, job.CameraID, err)
	if w.journal != nil {
		if jerr := w.journal.Put(job); jerr != nil {
			monitoring.Logf("[ATTENDANCE] spool failed emp=%s: %v", job.EmployeeID, jerr)
		}
	}
}
