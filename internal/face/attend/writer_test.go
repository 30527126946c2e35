package attend

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/facegate/presence/internal/monitoring"
)

func silenceLogs(t *testing.T) {
	t.Helper()
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(orig) })
}

func job(emp string) *WriteJob {
	return &WriteJob{ID: emp + "-job", EmployeeID: emp, CompanyID: "acme", CameraID: "cam-1", MarkedAt: time.Unix(1000, 0)}
}

func TestDBWriterProcessesJobs(t *testing.T) {
	var mu sync.Mutex
	var got []string
	w := NewDBWriter(func(j *WriteJob) error {
		mu.Lock()
		got = append(got, j.EmployeeID)
		mu.Unlock()
		return nil
	}, nil)

	assert.True(t, w.Enqueue(job("emp-1")))
	assert.True(t, w.Enqueue(job("emp-2")))
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"emp-1", "emp-2"}, got)
	written, failed := w.Counts()
	assert.EqualValues(t, 2, written)
	assert.Zero(t, failed)
}

func TestDBWriterBackpressure(t *testing.T) {
	silenceLogs(t)
	block := make(chan struct{})
	w := NewDBWriter(func(j *WriteJob) error {
		<-block
		return nil
	}, nil)

	// One job parks the worker; fill the queue behind it.
	w.Enqueue(job("parked"))
	deadline := time.Now().Add(time.Second)
	for len(w.queue) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	filled := 0
	for i := 0; i < writerQueueSize+10; i++ {
		if w.Enqueue(job("bulk")) {
			filled++
		}
	}
	assert.Equal(t, writerQueueSize, filled, "enqueue must return false once full")

	close(block)
	w.Stop()
}

func TestDBWriterSpoolsFailures(t *testing.T) {
	silenceLogs(t)
	var mu sync.Mutex
	var spooled []string
	j := journalFunc(func(job *WriteJob) error {
		mu.Lock()
		spooled = append(spooled, job.EmployeeID)
		mu.Unlock()
		return nil
	})

	w := NewDBWriter(func(*WriteJob) error { return errors.New("backend down") }, j)
	w.Enqueue(job("emp-1"))
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"emp-1"}, spooled)
	_, failed := w.Counts()
	assert.EqualValues(t, 1, failed)
}

type journalFunc func(*WriteJob) error

func (f journalFunc) Put(j *WriteJob) error { return f(j) }

func TestERPQueueRetriesThenErrors(t *testing.T) {
	silenceLogs(t)
	var mu sync.Mutex
	attempts := 0
	var finalErr error
	done := make(chan struct{})

	q := NewERPPushQueue(func(ERPJob) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("erp down")
	}, func(err error, _ ERPJob) {
		finalErr = err
		close(done)
	}, time.Millisecond)
	defer q.Stop()

	assert.True(t, q.Enqueue(ERPJob{EmpID: "emp-1"}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("error callback not fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, erpMaxRetries, attempts)
	assert.Error(t, finalErr)
}

func TestERPQueueDeliversAfterTransientFailure(t *testing.T) {
	silenceLogs(t)
	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	q := NewERPPushQueue(func(ERPJob) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return errors.New("blip")
		}
		close(done)
		return nil
	}, nil, time.Millisecond)
	defer q.Stop()

	q.Enqueue(ERPJob{EmpID: "emp-1"})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never delivered")
	}
}

func TestNewERPJobFormatsFields(t *testing.T) {
	at := time.Date(2026, 8, 24, 9, 5, 7, 0, time.UTC)
	j := NewERPJob(&WriteJob{EmployeeID: "emp-9", CameraName: "Front Gate", MarkedAt: at})
	assert.Equal(t, "24/08/2026", j.AttendanceDate)
	assert.Equal(t, "09:05:07", j.InTime)
	assert.Equal(t, "Front Gate", j.InLocation)
	assert.Equal(t, "emp-9", j.EmpID)
}
