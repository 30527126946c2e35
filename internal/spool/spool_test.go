package spool

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facegate/presence/internal/face/attend"
)

func openTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testJob(emp string) *attend.WriteJob {
	return &attend.WriteJob{
		ID:         uuid.NewString(),
		EmployeeID: emp,
		Name:       "Test Person",
		CompanyID:  "acme",
		CameraID:   "cam-1",
		CameraName: "Front Gate",
		StreamType: "attendance",
		Confidence: 0.61,
		MarkedAt:   time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC),
	}
}

func TestPutAndPending(t *testing.T) {
	s := openTestSpool(t)

	j1 := testJob("e-1")
	j2 := testJob("e-2")
	require.NoError(t, s.Put(j1))
	require.NoError(t, s.Put(j2))

	n, err := s.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs, err := s.Pending(10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, j1.ID, jobs[0].ID)
	assert.Equal(t, "e-1", jobs[0].EmployeeID)
	assert.Equal(t, "Front Gate", jobs[0].CameraName)
	assert.InDelta(t, 0.61, jobs[0].Confidence, 1e-9)
	assert.True(t, jobs[0].MarkedAt.Equal(j1.MarkedAt))
}

func TestPutSameIDOverwrites(t *testing.T) {
	s := openTestSpool(t)

	j := testJob("e-1")
	require.NoError(t, s.Put(j))
	j.Name = "Renamed"
	require.NoError(t, s.Put(j))

	jobs, err := s.Pending(10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "Renamed", jobs[0].Name)
}

func TestMarkDoneHidesJob(t *testing.T) {
	s := openTestSpool(t)

	j := testJob("e-1")
	require.NoError(t, s.Put(j))
	require.NoError(t, s.MarkDone(j.ID))

	n, err := s.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)

	jobs, err := s.Pending(10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRetryOnceDeliversAndStopsOnFailure(t *testing.T) {
	s := openTestSpool(t)

	good := testJob("e-1")
	bad := testJob("e-2")
	require.NoError(t, s.Put(good))
	require.NoError(t, s.Put(bad))

	var delivered []string
	s.retryOnce(func(job *attend.WriteJob) error {
		if job.EmployeeID == "e-2" {
			return errors.New("backend down")
		}
		delivered = append(delivered, job.EmployeeID)
		return nil
	})

	assert.Equal(t, []string{"e-1"}, delivered)
	n, err := s.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Next cycle drains the rest once the backend recovers.
	s.retryOnce(func(job *attend.WriteJob) error {
		delivered = append(delivered, job.EmployeeID)
		return nil
	})
	assert.Equal(t, []string{"e-1", "e-2"}, delivered)
	n, err = s.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReopenKeepsJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(testJob("e-1")))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	n, err := s2.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
