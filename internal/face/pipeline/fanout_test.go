package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facegate/presence/internal/clients"
	"github.com/facegate/presence/internal/face/attend"
	"github.com/facegate/presence/internal/httputil"
)

func testWriteJob(stream string) *attend.WriteJob {
	return &attend.WriteJob{
		ID:         "job-1",
		EmployeeID: "emp-1",
		Name:       "Alice Rahman",
		CompanyID:  "acme",
		CameraID:   "cam-1",
		CameraName: "Front Gate",
		StreamType: stream,
		Confidence: 0.72,
		MarkedAt:   time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC),
	}
}

func TestFanoutPostsBackendAndSideChannels(t *testing.T) {
	silence(t)
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(201, `{}`)
	backend := clients.NewBackend(mock, "http://127.0.0.1:3001", "/api/v1")

	var pushed []attend.ERPJob
	erpq := attend.NewERPPushQueue(func(j attend.ERPJob) error {
		pushed = append(pushed, j)
		return nil
	}, nil, time.Millisecond)
	defer erpq.Stop()

	relayMock := httputil.NewMockHTTPClient()
	relay := attend.NewRelay("http://relay.local/on", time.Millisecond, relayMock, nil)
	voice := attend.NewVoiceLog(10, nil, nil)

	write := NewWriteFanout(backend, Sinks{ERP: erpq, Relay: relay, Voice: voice})
	require.NoError(t, write(testWriteJob("attendance")))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(mock.GetBody(0), &body))
	assert.Equal(t, "emp-1", body["employeeId"])
	assert.Equal(t, "attendance", body["event_type"])
	assert.Equal(t, "acme", mock.GetRequest(0).Header.Get("x-company-id"))

	// ERP job drains asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(pushed) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	require.Len(t, pushed, 1)
	assert.Equal(t, "emp-1", pushed[0].EmpID)
	assert.Equal(t, "24/08/2026", pushed[0].AttendanceDate)

	page := voice.Events("acme", 0, 10, 0)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "Thank you, Alice.", page.Events[0].Text)
}

func TestFanoutSkipsSideChannelsForRecordOnlyTypes(t *testing.T) {
	silence(t)
	for _, stream := range []string{"headcount", "ot"} {
		mock := httputil.NewMockHTTPClient()
		mock.AddResponse(201, `{}`)
		backend := clients.NewBackend(mock, "http://127.0.0.1:3001", "/api/v1")

		var pushed []attend.ERPJob
		erpq := attend.NewERPPushQueue(func(j attend.ERPJob) error {
			pushed = append(pushed, j)
			return nil
		}, nil, time.Millisecond)
		voice := attend.NewVoiceLog(10, nil, nil)

		write := NewWriteFanout(backend, Sinks{ERP: erpq, Voice: voice})
		require.NoError(t, write(testWriteJob(stream)))

		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, pushed, stream)
		assert.Empty(t, voice.Events("acme", 0, 10, 0).Events, stream)
		require.Equal(t, 1, mock.RequestCount(), "backend still gets the mark")

		// The event type survives onto the backend record.
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(mock.GetBody(0), &body))
		assert.Equal(t, stream, body["event_type"])
		erpq.Stop()
	}
}

func TestFanoutBackendFailurePropagates(t *testing.T) {
	silence(t)
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(502, `bad gateway`)
	backend := clients.NewBackend(mock, "http://127.0.0.1:3001", "/api/v1")
	voice := attend.NewVoiceLog(10, nil, nil)

	write := NewWriteFanout(backend, Sinks{Voice: voice})
	err := write(testWriteJob("attendance"))
	require.Error(t, err)
	assert.Empty(t, voice.Events("acme", 0, 10, 0).Events, "no voice event on failed write")
}
