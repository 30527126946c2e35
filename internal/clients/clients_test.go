package clients

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facegate/presence/internal/face/attend"
	"github.com/facegate/presence/internal/httputil"
)

func TestBackendURLAndCompanyHeader(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `[]`)
	b := NewBackend(mock, "http://127.0.0.1:3001/", "/api/v1")

	_, err := b.ListEmployees(context.Background(), "acme")
	require.NoError(t, err)

	req := mock.GetRequest(0)
	require.NotNil(t, req)
	assert.Equal(t, "http://127.0.0.1:3001/api/v1/employees", req.URL.String())
	assert.Equal(t, "acme", req.Header.Get("x-company-id"))
}

func TestBackendOmitsEmptyCompanyHeader(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{}`)
	b := NewBackend(mock, "http://127.0.0.1:3001", "/api/v1")

	require.NoError(t, b.Health(context.Background()))
	assert.Empty(t, mock.GetRequest(0).Header.Get("x-company-id"))
}

func TestCreateAttendancePayload(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(201, `{"ok":true}`)
	b := NewBackend(mock, "http://127.0.0.1:3001", "/api/v1")

	conf := 0.61
	err := b.CreateAttendance(context.Background(), "acme", AttendanceRecord{
		EmployeeID: "e-7",
		Timestamp:  "2026-08-24T09:30:00Z",
		CameraID:   "cam-1",
		Confidence: &conf,
		EventType:  "attendance",
	})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(mock.GetBody(0), &got))
	assert.Equal(t, "e-7", got["employeeId"])
	assert.Equal(t, "cam-1", got["cameraId"])
	assert.Equal(t, "attendance", got["event_type"])
	assert.InDelta(t, 0.61, got["confidence"].(float64), 1e-9)
	_, hasSnapshot := got["snapshotPath"]
	assert.False(t, hasSnapshot)
}

func TestBackendErrorStatus(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(500, `upstream exploded`)
	b := NewBackend(mock, "http://127.0.0.1:3001", "/api/v1")

	err := b.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Contains(t, err.Error(), "upstream exploded")
}

func TestLoadTemplatesFilters(t *testing.T) {
	long := make([]float32, 16)
	for i := range long {
		long[i] = 0.25
	}
	rows := []Template{
		{EmployeeID: "e-1", EmployeeName: "Alice", Embedding: long},
		{EmployeeID: "", Embedding: long},                              // no id
		{EmployeeID: "e-2", Embedding: []float32{1, 2, 3}},             // truncated
		{EmployeeID: "e-3", Name: "Bob", Embedding: long},              // name fallback
		{EmployeeID: "e-4", Embedding: long},                           // id fallback
	}
	body, _ := json.Marshal(rows)

	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, string(body))
	b := NewBackend(mock, "http://127.0.0.1:3001", "/api/v1")

	entries, err := b.LoadTemplates("acme")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "Alice", entries[0].Name)
	assert.Equal(t, "Bob", entries[1].Name)
	assert.Equal(t, "e-4", entries[2].Name)
	assert.Len(t, entries[0].Embedding, 16)
}

func TestERPManualAttendance(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{}`)
	e := NewERP(mock, "http://erp.example.com/")

	marked := time.Date(2026, 1, 3, 9, 0, 0, 0, time.Local)
	job := attend.NewERPJob(&attend.WriteJob{
		EmployeeID: "e-7",
		CameraName: "Front Gate",
		MarkedAt:   marked,
	})
	require.NoError(t, e.PushManualAttendance(context.Background(), job))

	req := mock.GetRequest(0)
	assert.Equal(t, "http://erp.example.com/api/v2/Attendance/manual-attendance", req.URL.String())
	assert.Equal(t, "*/*", req.Header.Get("accept"))
	assert.Equal(t, "2.0", req.Header.Get("x-api-version"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	var got map[string]string
	require.NoError(t, json.Unmarshal(mock.GetBody(0), &got))
	assert.Equal(t, "03/01/2026", got["attendanceDate"])
	assert.Equal(t, "09:00:00", got["inTime"])
	assert.Equal(t, "Front Gate", got["inLocation"])
	assert.Equal(t, "e-7", got["empId"])
	assert.Empty(t, req.Header.Get("x-api-key"))
}

func TestERPAPIKeyHeader(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{}`)
	e := NewERP(mock, "http://erp.example.com")
	e.SetAPIKey("sekrit")

	require.NoError(t, e.PushManualAttendance(context.Background(), attend.ERPJob{EmpID: "e-7"}))
	assert.Equal(t, "sekrit", mock.GetRequest(0).Header.Get("x-api-key"))
}

func TestERPPushFuncPropagatesFailure(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(503, `down`)
	e := NewERP(mock, "http://erp.example.com")

	err := e.PushFunc()(attend.ERPJob{EmpID: "e-7"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}
