package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facegate/presence/internal/config"
	"github.com/facegate/presence/internal/face"
	"github.com/facegate/presence/internal/face/arbiter"
	"github.com/facegate/presence/internal/face/attend"
	"github.com/facegate/presence/internal/face/capture"
	"github.com/facegate/presence/internal/face/gallery"
	"github.com/facegate/presence/internal/face/pipeline"
	"github.com/facegate/presence/internal/face/spoof"
	"github.com/facegate/presence/internal/monitoring"
)

type nullDetector struct{}

func (nullDetector) Detect(*face.Frame) ([]face.Detection, error) { return nil, nil }

type nullEmbedder struct{}

func (nullEmbedder) Embed(*face.Frame, face.Box, *face.Keypoints) (face.Embedding, error) {
	return nil, nil
}

type nullLoader struct{}

func (nullLoader) LoadTemplates(string) ([]gallery.Entry, error) { return nil, nil }

// stuckSource never produces frames; tests feed the grabber via Inject.
type stuckSource struct{}

func (s *stuckSource) Read() (*face.Frame, error) {
	time.Sleep(10 * time.Millisecond)
	return nil, errors.New("no frames")
}
func (s *stuckSource) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *pipeline.Manager) {
	t.Helper()
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(orig) })

	arb := arbiter.New(nullDetector{}, 3)
	t.Cleanup(arb.Stop)
	writer := attend.NewDBWriter(func(*attend.WriteJob) error { return nil }, nil)
	t.Cleanup(writer.Stop)

	deps := pipeline.Deps{
		Tuning:    config.EmptyTuningConfig(),
		Arbiter:   arb,
		Galleries: gallery.NewStore(nullLoader{}, time.Second, nil),
		Embedder:  nullEmbedder{},
		Spoof:     spoof.NewGate(config.SpoofConfig{}, nil, nil),
		Writer:    writer,
	}
	m := pipeline.NewManager(deps, capture.Config{}, true)
	t.Cleanup(m.StopAll)

	cfg := config.DefaultAppConfig()
	cfg.HLSDir = ""
	voice := attend.NewVoiceLog(10, nil, nil)
	opener := func(url string) capture.SourceFactory {
		return func() (capture.Source, error) {
			return &stuckSource{}, nil
		}
	}
	return NewServer(cfg, m, voice, opener), m
}

func doJSON(t *testing.T, h http.Handler, method, target string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := doJSON(t, s.ServeMux(), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
}

func TestCameraStartStop(t *testing.T) {
	s, m := newTestServer(t)
	mux := s.ServeMux()

	code, body := doJSON(t, mux, http.MethodPost, "/camera/start?camera_id=cam-1&rtsp_url=rtsp://x/stream")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["startedNow"])
	require.NotNil(t, m.Get("cam-1"))

	// Second start of the same id is idempotent, not an error.
	code, body = doJSON(t, mux, http.MethodPost, "/camera/start?camera_id=cam-1&rtsp_url=rtsp://x/stream")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["startedNow"])

	code, body = doJSON(t, mux, http.MethodPost, "/camera/stop?camera_id=cam-1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["stoppedNow"])
	assert.Nil(t, m.Get("cam-1"))

	code, body = doJSON(t, mux, http.MethodPost, "/camera/stop?camera_id=cam-1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["stoppedNow"])
}

func TestCameraStartValidation(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.ServeMux()

	code, _ := doJSON(t, mux, http.MethodPost, "/camera/start?camera_id=cam-1")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = doJSON(t, mux, http.MethodDelete, "/camera/start?camera_id=cam-1&rtsp_url=rtsp://x")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestCameraStartResolvesCompanyFromLaptopID(t *testing.T) {
	s, m := newTestServer(t)
	mux := s.ServeMux()

	code, _ := doJSON(t, mux, http.MethodPost, "/camera/start?camera_id=laptop-acme&rtsp_url=rtsp://x/s")
	require.Equal(t, http.StatusOK, code)
	rt := m.Get("laptop-acme")
	require.NotNil(t, rt)
	assert.Equal(t, "acme", rt.Camera().CompanyID)
}

func TestSnapshot(t *testing.T) {
	s, m := newTestServer(t)
	mux := s.ServeMux()

	code, _ := doJSON(t, mux, http.MethodGet, "/camera/snapshot/cam-1")
	assert.Equal(t, http.StatusNotFound, code)

	doJSON(t, mux, http.MethodPost, "/camera/start?camera_id=cam-1&rtsp_url=rtsp://x/s")

	// No frame yet.
	code, _ = doJSON(t, mux, http.MethodGet, "/camera/snapshot/cam-1")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	m.Get("cam-1").Grabber().Inject(&face.Frame{Width: 8, Height: 8, Pix: make([]byte, 8*8*3)})

	req := httptest.NewRequest(http.MethodGet, "/camera/snapshot/cam-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
	assert.True(t, rec.Body.Len() > 2)
}

func TestAttendanceToggleEndpoints(t *testing.T) {
	s, m := newTestServer(t)
	mux := s.ServeMux()

	code, body := doJSON(t, mux, http.MethodGet, "/attendance/enabled?camera_id=cam-1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["enabled"])

	code, _ = doJSON(t, mux, http.MethodPost, "/attendance/disable?camera_id=cam-1")
	require.Equal(t, http.StatusOK, code)
	assert.False(t, m.AttendanceEnabled("cam-1"))
	// The toggle is scoped to one camera.
	assert.True(t, m.AttendanceEnabled("cam-2"))

	code, _ = doJSON(t, mux, http.MethodPost, "/attendance/enable?camera_id=cam-1")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, m.AttendanceEnabled("cam-1"))

	// camera_id is required.
	code, _ = doJSON(t, mux, http.MethodPost, "/attendance/disable")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = doJSON(t, mux, http.MethodGet, "/attendance/enabled")
	assert.Equal(t, http.StatusBadRequest, code)

	// Toggles are POST-only.
	code, _ = doJSON(t, mux, http.MethodGet, "/attendance/disable?camera_id=cam-1")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestRecognitionStreamCountsViewers(t *testing.T) {
	s, m := newTestServer(t)
	mux := s.ServeMux()

	doJSON(t, mux, http.MethodPost, "/camera/start?camera_id=cam-1&rtsp_url=rtsp://x/s")

	// A canceled request context makes the MJPEG loop exit on its first
	// pass, so the handler's join/leave bracket runs to completion.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/camera/recognition/stream/cam-1/Cam?type=ot", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	// The viewer came and went: attendance is off again and the active
	// type reset to the default.
	assert.False(t, m.AttendanceEnabled("cam-1"))
	assert.Equal(t, "attendance", m.ActiveStreamType("cam-1"))
}

func TestVoiceEventsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.ServeMux()

	s.voice.Push(&attend.WriteJob{EmployeeID: "e-1", Name: "Alice Rahman", CompanyID: "acme"})
	s.voice.Push(&attend.WriteJob{EmployeeID: "e-2", Name: "Bob", CompanyID: "other"})

	code, body := doJSON(t, mux, http.MethodGet, "/attendance/voice-events?companyId=acme&after_seq=0")
	require.Equal(t, http.StatusOK, code)
	events := body["events"].([]interface{})
	require.Len(t, events, 1)
	ev := events[0].(map[string]interface{})
	assert.Equal(t, "Thank you, Alice.", ev["text"])
	assert.EqualValues(t, 1, body["latest_seq"])

	// Company can come from the header too.
	req := httptest.NewRequest(http.MethodGet, "/attendance/voice-events?after_seq=0", nil)
	req.Header.Set("x-company-id", "other")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var hb map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hb))
	assert.Len(t, hb["events"].([]interface{}), 1)
}

func TestRecognitionStreamUnknownCamera(t *testing.T) {
	s, _ := newTestServer(t)
	code, _ := doJSON(t, s.ServeMux(), http.MethodGet, "/camera/recognition/stream/nope/Cam")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestResolveCompanyPrecedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?companyId=q", nil)
	req.Header.Set("x-company-id", "h")
	assert.Equal(t, "q", resolveCompany(req, "laptop-c"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("x-company-id", "h")
	assert.Equal(t, "h", resolveCompany(req, "laptop-c"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	assert.Equal(t, "c", resolveCompany(req, "laptop-c"))
	assert.Equal(t, "", resolveCompany(req, "cam-1"))
}
