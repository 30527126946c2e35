// Package api exposes the HTTP surface: camera control, MJPEG/HLS viewing,
// attendance control, voice event long-polling and WebRTC signaling.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/facegate/presence/internal/config"
	"github.com/facegate/presence/internal/face/attend"
	"github.com/facegate/presence/internal/face/capture"
	"github.com/facegate/presence/internal/face/pipeline"
	"github.com/facegate/presence/internal/httputil"
	"github.com/facegate/presence/internal/monitoring"
	"github.com/facegate/presence/internal/version"
)

const (
	mjpegFrameInterval = 66 * time.Millisecond // ~15 fps to viewers
	annotatedMaxAge    = 1500 * time.Millisecond
	laptopPrefix       = "laptop-"
)

// SourceOpener builds a frame source factory for a camera URL. Injected so
// tests do not need ffmpeg.
type SourceOpener func(url string) capture.SourceFactory

// Server wires the HTTP handlers to the pipeline manager.
type Server struct {
	cfg     *config.AppConfig
	manager *pipeline.Manager
	voice   *attend.VoiceLog
	open    SourceOpener
}

// NewServer returns a server. A nil opener uses the ffmpeg decoder at
// 640x480.
func NewServer(cfg *config.AppConfig, manager *pipeline.Manager, voice *attend.VoiceLog, open SourceOpener) *Server {
	if open == nil {
		open = func(url string) capture.SourceFactory {
			return capture.FFmpegFactory(url, 640, 480)
		}
	}
	return &Server{cfg: cfg, manager: manager, voice: voice, open: open}
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/camera/start", s.handleCameraStart)
	mux.HandleFunc("/camera/stop", s.handleCameraStop)
	mux.HandleFunc("/camera/list", s.handleCameraList)
	mux.HandleFunc("/camera/snapshot/", s.handleSnapshot)
	mux.HandleFunc("/camera/stream/", s.handleRawStream)
	mux.HandleFunc("/camera/recognition/stream/", s.handleRecognitionStream)
	mux.HandleFunc("/attendance/enable", s.handleAttendanceEnable)
	mux.HandleFunc("/attendance/disable", s.handleAttendanceDisable)
	mux.HandleFunc("/attendance/enabled", s.handleAttendanceEnabled)
	mux.HandleFunc("/attendance/voice-events", s.handleVoiceEvents)
	mux.HandleFunc("/webrtc/signal", s.handleWebRTCSignal)
	if s.cfg.HLSDir != "" {
		mux.Handle("/hls/", http.StripPrefix("/hls/", http.FileServer(http.Dir(s.cfg.HLSDir))))
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]interface{}{
		"ok":      true,
		"cameras": len(s.manager.List()),
		"version": version.Version,
	})
}

// resolveCompany picks the company id from the query, the header, or a
// laptop-<company> camera id.
func resolveCompany(r *http.Request, cameraID string) string {
	if c := strings.TrimSpace(r.URL.Query().Get("companyId")); c != "" {
		return c
	}
	if c := strings.TrimSpace(r.Header.Get("x-company-id")); c != "" {
		return c
	}
	if strings.HasPrefix(cameraID, laptopPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(cameraID, laptopPrefix))
	}
	return ""
}

func (s *Server) handleCameraStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	cameraID := strings.TrimSpace(q.Get("camera_id"))
	rtspURL := strings.TrimSpace(q.Get("rtsp_url"))
	if cameraID == "" || rtspURL == "" {
		httputil.BadRequest(w, "camera_id and rtsp_url are required")
		return
	}

	cam := config.CameraConfig{
		ID:         cameraID,
		Name:       strings.TrimSpace(q.Get("name")),
		URL:        rtspURL,
		StreamType: config.NormalizeStreamType(q.Get("type")),
		CompanyID:  resolveCompany(r, cameraID),
	}
	if cam.Name == "" {
		cam.Name = cameraID
	}

	startedNow := true
	if _, err := s.manager.Start(r.Context(), cam, s.open(rtspURL)); err != nil {
		if s.manager.Get(cameraID) == nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		startedNow = false
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"ok": true, "startedNow": startedNow, "camera_id": cameraID, "rtsp_url": rtspURL,
	})
}

func (s *Server) handleCameraStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	cameraID := strings.TrimSpace(r.URL.Query().Get("camera_id"))
	if cameraID == "" {
		httputil.BadRequest(w, "camera_id is required")
		return
	}
	stopped := s.manager.Stop(cameraID)
	httputil.WriteJSONOK(w, map[string]interface{}{"ok": true, "stoppedNow": stopped, "camera_id": cameraID})
}

func (s *Server) handleCameraList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"ok": true, "cameras": s.manager.List()})
}

func pathTail(path, prefix string) string {
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	cameraID := pathTail(r.URL.Path, "/camera/snapshot/")
	rt := s.manager.Get(cameraID)
	if rt == nil {
		httputil.NotFound(w, fmt.Sprintf("camera %q not running", cameraID))
		return
	}
	data, err := rt.SnapshotJPEG()
	if err != nil {
		httputil.ServiceUnavailable(w, "no frame yet")
		return
	}
	noCache(w)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(data)
}

func (s *Server) handleRawStream(w http.ResponseWriter, r *http.Request) {
	cameraID := pathTail(r.URL.Path, "/camera/stream/")
	rt := s.manager.Get(cameraID)
	if rt == nil {
		httputil.NotFound(w, fmt.Sprintf("camera %q not running", cameraID))
		return
	}
	s.serveMJPEG(w, r, rt.SnapshotJPEG)
}

func (s *Server) handleRecognitionStream(w http.ResponseWriter, r *http.Request) {
	// Path: /camera/recognition/stream/{camera_id}[/{camera_name}]
	tail := pathTail(r.URL.Path, "/camera/recognition/stream/")
	cameraID := tail
	if i := strings.IndexByte(tail, '/'); i >= 0 {
		cameraID = tail[:i]
	}
	rt := s.manager.Get(cameraID)
	if rt == nil {
		httputil.NotFound(w, fmt.Sprintf("camera %q not running", cameraID))
		return
	}

	// Viewers drive the camera's attendance state: marking runs while
	// someone is watching, and the viewer mix picks the event type.
	streamType := config.NormalizeStreamType(r.URL.Query().Get("type"))
	s.manager.ViewerJoin(cameraID, streamType)
	defer s.manager.ViewerLeave(cameraID, streamType)

	s.serveMJPEG(w, r, func() ([]byte, error) {
		return rt.AnnotatedJPEG(annotatedMaxAge)
	})
}

// serveMJPEG pushes multipart JPEG parts until the client goes away.
func (s *Server) serveMJPEG(w http.ResponseWriter, r *http.Request, next func() ([]byte, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}
	noCache(w)
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")

	ticker := time.NewTicker(mjpegFrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		data, err := next()
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		if _, err := fmt.Fprint(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleAttendanceEnable(w http.ResponseWriter, r *http.Request) {
	s.setAttendance(w, r, true)
}

func (s *Server) handleAttendanceDisable(w http.ResponseWriter, r *http.Request) {
	s.setAttendance(w, r, false)
}

func (s *Server) setAttendance(w http.ResponseWriter, r *http.Request, on bool) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	cameraID := strings.TrimSpace(r.URL.Query().Get("camera_id"))
	if cameraID == "" {
		httputil.BadRequest(w, "camera_id is required")
		return
	}
	s.manager.SetAttendanceEnabled(cameraID, on)
	monitoring.Logf("[API] attendance marking %s cam=%s",
		map[bool]string{true: "enabled", false: "disabled"}[on], cameraID)
	httputil.WriteJSONOK(w, map[string]interface{}{"ok": true, "camera_id": cameraID, "enabled": on})
}

func (s *Server) handleAttendanceEnabled(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	cameraID := strings.TrimSpace(r.URL.Query().Get("camera_id"))
	if cameraID == "" {
		httputil.BadRequest(w, "camera_id is required")
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"ok":        true,
		"camera_id": cameraID,
		"enabled":   s.manager.AttendanceEnabled(cameraID),
	})
}

func (s *Server) handleVoiceEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	afterSeq, _ := strconv.ParseUint(q.Get("after_seq"), 10, 64)
	limit := 50
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	waitMS, _ := strconv.Atoi(q.Get("wait_ms"))
	company := resolveCompany(r, q.Get("camera_id"))

	page := s.voice.Events(company, afterSeq, limit, time.Duration(waitMS)*time.Millisecond)
	httputil.WriteJSONOK(w, map[string]interface{}{
		"ok":         true,
		"latest_seq": page.LatestSeq,
		"events":     page.Events,
		"limited":    page.Limited,
	})
}

