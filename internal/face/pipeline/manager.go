package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/facegate/presence/internal/config"
	"github.com/facegate/presence/internal/face/capture"
)

// Manager owns the camera runtimes plus the per-camera attendance state:
// the enable flag, the active stream type and the viewer reference counts
// that drive both.
type Manager struct {
	deps       Deps
	captureCfg capture.Config

	// defaultEnabled applies to cameras no viewer or toggle has touched.
	defaultEnabled bool

	mu           sync.Mutex
	runtimes     map[string]*Runtime
	enabled      map[string]bool
	activeType   map[string]string
	viewerTotal  map[string]int
	viewerByType map[string]map[string]int
}

// NewManager returns an empty manager. Attendance marking starts enabled
// unless the config says otherwise.
func NewManager(deps Deps, captureCfg capture.Config, attendanceEnabled bool) *Manager {
	m := &Manager{
		deps:           deps,
		captureCfg:     captureCfg,
		defaultEnabled: attendanceEnabled,
		runtimes:       make(map[string]*Runtime),
		enabled:        make(map[string]bool),
		activeType:     make(map[string]string),
		viewerTotal:    make(map[string]int),
		viewerByType:   make(map[string]map[string]int),
	}
	if m.deps.AttendanceEnabled == nil {
		m.deps.AttendanceEnabled = m.AttendanceEnabled
	}
	if m.deps.ActiveStreamType == nil {
		m.deps.ActiveStreamType = m.ActiveStreamType
	}
	return m
}

// AttendanceEnabled reports whether the camera should mark attendance.
func (m *Manager) AttendanceEnabled(cameraID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on, ok := m.enabled[cameraID]; ok {
		return on
	}
	return m.defaultEnabled
}

// SetAttendanceEnabled flips one camera's attendance toggle. Viewer
// connects and disconnects overwrite it.
func (m *Manager) SetAttendanceEnabled(cameraID string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled[cameraID] = on
}

// ActiveStreamType returns the viewer-selected stream type for a camera,
// or "" when no viewer has ever chosen one.
func (m *Manager) ActiveStreamType(cameraID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeType[cameraID]
}

// ViewerJoin counts a recognition-stream viewer in and returns the new
// viewer total for the camera.
func (m *Manager) ViewerJoin(cameraID, streamType string) int {
	st := config.NormalizeStreamType(streamType)
	m.mu.Lock()
	defer m.mu.Unlock()

	m.viewerTotal[cameraID]++
	byType := m.viewerByType[cameraID]
	if byType == nil {
		byType = make(map[string]int)
		m.viewerByType[cameraID] = byType
	}
	byType[st]++
	m.updateViewerStateLocked(cameraID)
	return m.viewerTotal[cameraID]
}

// ViewerLeave counts a viewer out and returns the remaining total.
func (m *Manager) ViewerLeave(cameraID, streamType string) int {
	st := config.NormalizeStreamType(streamType)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.viewerTotal[cameraID] <= 1 {
		delete(m.viewerTotal, cameraID)
	} else {
		m.viewerTotal[cameraID]--
	}
	if byType := m.viewerByType[cameraID]; byType != nil {
		if byType[st] <= 1 {
			delete(byType, st)
		} else {
			byType[st]--
		}
		if len(byType) == 0 {
			delete(m.viewerByType, cameraID)
		}
	}
	m.updateViewerStateLocked(cameraID)
	return m.viewerTotal[cameraID]
}

// updateViewerStateLocked derives the camera's attendance flag and active
// stream type from its viewer counts: enabled iff anyone is watching, type
// by priority attendance > headcount > ot.
func (m *Manager) updateViewerStateLocked(cameraID string) {
	byType := m.viewerByType[cameraID]
	m.enabled[cameraID] = len(byType) > 0

	active := config.StreamTypeAttendance
	switch {
	case byType[config.StreamTypeAttendance] > 0:
		active = config.StreamTypeAttendance
	case byType[config.StreamTypeHeadcount] > 0:
		active = config.StreamTypeHeadcount
	case byType[config.StreamTypeOT] > 0:
		active = config.StreamTypeOT
	}
	m.activeType[cameraID] = active
}

// Start launches a runtime for the camera. A nil factory makes an
// inject-only camera (frames arrive over WebRTC). Starting an already
// running camera id is an error.
func (m *Manager) Start(ctx context.Context, cam config.CameraConfig, factory capture.SourceFactory) (*Runtime, error) {
	if cam.ID == "" {
		return nil, fmt.Errorf("camera id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runtimes[cam.ID]; ok {
		return nil, fmt.Errorf("camera %q already running", cam.ID)
	}

	grabber := capture.NewGrabber(cam.ID, factory, m.captureCfg, m.deps.Now)
	rt := newRuntime(cam, grabber, m.deps)
	rt.start(ctx)
	m.runtimes[cam.ID] = rt
	return rt, nil
}

// Stop shuts down one camera runtime. Returns false when not running.
func (m *Manager) Stop(cameraID string) bool {
	m.mu.Lock()
	rt, ok := m.runtimes[cameraID]
	delete(m.runtimes, cameraID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	rt.stop()
	return true
}

// StopAll shuts down every runtime.
func (m *Manager) StopAll() {
	m.mu.Lock()
	rts := make([]*Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		rts = append(rts, rt)
	}
	m.runtimes = make(map[string]*Runtime)
	m.mu.Unlock()
	for _, rt := range rts {
		rt.stop()
	}
}

// Get returns the runtime for a camera id, or nil.
func (m *Manager) Get(cameraID string) *Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runtimes[cameraID]
}

// List returns the running camera ids.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	return ids
}
