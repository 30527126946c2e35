package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"

	"github.com/facegate/presence/internal/config"
	"github.com/facegate/presence/internal/face"
	"github.com/facegate/presence/internal/monitoring"
)

const (
	iceGatherTimeout = 2 * time.Second
	pliInterval      = 3 * time.Second
	webrtcFrameW     = 640
	webrtcFrameH     = 480
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Signaling is same-origin in kiosk deployments but the kiosks hit the
	// service by IP, so origin checking is left to the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// signalMessage is one message on the signaling socket, in either direction.
type signalMessage struct {
	CameraID  string                     `json:"cameraId,omitempty"`
	CompanyID string                     `json:"companyId,omitempty"`
	Purpose   string                     `json:"purpose,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	ICE       *webrtc.ICECandidateInit   `json:"ice,omitempty"`
}

func isEnrollPurpose(p string) bool {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "enroll", "enrollment", "enroll2", "enroll2-auto":
		return true
	}
	return false
}

// handleWebRTCSignal accepts a browser offer over WebSocket, answers it and
// injects the received video track into the camera's pipeline runtime.
func (s *Server) handleWebRTCSignal(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	// Session id ties together log lines from concurrent signal sockets.
	sid := uuid.NewString()[:8]

	var (
		pc       *webrtc.PeerConnection
		cameraID string
	)
	defer func() {
		if pc != nil {
			pc.Close()
		}
	}()

	for {
		var msg signalMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				monitoring.Logf("[WebRTC] sid=%s signal read cam=%s: %v", sid, cameraID, err)
			}
			return
		}
		if msg.CameraID != "" {
			cameraID = msg.CameraID
		}
		if cameraID == "" {
			continue
		}

		switch {
		case msg.SDP != nil:
			if pc != nil {
				pc.Close()
			}
			pc, err = s.acceptOffer(r.Context(), ws, cameraID, msg)
			if err != nil {
				monitoring.Logf("[WebRTC] sid=%s offer failed cam=%s: %v", sid, cameraID, err)
				return
			}
		case msg.ICE != nil:
			if pc == nil {
				continue
			}
			if err := pc.AddICECandidate(*msg.ICE); err != nil {
				monitoring.Logf("[WebRTC] sid=%s ice candidate cam=%s: %v", sid, cameraID, err)
			}
		}
	}
}

func (s *Server) acceptOffer(ctx context.Context, ws *websocket.Conn, cameraID string, msg signalMessage) (*webrtc.PeerConnection, error) {
	if err := s.ensureInjectRuntime(ctx, cameraID, msg); err != nil {
		return nil, err
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		go s.keyframeLoop(pc, track)
		s.consumeVideoTrack(cameraID, track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		monitoring.Logf("[WebRTC] cam=%s state=%s", cameraID, state)
	})

	if err := pc.SetRemoteDescription(*msg.SDP); err != nil {
		pc.Close()
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, err
	}
	select {
	case <-gathered:
	case <-time.After(iceGatherTimeout):
	}

	local := pc.LocalDescription()
	if err := ws.WriteJSON(signalMessage{CameraID: cameraID, SDP: local}); err != nil {
		pc.Close()
		return nil, err
	}
	return pc, nil
}

// ensureInjectRuntime starts an inject-only camera runtime for browser
// cameras that are not already running.
func (s *Server) ensureInjectRuntime(ctx context.Context, cameraID string, msg signalMessage) error {
	if s.manager.Get(cameraID) != nil {
		return nil
	}
	company := strings.TrimSpace(msg.CompanyID)
	if company == "" && strings.HasPrefix(cameraID, laptopPrefix) {
		company = strings.TrimPrefix(cameraID, laptopPrefix)
	}
	streamType := "attendance"
	if isEnrollPurpose(msg.Purpose) {
		streamType = "enroll"
	}
	cam := config.CameraConfig{
		ID:         cameraID,
		Name:       "Laptop-" + cameraID,
		StreamType: streamType,
		CompanyID:  company,
	}
	// Detached from the request context: the runtime outlives the signal
	// socket and is stopped through the camera API or shutdown.
	if _, err := s.manager.Start(context.WithoutCancel(ctx), cam, nil); err != nil {
		return err
	}
	s.manager.SetAttendanceEnabled(cameraID, streamType != "enroll")
	return nil
}

// keyframeLoop asks the sender for a keyframe periodically so the decoder
// can (re)sync.
func (s *Server) keyframeLoop(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for range ticker.C {
		err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			return
		}
	}
}

// consumeVideoTrack depacketizes the track into an ffmpeg decoder and
// injects the resulting BGR frames. Returns when the track ends.
func (s *Server) consumeVideoTrack(cameraID string, track *webrtc.TrackRemote) {
	rt := s.manager.Get(cameraID)
	if rt == nil {
		return
	}
	mime := track.Codec().MimeType
	if mime != webrtc.MimeTypeVP8 && mime != webrtc.MimeTypeVP9 {
		monitoring.Logf("[WebRTC] unsupported video codec %s cam=%s", mime, cameraID)
		return
	}

	dec, err := startIVFDecoder(mime)
	if err != nil {
		monitoring.Logf("[WebRTC] decoder start failed cam=%s: %v", cameraID, err)
		return
	}
	defer dec.stop()

	go func() {
		for {
			frame, err := dec.readFrame()
			if err != nil {
				return
			}
			rt.Grabber().Inject(frame)
		}
	}()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				monitoring.Logf("[WebRTC] track ended cam=%s: %v", cameraID, err)
			}
			return
		}
		if err := dec.ivf.WriteRTP(pkt); err != nil {
			return
		}
	}
}

// ivfDecoder pipes depacketized IVF through ffmpeg to raw BGR frames.
type ivfDecoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	ivf    *ivfwriter.IVFWriter
}

func startIVFDecoder(mimeType string) (*ivfDecoder, error) {
	cmd := exec.Command("ffmpeg",
		"-nostdin", "-loglevel", "error",
		"-f", "ivf",
		"-i", "pipe:0",
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", webrtcFrameW, webrtcFrameH),
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"pipe:1",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	ivf, err := ivfwriter.NewWith(stdin, ivfwriter.WithCodec(mimeType))
	if err != nil {
		cmd.Process.Kill()
		return nil, err
	}
	return &ivfDecoder{cmd: cmd, stdin: stdin, stdout: stdout, ivf: ivf}, nil
}

func (d *ivfDecoder) readFrame() (*face.Frame, error) {
	pix := make([]byte, webrtcFrameW*webrtcFrameH*3)
	if _, err := io.ReadFull(d.stdout, pix); err != nil {
		return nil, err
	}
	return &face.Frame{Width: webrtcFrameW, Height: webrtcFrameH, Pix: pix, TS: time.Now()}, nil
}

func (d *ivfDecoder) stop() {
	d.ivf.Close()
	d.stdin.Close()
	d.stdout.Close()
	if d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
	d.cmd.Wait()
}
