// Package hls streams raw frames to an ffmpeg child process producing an
// HLS playlist per camera.
package hls

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/facegate/presence/internal/face"
	"github.com/facegate/presence/internal/monitoring"
)

// Writer pipes BGR frames into ffmpeg. The frame geometry is fixed at
// construction; frames of a different size are dropped.
type Writer struct {
	cameraID string
	dir      string
	width    int
	height   int
	fps      int

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	dead  bool
}

// NewWriter starts ffmpeg writing index.m3u8 under root/cameras/<id>/.
func NewWriter(root, cameraID string, width, height, fps int) (*Writer, error) {
	if fps <= 0 {
		fps = 25
	}
	dir := filepath.Join(root, "cameras", cameraID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("hls dir: %w", err)
	}

	w := &Writer{cameraID: cameraID, dir: dir, width: width, height: height, fps: fps}
	if err := w.spawn(); err != nil {
		return nil, err
	}
	return w, nil
}

// PlaylistPath returns the path of the generated playlist.
func (w *Writer) PlaylistPath() string {
	return filepath.Join(w.dir, "index.m3u8")
}

func (w *Writer) spawn() error {
	cmd := exec.Command("ffmpeg",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", w.width, w.height),
		"-r", fmt.Sprint(w.fps),
		"-i", "pipe:0",
		"-an",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-g", fmt.Sprint(w.fps),
		"-sc_threshold", "0",
		"-f", "hls",
		"-hls_time", "1",
		"-hls_list_size", "5",
		"-hls_flags", "delete_segments",
		w.PlaylistPath(),
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	w.cmd = cmd
	w.stdin = stdin
	w.dead = false

	go func() {
		err := cmd.Wait()
		w.mu.Lock()
		w.dead = true
		w.mu.Unlock()
		monitoring.Logf("[HLS] ffmpeg exited cam=%s: %v", w.cameraID, err)
	}()
	return nil
}

// Write sends one frame to ffmpeg. A dead encoder is respawned on the next
// call; mismatched frames are dropped silently.
func (w *Writer) Write(frame *face.Frame) {
	if !frame.Valid() || frame.Width != w.width || frame.Height != w.height {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead {
		if err := w.spawn(); err != nil {
			monitoring.Logf("[HLS] respawn failed cam=%s: %v", w.cameraID, err)
			return
		}
	}
	if _, err := w.stdin.Write(frame.Pix[:w.width*w.height*3]); err != nil {
		w.dead = true
	}
}

// Stop closes the pipe and terminates ffmpeg.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stdin != nil {
		w.stdin.Close()
	}
	if w.cmd != nil && w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
	w.dead = true
}
