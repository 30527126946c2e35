package capture

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/facegate/presence/internal/face"
)

// FFmpegFactory decodes an RTSP (or file/HTTP) stream with an ffmpeg child
// process emitting raw BGR frames of a fixed size on stdout.
func FFmpegFactory(url string, width, height int) SourceFactory {
	return func() (Source, error) {
		args := []string{"-nostdin", "-loglevel", "error"}
		if strings.HasPrefix(url, "rtsp://") {
			args = append(args, "-rtsp_transport", "tcp")
		}
		args = append(args,
			"-i", url,
			"-an",
			"-vf", fmt.Sprintf("scale=%d:%d", width, height),
			"-f", "rawvideo",
			"-pix_fmt", "bgr24",
			"pipe:1",
		)
		cmd := exec.Command("ffmpeg", args...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start ffmpeg: %w", err)
		}
		return &ffmpegSource{cmd: cmd, stdout: stdout, width: width, height: height}, nil
	}
}

type ffmpegSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	width  int
	height int
}

func (s *ffmpegSource) Read() (*face.Frame, error) {
	pix := make([]byte, s.width*s.height*3)
	if _, err := io.ReadFull(s.stdout, pix); err != nil {
		return nil, err
	}
	return &face.Frame{Width: s.width, Height: s.height, Pix: pix, TS: time.Now()}, nil
}

func (s *ffmpegSource) Close() error {
	s.stdout.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}
