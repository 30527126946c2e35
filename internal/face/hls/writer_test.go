package hls

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/facegate/presence/internal/face"
)

type sink struct{ buf bytes.Buffer }

func (s *sink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *sink) Close() error                { return nil }

func TestWriteSendsExactFrameBytes(t *testing.T) {
	s := &sink{}
	w := &Writer{cameraID: "cam-1", width: 4, height: 2, fps: 25, stdin: s}

	frame := &face.Frame{Width: 4, Height: 2, Pix: make([]byte, 4*2*3+7)} // slack after the pixels
	frame.Pix[0] = 42
	w.Write(frame)

	assert.Equal(t, 4*2*3, s.buf.Len())
	assert.EqualValues(t, 42, s.buf.Bytes()[0])
}

func TestWriteDropsMismatchedGeometry(t *testing.T) {
	s := &sink{}
	w := &Writer{cameraID: "cam-1", width: 640, height: 480, fps: 25, stdin: s}

	w.Write(&face.Frame{Width: 320, Height: 240, Pix: make([]byte, 320*240*3)})
	w.Write(nil)
	assert.Zero(t, s.buf.Len())
}

func TestPlaylistPath(t *testing.T) {
	w := &Writer{dir: filepath.Join("hls", "cameras", "cam-1")}
	assert.Equal(t, filepath.Join("hls", "cameras", "cam-1", "index.m3u8"), w.PlaylistPath())
}
