package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTuningDefaults(t *testing.T) {
	c := EmptyTuningConfig()

	assert.InDelta(t, 0.020, c.GetMotionThreshold(), 1e-9)
	assert.InDelta(t, 0.70, c.GetMotionHysteresisRatio(), 1e-9)
	assert.Equal(t, 400*time.Millisecond, c.GetMotionCooldown())

	w, h := c.GetMotionResize()
	assert.Equal(t, 320, w)
	assert.Equal(t, 180, h)

	assert.Equal(t, 2*time.Second, c.GetIdleTimeout())
	assert.InDelta(t, 2, c.GetDetectionFPSIdle(), 1e-9)
	assert.InDelta(t, 12, c.GetDetectionFPSNormal(), 1e-9)
	assert.InDelta(t, 24, c.GetDetectionFPSBurst(), 1e-9)
	assert.Equal(t, 3500*time.Millisecond, c.GetBurstWindow())

	assert.InDelta(t, 0.35, c.GetSimilarityThreshold(), 1e-9)
	assert.InDelta(t, 0.50, c.GetStrictSimilarityThreshold(), 1e-9)
	assert.Equal(t, 3, c.GetGPUQueueSize())
	assert.Equal(t, 30, c.GetTrackMaxAgeFrames())
	assert.Equal(t, 0, c.GetMaxDetMissesUnknown())
	assert.Equal(t, 12, c.GetMaxDetMissesKnown())
	assert.Equal(t, 10*time.Second, c.GetAttendanceDebounce())
	assert.Equal(t, 3, c.GetStableIDConfirmations())
	assert.Equal(t, 3500*time.Millisecond+2*time.Second, c.GetVerifyTimeout())
}

func TestVerificationSamplesFloor(t *testing.T) {
	c := EmptyTuningConfig()
	c.VerificationSamples = ptrInt(1)
	assert.Equal(t, 2, c.GetVerificationSamples(), "single sample must be forced up without the override")

	c.AllowSingleSampleAttendance = ptrBool(true)
	assert.Equal(t, 1, c.GetVerificationSamples())

	c.VerificationSamples = ptrInt(5)
	assert.Equal(t, 5, c.GetVerificationSamples())
}

func TestLoadTuningConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"motion_threshold": 0.05,
		"burst_seconds": 2.0,
		"gpu_queue_size": 5
	}`), 0o644))

	c, err := LoadTuningConfig(path)
	require.NoError(t, err)

	assert.InDelta(t, 0.05, c.GetMotionThreshold(), 1e-9)
	assert.Equal(t, 2*time.Second, c.GetBurstWindow())
	assert.Equal(t, 5, c.GetGPUQueueSize())
	// Omitted fields keep their defaults.
	assert.InDelta(t, 0.35, c.GetSimilarityThreshold(), 1e-9)
}

func TestLoadTuningConfigRejectsBadFiles(t *testing.T) {
	_, err := LoadTuningConfig("nope.yaml")
	assert.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"motion_threshold": 2.0}`), 0o644))
	_, err = LoadTuningConfig(path)
	assert.Error(t, err, "out-of-range motion_threshold must fail validation")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*TuningConfig)
		ok   bool
	}{
		{"empty", func(c *TuningConfig) {}, true},
		{"queue size zero", func(c *TuningConfig) { c.GPUQueueSize = ptrInt(0) }, false},
		{"negative debounce", func(c *TuningConfig) { c.AttendanceDebounceSeconds = ptrFloat64(-1) }, false},
		{"hysteresis over one", func(c *TuningConfig) { c.MotionHysteresisRatio = ptrFloat64(1.5) }, false},
		{"similarity in range", func(c *TuningConfig) { c.SimilarityThreshold = ptrFloat64(0.6) }, true},
		{"similarity out of range", func(c *TuningConfig) { c.SimilarityThreshold = ptrFloat64(1.2) }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := EmptyTuningConfig()
			tc.mut(c)
			err := c.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestMergeOverlaysNonNilFields(t *testing.T) {
	base := EmptyTuningConfig()
	base.MotionThreshold = ptrFloat64(0.01)
	base.GPUQueueSize = ptrInt(4)

	overlay := EmptyTuningConfig()
	overlay.MotionThreshold = ptrFloat64(0.09)

	base.Merge(overlay)

	want := EmptyTuningConfig()
	want.MotionThreshold = ptrFloat64(0.09)
	want.GPUQueueSize = ptrInt(4)
	if diff := cmp.Diff(want, base); diff != "" {
		t.Errorf("merged config mismatch (-want +got):\n%s", diff)
	}
}

func TestTuningFromEnv(t *testing.T) {
	t.Setenv("SIMILARITY_THRESHOLD", "0.42")
	t.Setenv("GPU_QUEUE_SIZE", "7")
	t.Setenv("ALLOW_SINGLE_SAMPLE_ATTENDANCE", "1")

	c := TuningFromEnv(viper.New())
	assert.InDelta(t, 0.42, c.GetSimilarityThreshold(), 1e-9)
	assert.Equal(t, 7, c.GetGPUQueueSize())
	assert.True(t, c.GetAllowSingleSampleAttendance())
	assert.Nil(t, c.MotionThreshold, "unset env must leave field nil")
}
