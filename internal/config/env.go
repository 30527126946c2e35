package config

import (
	"github.com/spf13/viper"
)

// The historical environment variable names predate the tuning-file schema
// and are kept for deployment compatibility. Each maps onto one TuningConfig
// field.
var envTuningFloats = map[string]func(*TuningConfig, float64){
	"MOTION_THRESHOLD":            func(c *TuningConfig, v float64) { c.MotionThreshold = &v },
	"MOTION_HYSTERESIS_RATIO":     func(c *TuningConfig, v float64) { c.MotionHysteresisRatio = &v },
	"MOTION_COOLDOWN_SECONDS":     func(c *TuningConfig, v float64) { c.MotionCooldownSeconds = &v },
	"IDLE_SECONDS":                func(c *TuningConfig, v float64) { c.IdleSeconds = &v },
	"DETECTION_FPS_IDLE":          func(c *TuningConfig, v float64) { c.DetectionFPSIdle = &v },
	"DETECTION_FPS_NORMAL":        func(c *TuningConfig, v float64) { c.DetectionFPSNormal = &v },
	"DETECTION_FPS_BURST":         func(c *TuningConfig, v float64) { c.DetectionFPSBurst = &v },
	"BURST_SECONDS":               func(c *TuningConfig, v float64) { c.BurstSeconds = &v },
	"EMBED_REFRESH_SECONDS":       func(c *TuningConfig, v float64) { c.EmbedRefreshSeconds = &v },
	"EMBED_REFRESH_UNKNOWN_SECONDS": func(c *TuningConfig, v float64) { c.EmbedRefreshUnknownSeconds = &v },
	"UNKNOWN_BURST_AFTER_SECONDS": func(c *TuningConfig, v float64) { c.UnknownBurstAfterSeconds = &v },
	"SIMILARITY_THRESHOLD":        func(c *TuningConfig, v float64) { c.SimilarityThreshold = &v },
	"STRICT_SIM_THRESHOLD":        func(c *TuningConfig, v float64) { c.StrictSimilarityThreshold = &v },
	"BORDERLINE_MARGIN":           func(c *TuningConfig, v float64) { c.BorderlineMargin = &v },
	"DISTINCT_SIM_MARGIN":         func(c *TuningConfig, v float64) { c.DistinctSimMargin = &v },
	"IDENTITY_HOLD_SECONDS":       func(c *TuningConfig, v float64) { c.IdentityHoldSeconds = &v },
	"ATTENDANCE_DEBOUNCE_SECONDS": func(c *TuningConfig, v float64) { c.AttendanceDebounceSeconds = &v },
	"MIN_IDENTITY_AGE_SECONDS":    func(c *TuningConfig, v float64) { c.MinIdentityAgeSeconds = &v },
	"ATTENDANCE_MAX_EMBED_AGE":    func(c *TuningConfig, v float64) { c.AttendanceMaxEmbedAgeSeconds = &v },
	"MIN_ATT_QUALITY":             func(c *TuningConfig, v float64) { c.MinAttendanceQuality = &v },
	"GALLERY_REFRESH_SECONDS":     func(c *TuningConfig, v float64) { c.GalleryRefreshSeconds = &v },
	"LOG_INTERVAL_SECONDS":        func(c *TuningConfig, v float64) { c.LogIntervalSeconds = &v },
	"CENTER_MATCH_PX":             func(c *TuningConfig, v float64) { c.CenterMatchPx = &v },
	"IOU_MATCH_THRESHOLD":         func(c *TuningConfig, v float64) { c.IoUMatchThreshold = &v },
}

var envTuningInts = map[string]func(*TuningConfig, int){
	"GPU_QUEUE_SIZE":          func(c *TuningConfig, v int) { c.GPUQueueSize = &v },
	"TRACK_MAX_AGE_FRAMES":    func(c *TuningConfig, v int) { c.TrackMaxAgeFrames = &v },
	"STABLE_ID_CONFIRMATIONS": func(c *TuningConfig, v int) { c.StableIDConfirmations = &v },
	"VERIFICATION_SAMPLES":    func(c *TuningConfig, v int) { c.VerificationSamples = &v },
	"MAX_DET_MISSES_KNOWN":    func(c *TuningConfig, v int) { c.MaxDetMissesKnown = &v },
	"MAX_DET_MISSES_UNKNOWN":  func(c *TuningConfig, v int) { c.MaxDetMissesUnknown = &v },
}

var envTuningBools = map[string]func(*TuningConfig, bool){
	"ALLOW_SINGLE_SAMPLE_ATTENDANCE": func(c *TuningConfig, v bool) { c.AllowSingleSampleAttendance = &v },
}

// TuningFromEnv builds a TuningConfig overlay from the process environment
// using the historical variable names. Unset variables leave fields nil.
func TuningFromEnv(v *viper.Viper) *TuningConfig {
	if v == nil {
		v = viper.New()
	}
	v.AutomaticEnv()

	cfg := EmptyTuningConfig()
	for name, set := range envTuningFloats {
		if v.IsSet(name) {
			set(cfg, v.GetFloat64(name))
		}
	}
	for name, set := range envTuningInts {
		if v.IsSet(name) {
			set(cfg, v.GetInt(name))
		}
	}
	for name, set := range envTuningBools {
		if v.IsSet(name) {
			set(cfg, v.GetBool(name))
		}
	}
	return cfg
}
