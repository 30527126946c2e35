package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds the pipeline tuning parameters. The schema matches the
// /api/pipeline/params endpoint so the same JSON can be used for both startup
// configuration and runtime updates. All fields are pointers; nil means "use
// the built-in default", so partial configs are safe.
type TuningConfig struct {
	// Motion gate params
	MotionThreshold       *float64 `json:"motion_threshold,omitempty"`
	MotionHysteresisRatio *float64 `json:"motion_hysteresis_ratio,omitempty"`
	MotionCooldownSeconds *float64 `json:"motion_cooldown_seconds,omitempty"`
	MotionResizeWidth     *int     `json:"motion_resize_width,omitempty"`
	MotionResizeHeight    *int     `json:"motion_resize_height,omitempty"`

	// Scheduler params
	IdleSeconds                *float64 `json:"idle_seconds,omitempty"`
	DetectionFPSIdle           *float64 `json:"detection_fps_idle,omitempty"`
	DetectionFPSNormal         *float64 `json:"detection_fps_normal,omitempty"`
	DetectionFPSBurst          *float64 `json:"detection_fps_burst,omitempty"`
	BurstSeconds               *float64 `json:"burst_seconds,omitempty"`
	EmbedRefreshSeconds        *float64 `json:"embed_refresh_seconds,omitempty"`
	EmbedRefreshUnknownSeconds *float64 `json:"embed_refresh_unknown_seconds,omitempty"`
	UnknownBurstAfterSeconds   *float64 `json:"unknown_burst_after_seconds,omitempty"`

	// Matching params
	SimilarityThreshold       *float64 `json:"similarity_threshold,omitempty"`
	StrictSimilarityThreshold *float64 `json:"strict_similarity_threshold,omitempty"`
	BorderlineMargin          *float64 `json:"borderline_margin,omitempty"`
	DistinctSimMargin         *float64 `json:"distinct_sim_margin,omitempty"`

	// Identity hold params
	IdentityHoldSeconds          *float64 `json:"identity_hold_seconds,omitempty"`
	IdentityHoldMinIoU           *float64 `json:"identity_hold_min_iou,omitempty"`
	IdentityHoldMaxDetMisses     *int     `json:"identity_hold_max_det_misses,omitempty"`
	IdentityHoldCenterShiftRatio *float64 `json:"identity_hold_center_shift_ratio,omitempty"`
	MaxDetectionResultAgeSeconds *float64 `json:"max_detection_result_age_seconds,omitempty"`
	KeypointMaxAgeSeconds        *float64 `json:"keypoint_max_age_seconds,omitempty"`

	// Tracker params
	TrackMaxAgeFrames         *int     `json:"track_max_age_frames,omitempty"`
	IoUMatchThreshold         *float64 `json:"iou_match_threshold,omitempty"`
	CenterMatchPx             *float64 `json:"center_match_px,omitempty"`
	ReacquireClearIoU         *float64 `json:"reacquire_clear_iou,omitempty"`
	ReacquireClearCenterRatio *float64 `json:"reacquire_clear_center_ratio,omitempty"`
	MaxDetMissesUnknown       *int     `json:"max_det_misses_unknown,omitempty"`
	MaxDetMissesKnown         *int     `json:"max_det_misses_known,omitempty"`

	// Arbiter params
	GPUQueueSize *int `json:"gpu_queue_size,omitempty"`

	// Attendance params
	AttendanceDebounceSeconds    *float64 `json:"attendance_debounce_seconds,omitempty"`
	StableIDConfirmations        *int     `json:"stable_id_confirmations,omitempty"`
	VerificationSamples          *int     `json:"verification_samples,omitempty"`
	MinIdentityAgeSeconds        *float64 `json:"min_identity_age_seconds,omitempty"`
	AttendanceMaxEmbedAgeSeconds *float64 `json:"attendance_max_embed_age_seconds,omitempty"`
	MinAttendanceQuality         *float64 `json:"min_attendance_quality,omitempty"`
	AllowSingleSampleAttendance  *bool    `json:"allow_single_sample_attendance,omitempty"`

	// Gallery and reporting
	GalleryRefreshSeconds *float64 `json:"gallery_refresh_seconds,omitempty"`
	LogIntervalSeconds    *float64 `json:"log_interval_seconds,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Fields omitted from
// the JSON retain their built-in defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Merge overlays non-nil fields of other onto c and returns c.
func (c *TuningConfig) Merge(other *TuningConfig) *TuningConfig {
	if other == nil {
		return c
	}
	src, _ := json.Marshal(other)
	// Pointer fields make a JSON round-trip the simplest field-wise overlay.
	_ = json.Unmarshal(src, c)
	return c
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.MotionThreshold != nil && (*c.MotionThreshold < 0 || *c.MotionThreshold > 1) {
		return fmt.Errorf("motion_threshold must be between 0 and 1, got %f", *c.MotionThreshold)
	}
	if c.MotionHysteresisRatio != nil && (*c.MotionHysteresisRatio <= 0 || *c.MotionHysteresisRatio > 1) {
		return fmt.Errorf("motion_hysteresis_ratio must be in (0, 1], got %f", *c.MotionHysteresisRatio)
	}
	if c.SimilarityThreshold != nil && (*c.SimilarityThreshold < -1 || *c.SimilarityThreshold > 1) {
		return fmt.Errorf("similarity_threshold must be a cosine value in [-1, 1], got %f", *c.SimilarityThreshold)
	}
	if c.StrictSimilarityThreshold != nil && (*c.StrictSimilarityThreshold < -1 || *c.StrictSimilarityThreshold > 1) {
		return fmt.Errorf("strict_similarity_threshold must be a cosine value in [-1, 1], got %f", *c.StrictSimilarityThreshold)
	}
	if c.GPUQueueSize != nil && *c.GPUQueueSize < 1 {
		return fmt.Errorf("gpu_queue_size must be at least 1, got %d", *c.GPUQueueSize)
	}
	if c.TrackMaxAgeFrames != nil && *c.TrackMaxAgeFrames < 1 {
		return fmt.Errorf("track_max_age_frames must be at least 1, got %d", *c.TrackMaxAgeFrames)
	}
	if c.VerificationSamples != nil && *c.VerificationSamples < 0 {
		return fmt.Errorf("verification_samples must be non-negative, got %d", *c.VerificationSamples)
	}
	if c.MotionResizeWidth != nil && *c.MotionResizeWidth < 16 {
		return fmt.Errorf("motion_resize_width must be at least 16, got %d", *c.MotionResizeWidth)
	}
	if c.MotionResizeHeight != nil && *c.MotionResizeHeight < 16 {
		return fmt.Errorf("motion_resize_height must be at least 16, got %d", *c.MotionResizeHeight)
	}
	if c.AttendanceDebounceSeconds != nil && *c.AttendanceDebounceSeconds < 0 {
		return fmt.Errorf("attendance_debounce_seconds must be non-negative, got %f", *c.AttendanceDebounceSeconds)
	}
	return nil
}

func secs(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

// GetMotionThreshold returns the motion_threshold value or the default.
func (c *TuningConfig) GetMotionThreshold() float64 {
	if c.MotionThreshold == nil {
		return 0.020
	}
	return *c.MotionThreshold
}

// GetMotionHysteresisRatio returns the motion_hysteresis_ratio value or the default.
func (c *TuningConfig) GetMotionHysteresisRatio() float64 {
	if c.MotionHysteresisRatio == nil {
		return 0.70
	}
	return *c.MotionHysteresisRatio
}

// GetMotionCooldown returns the motion state-change cooldown.
func (c *TuningConfig) GetMotionCooldown() time.Duration {
	if c.MotionCooldownSeconds == nil {
		return 400 * time.Millisecond
	}
	return secs(*c.MotionCooldownSeconds)
}

// GetMotionResize returns the downscale target for motion scoring.
func (c *TuningConfig) GetMotionResize() (w, h int) {
	w, h = 320, 180
	if c.MotionResizeWidth != nil {
		w = *c.MotionResizeWidth
	}
	if c.MotionResizeHeight != nil {
		h = *c.MotionResizeHeight
	}
	return w, h
}

// GetIdleTimeout returns how long after the last activity NORMAL decays to IDLE.
func (c *TuningConfig) GetIdleTimeout() time.Duration {
	if c.IdleSeconds == nil {
		return 2 * time.Second
	}
	return secs(*c.IdleSeconds)
}

// GetDetectionFPSIdle returns the detection_fps_idle value or the default.
func (c *TuningConfig) GetDetectionFPSIdle() float64 {
	if c.DetectionFPSIdle == nil {
		return 2
	}
	return *c.DetectionFPSIdle
}

// GetDetectionFPSNormal returns the detection_fps_normal value or the default.
func (c *TuningConfig) GetDetectionFPSNormal() float64 {
	if c.DetectionFPSNormal == nil {
		return 12
	}
	return *c.DetectionFPSNormal
}

// GetDetectionFPSBurst returns the detection_fps_burst value or the default.
func (c *TuningConfig) GetDetectionFPSBurst() float64 {
	if c.DetectionFPSBurst == nil {
		return 24
	}
	return *c.DetectionFPSBurst
}

// GetBurstWindow returns how long a burst trigger keeps the scheduler in BURST.
func (c *TuningConfig) GetBurstWindow() time.Duration {
	if c.BurstSeconds == nil {
		return 3500 * time.Millisecond
	}
	return secs(*c.BurstSeconds)
}

// GetEmbedRefresh returns the embedding refresh interval for known tracks.
func (c *TuningConfig) GetEmbedRefresh() time.Duration {
	if c.EmbedRefreshSeconds == nil {
		return 250 * time.Millisecond
	}
	return secs(*c.EmbedRefreshSeconds)
}

// GetEmbedRefreshUnknown returns the embedding refresh interval for unknown tracks.
func (c *TuningConfig) GetEmbedRefreshUnknown() time.Duration {
	if c.EmbedRefreshUnknownSeconds == nil {
		return 150 * time.Millisecond
	}
	return secs(*c.EmbedRefreshUnknownSeconds)
}

// GetUnknownBurstAfter returns how long a track may stay unknown before a burst fires.
func (c *TuningConfig) GetUnknownBurstAfter() time.Duration {
	if c.UnknownBurstAfterSeconds == nil {
		return 600 * time.Millisecond
	}
	return secs(*c.UnknownBurstAfterSeconds)
}

// GetSimilarityThreshold returns the similarity_threshold value or the default.
func (c *TuningConfig) GetSimilarityThreshold() float64 {
	if c.SimilarityThreshold == nil {
		return 0.35
	}
	return *c.SimilarityThreshold
}

// GetStrictSimilarityThreshold returns the strict_similarity_threshold value or the default.
func (c *TuningConfig) GetStrictSimilarityThreshold() float64 {
	if c.StrictSimilarityThreshold == nil {
		return 0.50
	}
	return *c.StrictSimilarityThreshold
}

// GetBorderlineMargin returns the borderline_margin value or the default.
func (c *TuningConfig) GetBorderlineMargin() float64 {
	if c.BorderlineMargin == nil {
		return 0.05
	}
	return *c.BorderlineMargin
}

// GetDistinctSimMargin returns the distinct_sim_margin value or the default.
func (c *TuningConfig) GetDistinctSimMargin() float64 {
	if c.DistinctSimMargin == nil {
		return 0.05
	}
	return *c.DistinctSimMargin
}

// GetIdentityHold returns how long a lost identity is held before demotion.
func (c *TuningConfig) GetIdentityHold() time.Duration {
	if c.IdentityHoldSeconds == nil {
		return 1500 * time.Millisecond
	}
	return secs(*c.IdentityHoldSeconds)
}

// GetIdentityHoldMinIoU returns the identity_hold_min_iou value or the default.
func (c *TuningConfig) GetIdentityHoldMinIoU() float64 {
	if c.IdentityHoldMinIoU == nil {
		return 0.05
	}
	return *c.IdentityHoldMinIoU
}

// GetIdentityHoldMaxDetMisses returns the identity_hold_max_det_misses value or the default.
func (c *TuningConfig) GetIdentityHoldMaxDetMisses() int {
	if c.IdentityHoldMaxDetMisses == nil {
		return 1
	}
	return *c.IdentityHoldMaxDetMisses
}

// GetIdentityHoldCenterShiftRatio returns the identity_hold_center_shift_ratio value or the default.
func (c *TuningConfig) GetIdentityHoldCenterShiftRatio() float64 {
	if c.IdentityHoldCenterShiftRatio == nil {
		return 0.35
	}
	return *c.IdentityHoldCenterShiftRatio
}

// GetMaxDetectionResultAge returns the maximum age of a detection result
// before its box is considered stale for identity-hold purposes.
func (c *TuningConfig) GetMaxDetectionResultAge() time.Duration {
	if c.MaxDetectionResultAgeSeconds == nil {
		return 450 * time.Millisecond
	}
	return secs(*c.MaxDetectionResultAgeSeconds)
}

// GetKeypointMaxAge returns the maximum age of cached keypoints.
func (c *TuningConfig) GetKeypointMaxAge() time.Duration {
	if c.KeypointMaxAgeSeconds == nil {
		return 450 * time.Millisecond
	}
	return secs(*c.KeypointMaxAgeSeconds)
}

// GetTrackMaxAgeFrames returns the track_max_age_frames value or the default.
func (c *TuningConfig) GetTrackMaxAgeFrames() int {
	if c.TrackMaxAgeFrames == nil {
		return 30
	}
	return *c.TrackMaxAgeFrames
}

// GetIoUMatchThreshold returns the iou_match_threshold value or the default.
func (c *TuningConfig) GetIoUMatchThreshold() float64 {
	if c.IoUMatchThreshold == nil {
		return 0.25
	}
	return *c.IoUMatchThreshold
}

// GetCenterMatchPx returns the center_match_px value or the default.
func (c *TuningConfig) GetCenterMatchPx() float64 {
	if c.CenterMatchPx == nil {
		return 200
	}
	return *c.CenterMatchPx
}

// GetReacquireClearIoU returns the reacquire_clear_iou value or the default.
func (c *TuningConfig) GetReacquireClearIoU() float64 {
	if c.ReacquireClearIoU == nil {
		return 0.18
	}
	return *c.ReacquireClearIoU
}

// GetReacquireClearCenterRatio returns the reacquire_clear_center_ratio value or the default.
func (c *TuningConfig) GetReacquireClearCenterRatio() float64 {
	if c.ReacquireClearCenterRatio == nil {
		return 0.65
	}
	return *c.ReacquireClearCenterRatio
}

// GetMaxDetMissesUnknown returns the max_det_misses_unknown value or the default.
func (c *TuningConfig) GetMaxDetMissesUnknown() int {
	if c.MaxDetMissesUnknown == nil {
		return 0
	}
	return *c.MaxDetMissesUnknown
}

// GetMaxDetMissesKnown returns the max_det_misses_known value or the default.
func (c *TuningConfig) GetMaxDetMissesKnown() int {
	if c.MaxDetMissesKnown == nil {
		return 12
	}
	return *c.MaxDetMissesKnown
}

// GetGPUQueueSize returns the gpu_queue_size value or the default.
func (c *TuningConfig) GetGPUQueueSize() int {
	if c.GPUQueueSize == nil {
		return 3
	}
	return *c.GPUQueueSize
}

// GetAttendanceDebounce returns the sliding attendance debounce window.
func (c *TuningConfig) GetAttendanceDebounce() time.Duration {
	if c.AttendanceDebounceSeconds == nil {
		return 10 * time.Second
	}
	return secs(*c.AttendanceDebounceSeconds)
}

// GetStableIDConfirmations returns the stable_id_confirmations value or the default.
func (c *TuningConfig) GetStableIDConfirmations() int {
	if c.StableIDConfirmations == nil {
		return 3
	}
	return *c.StableIDConfirmations
}

// GetVerificationSamples returns the verification sample count. Unless the
// single-sample override is set, the count is forced to at least 2.
func (c *TuningConfig) GetVerificationSamples() int {
	n := 3
	if c.VerificationSamples != nil {
		n = *c.VerificationSamples
	}
	if n < 2 && !c.GetAllowSingleSampleAttendance() {
		n = 2
	}
	return n
}

// GetAllowSingleSampleAttendance returns the allow_single_sample_attendance value or the default.
func (c *TuningConfig) GetAllowSingleSampleAttendance() bool {
	if c.AllowSingleSampleAttendance == nil {
		return false
	}
	return *c.AllowSingleSampleAttendance
}

// GetMinIdentityAge returns how long an identity must be stable before attendance.
func (c *TuningConfig) GetMinIdentityAge() time.Duration {
	if c.MinIdentityAgeSeconds == nil {
		return 350 * time.Millisecond
	}
	return secs(*c.MinIdentityAgeSeconds)
}

// GetAttendanceMaxEmbedAge returns the maximum embedding age for an attendance mark.
func (c *TuningConfig) GetAttendanceMaxEmbedAge() time.Duration {
	if c.AttendanceMaxEmbedAgeSeconds == nil {
		return 900 * time.Millisecond
	}
	return secs(*c.AttendanceMaxEmbedAgeSeconds)
}

// GetMinAttendanceQuality returns the min_attendance_quality value or the default.
func (c *TuningConfig) GetMinAttendanceQuality() float64 {
	if c.MinAttendanceQuality == nil {
		return 18.0
	}
	return *c.MinAttendanceQuality
}

// GetGalleryRefresh returns the gallery refresh interval.
func (c *TuningConfig) GetGalleryRefresh() time.Duration {
	if c.GalleryRefreshSeconds == nil {
		return 5 * time.Second
	}
	return secs(*c.GalleryRefreshSeconds)
}

// GetLogInterval returns the pipeline stats log interval.
func (c *TuningConfig) GetLogInterval() time.Duration {
	if c.LogIntervalSeconds == nil {
		return 5 * time.Second
	}
	return secs(*c.LogIntervalSeconds)
}

// GetVerifyTimeout returns the verification timeout, derived from the burst window.
func (c *TuningConfig) GetVerifyTimeout() time.Duration {
	return c.GetBurstWindow() + 2*time.Second
}
