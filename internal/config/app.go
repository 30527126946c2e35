package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Stream types a camera or viewer can ask for. They double as the
// event_type on attendance marks; ERP/relay/voice side-effects fire only
// for the attendance type.
const (
	StreamTypeAttendance = "attendance"
	StreamTypeHeadcount  = "headcount"
	StreamTypeOT         = "ot"
)

// NormalizeStreamType maps free-form input onto a valid stream type,
// defaulting to attendance.
func NormalizeStreamType(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case StreamTypeHeadcount:
		return StreamTypeHeadcount
	case StreamTypeOT:
		return StreamTypeOT
	default:
		return StreamTypeAttendance
	}
}

// CameraConfig describes one camera to start at boot. Cameras can also be
// started at runtime through the API.
type CameraConfig struct {
	ID         string `mapstructure:"id" json:"id"`
	Name       string `mapstructure:"name" json:"name"`
	URL        string `mapstructure:"url" json:"url"`
	StreamType string `mapstructure:"stream_type" json:"stream_type"`
	CompanyID  string `mapstructure:"company_id" json:"company_id"`
}

// SpoofConfig holds the anti-spoof (FAS) gate settings.
type SpoofConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	ModelPath        string  `mapstructure:"model_path"`
	Threshold        float64 `mapstructure:"threshold"`
	MotionWindowSec  float64 `mapstructure:"motion_window_sec"`
	MinYawRange      float64 `mapstructure:"min_yaw_range"`
	UseHeuristics    bool    `mapstructure:"use_heuristics"`
	CooldownSec      float64 `mapstructure:"cooldown_sec"`
	SkipLaptop       bool    `mapstructure:"skip_laptop"`
	AllowNoPose      bool    `mapstructure:"allow_no_pose"`
}

// AppConfig is the process-level configuration: endpoints, cameras and
// integration settings. Pipeline tuning lives in TuningConfig.
type AppConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`

	BackendBaseURL   string `mapstructure:"backend_base_url"`
	BackendAPIPrefix string `mapstructure:"backend_api_prefix"`

	ERPBaseURL string `mapstructure:"erp_base_url"`
	ERPAPIKey  string `mapstructure:"erp_api_key"`

	// InferBaseURL points at the model sidecar; empty runs without models.
	InferBaseURL string `mapstructure:"infer_base_url"`

	RelayOnURL          string  `mapstructure:"relay_on_url"`
	RelayMinIntervalSec float64 `mapstructure:"relay_min_interval_sec"`
	RelayTimeoutSec     float64 `mapstructure:"relay_timeout_sec"`

	SpoolPath string `mapstructure:"spool_path"`
	HLSDir    string `mapstructure:"hls_dir"`

	FrameMaxFails     int     `mapstructure:"frame_max_fails"`
	FrameStaleSec     float64 `mapstructure:"frame_stale_sec"`
	FrameReopenWait   float64 `mapstructure:"frame_reopen_wait_sec"`
	VoiceMaxEvents    int     `mapstructure:"voice_max_events"`
	AttendanceEnabled bool    `mapstructure:"attendance_enabled"`

	Spoof   SpoofConfig    `mapstructure:"spoof"`
	Cameras []CameraConfig `mapstructure:"cameras"`

	TuningPath string `mapstructure:"tuning_path"`
}

// DefaultAppConfig returns the built-in defaults.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		ListenAddr:          ":8000",
		BackendBaseURL:      "http://127.0.0.1:3001",
		BackendAPIPrefix:    "/api/v1",
		RelayOnURL:          "http://10.81.100.72/on",
		RelayMinIntervalSec: 0.75,
		RelayTimeoutSec:     0.4,
		HLSDir:              "hls",
		FrameMaxFails:       30,
		FrameStaleSec:       5.0,
		FrameReopenWait:     0.5,
		VoiceMaxEvents:      500,
		AttendanceEnabled:   true,
		Spoof: SpoofConfig{
			Enabled:         true,
			Threshold:       0.55,
			MotionWindowSec: 1.5,
			MinYawRange:     0.035,
			UseHeuristics:   true,
			CooldownSec:     2.0,
			SkipLaptop:      true,
		},
	}
}

// Env names kept for compatibility with existing deployments.
var appEnvBindings = map[string]string{
	"listen_addr":            "LISTEN_ADDR",
	"backend_base_url":       "BACKEND_BASE_URL",
	"backend_api_prefix":     "BACKEND_API_PREFIX",
	"erp_base_url":           "ERP_BASE_URL",
	"erp_api_key":            "ERP_API_KEY",
	"infer_base_url":         "INFER_BASE_URL",
	"relay_on_url":           "RELAY_ON_URL",
	"relay_min_interval_sec": "RELAY_MIN_INTERVAL_S",
	"relay_timeout_sec":      "RELAY_HTTP_TIMEOUT_S",
	"spool_path":             "ATT_SPOOL_PATH",
	"hls_dir":                "HLS_DIR",
	"frame_max_fails":        "FRAME_MAX_FAILS",
	"frame_stale_sec":        "FRAME_STALE_SEC",
	"frame_reopen_wait_sec":  "FRAME_REOPEN_WAIT_SEC",
	"voice_max_events":       "ATT_VOICE_MAX_EVENTS",
	"tuning_path":            "TUNING_PATH",
	"spoof.enabled":          "FAS_ENABLED",
	"spoof.model_path":       "FAS_ONNX_PATH",
	"spoof.threshold":        "FAS_THRESHOLD",
	"spoof.motion_window_sec": "FAS_MOTION_WINDOW",
	"spoof.min_yaw_range":    "FAS_MIN_YAW_RANGE",
	"spoof.use_heuristics":   "FAS_USE_HEURISTICS",
	"spoof.cooldown_sec":     "FAS_COOLDOWN_SEC",
	"spoof.skip_laptop":      "FAS_SKIP_LAPTOP",
	"spoof.allow_no_pose":    "FAS_ALLOW_NO_POSE_FOR_ATTENDANCE",
}

// LoadAppConfig loads the process config from an optional file plus the
// environment. Env values win over file values, file values over defaults.
func LoadAppConfig(cfgFile string) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("presence")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/presence")
		v.AddConfigPath(".")
	}

	for key, env := range appEnvBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *AppConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.BackendBaseURL == "" {
		return fmt.Errorf("backend_base_url must not be empty")
	}
	if !strings.HasPrefix(c.BackendAPIPrefix, "/") {
		return fmt.Errorf("backend_api_prefix must start with /, got %q", c.BackendAPIPrefix)
	}
	seen := make(map[string]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("camera with empty id")
		}
		if seen[cam.ID] {
			return fmt.Errorf("duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = true
	}
	return nil
}

// RelayMinInterval returns the per-camera relay debounce interval.
func (c *AppConfig) RelayMinInterval() time.Duration {
	return time.Duration(c.RelayMinIntervalSec * float64(time.Second))
}

// RelayTimeout returns the relay HTTP timeout.
func (c *AppConfig) RelayTimeout() time.Duration {
	return time.Duration(c.RelayTimeoutSec * float64(time.Second))
}

// FrameStale returns the grabber staleness threshold.
func (c *AppConfig) FrameStale() time.Duration {
	return time.Duration(c.FrameStaleSec * float64(time.Second))
}

// FrameReopenBackoff returns the initial grabber reopen backoff.
func (c *AppConfig) FrameReopenBackoff() time.Duration {
	return time.Duration(c.FrameReopenWait * float64(time.Second))
}

// SpoofMotionWindow returns the pose-motion observation window.
func (c *SpoofConfig) SpoofMotionWindow() time.Duration {
	return time.Duration(c.MotionWindowSec * float64(time.Second))
}

// SpoofCooldown returns the per-track pass cooldown.
func (c *SpoofConfig) SpoofCooldown() time.Duration {
	return time.Duration(c.CooldownSec * float64(time.Second))
}
