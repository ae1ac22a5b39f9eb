// Package config loads the daemon configuration from YAML with environment
// overrides and applies defaults for every unset key.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/camerakit/camera-daemon/internal/logging"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// CAMERA_SERVICE_JWT_SECRET.
const EnvPrefix = "CAMERA_SERVICE"

// ServerConfig holds the WebSocket control-channel settings.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	WebSocketPath  string        `mapstructure:"websocket_path"`
	MaxConnections int           `mapstructure:"max_connections"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// MediaMTXConfig holds the upstream media server settings.
type MediaMTXConfig struct {
	Host           string `mapstructure:"host"`
	APIPort        int    `mapstructure:"api_port"`
	RTSPPort       int    `mapstructure:"rtsp_port"`
	WebRTCPort     int    `mapstructure:"webrtc_port"`
	HLSPort        int    `mapstructure:"hls_port"`
	RecordingsPath string `mapstructure:"recordings_path"`
	SnapshotsPath  string `mapstructure:"snapshots_path"`

	Timeout             time.Duration `mapstructure:"timeout"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`

	HealthCheckInterval                 float64   `mapstructure:"health_check_interval"`
	HealthFailureThreshold              int       `mapstructure:"health_failure_threshold"`
	HealthCircuitBreakerTimeout         float64   `mapstructure:"health_circuit_breaker_timeout"`
	HealthMaxBackoffInterval            float64   `mapstructure:"health_max_backoff_interval"`
	HealthRecoveryConfirmationThreshold int       `mapstructure:"health_recovery_confirmation_threshold"`
	BackoffBaseMultiplier               float64   `mapstructure:"backoff_base_multiplier"`
	BackoffJitterRange                  []float64 `mapstructure:"backoff_jitter_range"`

	ProcessTerminationTimeout float64 `mapstructure:"process_termination_timeout"`
	ProcessKillTimeout        float64 `mapstructure:"process_kill_timeout"`

	RecordSegmentDuration string `mapstructure:"record_segment_duration"`
}

// BaseURL returns the configuration API base, e.g. http://127.0.0.1:9997.
func (c *MediaMTXConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.APIPort)
}

// CameraConfig holds the discovery monitor settings.
type CameraConfig struct {
	DeviceRange               []int   `mapstructure:"device_range"`
	PollInterval              float64 `mapstructure:"poll_interval"`
	DetectionTimeout          float64 `mapstructure:"detection_timeout"`
	EnableCapabilityDetection bool    `mapstructure:"enable_capability_detection"`
}

// SecurityConfig holds authentication and rate limiting settings.
type SecurityConfig struct {
	TokenSecret       string `mapstructure:"token_secret"`
	APIKeysPath       string `mapstructure:"api_keys_path"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
}

// HTTPConfig holds the file/health listener settings.
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Config is the root configuration consumed by the daemon core.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MediaMTX MediaMTXConfig `mapstructure:"mediamtx"`
	Camera   CameraConfig   `mapstructure:"camera"`
	Security SecurityConfig `mapstructure:"security"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Logging  logging.Config `mapstructure:"logging"`
}

// Load reads the configuration file at path. A missing file is not an
// error; defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isNotExist(err error) bool {
	return strings.Contains(err.Error(), "no such file")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8002)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.max_connections", 100)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.max_message_size", int64(1024*1024))

	v.SetDefault("mediamtx.host", "127.0.0.1")
	v.SetDefault("mediamtx.api_port", 9997)
	v.SetDefault("mediamtx.rtsp_port", 8554)
	v.SetDefault("mediamtx.webrtc_port", 8889)
	v.SetDefault("mediamtx.hls_port", 8888)
	v.SetDefault("mediamtx.recordings_path", "/opt/camera-service/recordings")
	v.SetDefault("mediamtx.snapshots_path", "/opt/camera-service/snapshots")
	v.SetDefault("mediamtx.timeout", 10*time.Second)
	v.SetDefault("mediamtx.connect_timeout", 5*time.Second)
	v.SetDefault("mediamtx.max_idle_conns", 10)
	v.SetDefault("mediamtx.max_idle_conns_per_host", 5)
	v.SetDefault("mediamtx.health_check_interval", 5.0)
	v.SetDefault("mediamtx.health_failure_threshold", 3)
	v.SetDefault("mediamtx.health_circuit_breaker_timeout", 60.0)
	v.SetDefault("mediamtx.health_max_backoff_interval", 30.0)
	v.SetDefault("mediamtx.health_recovery_confirmation_threshold", 3)
	v.SetDefault("mediamtx.backoff_base_multiplier", 2.0)
	v.SetDefault("mediamtx.backoff_jitter_range", []float64{0.8, 1.2})
	v.SetDefault("mediamtx.process_termination_timeout", 3.0)
	v.SetDefault("mediamtx.process_kill_timeout", 1.0)
	v.SetDefault("mediamtx.record_segment_duration", "1h")

	v.SetDefault("camera.device_range", []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	v.SetDefault("camera.poll_interval", 0.1)
	v.SetDefault("camera.detection_timeout", 2.0)
	v.SetDefault("camera.enable_capability_detection", true)

	v.SetDefault("security.token_secret", "")
	v.SetDefault("security.api_keys_path", "/opt/camera-service/keys.json")
	v.SetDefault("security.requests_per_minute", 120)

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8003)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file_enabled", false)
	v.SetDefault("logging.file_path", "/var/log/camera-daemon/camera-daemon.log")
	v.SetDefault("logging.max_file_size_mb", 10)
	v.SetDefault("logging.backup_count", 5)
	v.SetDefault("logging.console_enabled", true)
}

// applyEnvOverrides maps the documented flat environment variables onto the
// nested config. Unset values keep the file/default values.
func applyEnvOverrides(cfg *Config) {
	if s := os.Getenv(EnvPrefix + "_JWT_SECRET"); s != "" {
		cfg.Security.TokenSecret = s
	}
	if p := os.Getenv(EnvPrefix + "_API_KEYS_PATH"); p != "" {
		cfg.Security.APIKeysPath = p
	}
	if r := os.Getenv(EnvPrefix + "_RATE_RPM"); r != "" {
		var rpm int
		if _, err := fmt.Sscanf(r, "%d", &rpm); err == nil && rpm > 0 {
			cfg.Security.RequestsPerMinute = rpm
		}
	}
}

// Validate rejects configurations the core cannot run with.
func Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections <= 0 {
		return fmt.Errorf("invalid config: server.max_connections must be positive")
	}
	if cfg.Camera.PollInterval <= 0 {
		return fmt.Errorf("invalid config: camera.poll_interval must be positive")
	}
	if len(cfg.Camera.DeviceRange) == 0 {
		return fmt.Errorf("invalid config: camera.device_range is empty")
	}
	if cfg.Security.RequestsPerMinute <= 0 {
		return fmt.Errorf("invalid config: security.requests_per_minute must be positive")
	}
	if len(cfg.MediaMTX.BackoffJitterRange) != 2 ||
		cfg.MediaMTX.BackoffJitterRange[0] > cfg.MediaMTX.BackoffJitterRange[1] {
		return fmt.Errorf("invalid config: mediamtx.backoff_jitter_range must be [lo, hi]")
	}
	return nil
}
