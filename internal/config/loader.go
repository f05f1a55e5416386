// Package config loads bridge configuration from defaults, an optional
// YAML file, REVITBRIDGE_* environment variables, and runtime overrides,
// in ascending precedence.
package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the effective bridge configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Queue   QueueConfig   `mapstructure:"queue" yaml:"queue"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Health  HealthConfig  `mapstructure:"health" yaml:"health"`
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`
	Debug   DebugConfig   `mapstructure:"debug" yaml:"debug"`
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// QueueConfig tunes the durable queue and dispatch lane.
type QueueConfig struct {
	// DBPath is the SQLite database location.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// PollInterval bounds the dispatch pump's idle sleep.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// ThrottleWindow is the minimum interval between persisted heartbeats
	// per job.
	ThrottleWindow time.Duration `mapstructure:"throttle_window" yaml:"throttle_window"`

	// HeartbeatTimeout is the global staleness threshold for RUNNING jobs.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`

	// SweepInterval is the liveness monitor cadence.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// ReclaimAfter is how long a DISPATCHING job may sit before requeue.
	ReclaimAfter time.Duration `mapstructure:"reclaim_after" yaml:"reclaim_after"`

	// MaxAttempts caps claims per job across crash recoveries.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// LongPollWait is the default wait for the worker's pending-request
	// long poll.
	LongPollWait time.Duration `mapstructure:"long_poll_wait" yaml:"long_poll_wait"`
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ArchiveConfig configures the terminal-job S3 archiver used by gc.
type ArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	Profile         string `mapstructure:"profile" yaml:"profile"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"-"`
}

// DebugConfig toggles development aids.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled" yaml:"pprof_enabled"`
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// envBindings maps config keys to their REVITBRIDGE_* variables.
var envBindings = map[string]string{
	"server.host":             "REVITBRIDGE_HOST",
	"server.port":             "REVITBRIDGE_PORT",
	"server.read_timeout":     "REVITBRIDGE_READ_TIMEOUT",
	"server.write_timeout":    "REVITBRIDGE_WRITE_TIMEOUT",
	"server.idle_timeout":     "REVITBRIDGE_IDLE_TIMEOUT",
	"server.shutdown_timeout": "REVITBRIDGE_SHUTDOWN_TIMEOUT",
	"queue.db_path":           "REVITBRIDGE_DB_PATH",
	"queue.poll_interval":     "REVITBRIDGE_POLL_INTERVAL",
	"queue.throttle_window":   "REVITBRIDGE_THROTTLE_WINDOW",
	"queue.heartbeat_timeout": "REVITBRIDGE_HEARTBEAT_TIMEOUT",
	"queue.sweep_interval":    "REVITBRIDGE_SWEEP_INTERVAL",
	"queue.reclaim_after":     "REVITBRIDGE_RECLAIM_AFTER",
	"queue.max_attempts":      "REVITBRIDGE_MAX_ATTEMPTS",
	"queue.long_poll_wait":    "REVITBRIDGE_LONG_POLL_WAIT",
	"logging.level":           "REVITBRIDGE_LOG_LEVEL",
	"logging.profile":         "REVITBRIDGE_LOG_PROFILE",
	"metrics.enabled":         "REVITBRIDGE_METRICS_ENABLED",
	"health.enabled":          "REVITBRIDGE_HEALTH_ENABLED",
	"archive.enabled":         "REVITBRIDGE_ARCHIVE_ENABLED",
	"archive.bucket":          "REVITBRIDGE_ARCHIVE_BUCKET",
	"archive.region":          "REVITBRIDGE_ARCHIVE_REGION",
	"archive.endpoint":        "REVITBRIDGE_ARCHIVE_ENDPOINT",
	"archive.prefix":          "REVITBRIDGE_ARCHIVE_PREFIX",
	"debug.enabled":           "REVITBRIDGE_DEBUG_ENABLED",
	"debug.pprof_enabled":     "REVITBRIDGE_PPROF_ENABLED",
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("queue.db_path", "data/bridge.db")
	v.SetDefault("queue.poll_interval", "500ms")
	v.SetDefault("queue.throttle_window", "2s")
	v.SetDefault("queue.heartbeat_timeout", "60s")
	v.SetDefault("queue.sweep_interval", "10s")
	v.SetDefault("queue.reclaim_after", "2m")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.long_poll_wait", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "server")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("health.enabled", true)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.prefix", "archive/jobs")

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
}

// Load builds the effective configuration. Optional runtime overrides (a
// nested map mirroring the YAML layout) take precedence over environment
// variables, which take precedence over the config file and defaults. The
// result is retained for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return load(ctx, "", overrides...)
}

// LoadFromFile is Load with an explicit config file instead of the
// search path.
func LoadFromFile(ctx context.Context, file string, overrides ...map[string]any) (*Config, error) {
	return load(ctx, file, overrides...)
}

func load(ctx context.Context, file string, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	applyDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("revit-bridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/revit-bridge")
		v.AddConfigPath("/etc/revit-bridge")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !asConfigFileNotFound(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for key, envVar := range envBindings {
		if err := v.BindEnv(key, envVar); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", envVar, err)
		}
	}

	for _, override := range overrides {
		for key, value := range flattenOverrides("", override) {
			v.Set(key, value)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, nil before the
// first Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// EnvBindings lists the recognized environment variables, for doc output.
func EnvBindings() map[string]string {
	out := make(map[string]string, len(envBindings))
	for k, v := range envBindings {
		out[k] = v
	}
	return out
}

func flattenOverrides(prefix string, values map[string]any) map[string]any {
	flat := make(map[string]any)
	for key, value := range values {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			for nk, nv := range flattenOverrides(full, nested) {
				flat[nk] = nv
			}
			continue
		}
		flat[full] = value
	}
	return flat
}

func asConfigFileNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	// Some fs layers wrap the sentinel; fall back to a message check.
	return strings.Contains(err.Error(), "Not Found")
}
