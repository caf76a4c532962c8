package server

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kvstream/logbackup/internal/core"
	"github.com/kvstream/logbackup/internal/subscription"
)

// Metadata backends.
const (
	BackendNATS   = "nats"
	BackendPebble = "pebble"
)

// Duration is a time.Duration that unmarshals from YAML strings (e.g. "5s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Config holds server configuration.
type Config struct {
	Port            string   `yaml:"port"`
	GRPCPort        string   `yaml:"grpc_port"`
	NatsURL         string   `yaml:"nats_url"`
	MetadataBackend string   `yaml:"metadata_backend"`
	DataDir         string   `yaml:"data_dir"`
	Fsync           string   `yaml:"fsync"`
	LogLevel        string   `yaml:"log_level"`
	LogFormat       string   `yaml:"log_format"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	ScanPoolSize       int      `yaml:"scan_pool_size"`
	ScanQueueSize      int      `yaml:"scan_queue_size"`
	MailboxSize        int      `yaml:"mailbox_size"`
	ScanTimeout        Duration `yaml:"scan_timeout"`
	RetryBaseDelay     Duration `yaml:"retry_base_delay"`
	RetryMaxDelay      Duration `yaml:"retry_max_delay"`
	MaxRetries         int      `yaml:"max_retries"`
	ResolveWaitTimeout Duration `yaml:"resolve_wait_timeout"`
	RegionInfoTimeout  Duration `yaml:"region_info_timeout"`
	ResolveInterval    Duration `yaml:"resolve_interval"`
	OOMBackoff         Duration `yaml:"oom_backoff"`
	OOMJitter          Duration `yaml:"oom_jitter"`

	// Tasks seed the pebble backend on startup.
	Tasks []TaskConfig `yaml:"tasks"`
}

// TaskConfig declares a task in the config file.
type TaskConfig struct {
	Name    string           `yaml:"name"`
	StartTS uint64           `yaml:"start_ts"`
	Ranges  []KeyRangeConfig `yaml:"ranges"`
}

// KeyRangeConfig is a key range with string keys. An empty end is unbounded.
type KeyRangeConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// TaskInfo converts c into a running task.
func (c TaskConfig) TaskInfo() core.TaskInfo {
	ranges := make([]core.KeyRange, 0, len(c.Ranges))
	for _, r := range c.Ranges {
		kr := core.KeyRange{Start: []byte(r.Start)}
		if r.End != "" {
			kr.End = []byte(r.End)
		}
		ranges = append(ranges, kr)
	}
	return core.TaskInfo{
		Name:    c.Name,
		StartTS: core.TimeStamp(c.StartTS),
		Ranges:  ranges,
		Status:  core.TaskStatusRunning,
	}
}

// Default returns the built-in configuration.
func Default() Config {
	mgr := subscription.DefaultConfig()
	return Config{
		Port:               "8080",
		GRPCPort:           "9090",
		NatsURL:            "nats://localhost:4222",
		MetadataBackend:    BackendNATS,
		DataDir:            "data",
		Fsync:              "interval",
		LogLevel:           "info",
		LogFormat:          "json",
		ShutdownTimeout:    Duration(30 * time.Second),
		ScanPoolSize:       mgr.PoolSize,
		ScanQueueSize:      mgr.ScanQueueSize,
		MailboxSize:        mgr.MailboxSize,
		ScanTimeout:        Duration(10 * time.Minute),
		RetryBaseDelay:     Duration(mgr.Retry.BaseDelay),
		RetryMaxDelay:      Duration(mgr.Retry.MaxDelay),
		MaxRetries:         mgr.Retry.MaxRetries,
		ResolveWaitTimeout: Duration(mgr.ResolveWaitTimeout),
		RegionInfoTimeout:  Duration(mgr.RegionInfoTimeout),
		ResolveInterval:    Duration(5 * time.Second),
		OOMBackoff:         Duration(mgr.OOMBackoff),
		OOMJitter:          Duration(mgr.OOMJitter),
	}
}

// LoadConfig reads configuration: defaults, then the YAML file at path (if
// any), then environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("LOGBACKUP_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("LOGBACKUP_HTTP_PORT", c.Port)
	c.GRPCPort = getEnv("LOGBACKUP_GRPC_PORT", c.GRPCPort)
	c.NatsURL = getEnv("NATS_URL", c.NatsURL)
	c.MetadataBackend = getEnv("LOGBACKUP_METADATA_BACKEND", c.MetadataBackend)
	c.DataDir = getEnv("LOGBACKUP_DATA_DIR", c.DataDir)
	c.Fsync = getEnv("LOGBACKUP_FSYNC", c.Fsync)
	c.LogLevel = getEnv("LOGBACKUP_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOGBACKUP_LOG_FORMAT", c.LogFormat)
	c.ShutdownTimeout = getEnvDuration("LOGBACKUP_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.ScanPoolSize = getEnvInt("LOGBACKUP_SCAN_POOL_SIZE", c.ScanPoolSize)
	c.ScanQueueSize = getEnvInt("LOGBACKUP_SCAN_QUEUE_SIZE", c.ScanQueueSize)
	c.MailboxSize = getEnvInt("LOGBACKUP_MAILBOX_SIZE", c.MailboxSize)
	c.ScanTimeout = getEnvDuration("LOGBACKUP_SCAN_TIMEOUT", c.ScanTimeout)
	c.RetryBaseDelay = getEnvDuration("LOGBACKUP_RETRY_BASE_DELAY", c.RetryBaseDelay)
	c.RetryMaxDelay = getEnvDuration("LOGBACKUP_RETRY_MAX_DELAY", c.RetryMaxDelay)
	c.MaxRetries = getEnvInt("LOGBACKUP_MAX_RETRIES", c.MaxRetries)
	c.ResolveWaitTimeout = getEnvDuration("LOGBACKUP_RESOLVE_WAIT_TIMEOUT", c.ResolveWaitTimeout)
	c.RegionInfoTimeout = getEnvDuration("LOGBACKUP_REGION_INFO_TIMEOUT", c.RegionInfoTimeout)
	c.ResolveInterval = getEnvDuration("LOGBACKUP_RESOLVE_INTERVAL", c.ResolveInterval)
	c.OOMBackoff = getEnvDuration("LOGBACKUP_OOM_BACKOFF", c.OOMBackoff)
	c.OOMJitter = getEnvDuration("LOGBACKUP_OOM_JITTER", c.OOMJitter)
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	switch c.MetadataBackend {
	case BackendNATS, BackendPebble:
	default:
		return fmt.Errorf("unknown metadata backend %q", c.MetadataBackend)
	}
	if c.MetadataBackend == BackendPebble && c.DataDir == "" {
		return fmt.Errorf("data_dir is required for the pebble backend")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base (%s) <= max (%s)",
			c.RetryBaseDelay.Duration(), c.RetryMaxDelay.Duration())
	}
	for i, t := range c.Tasks {
		if err := core.ValidateTaskName(t.Name); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
	}
	return nil
}

// ManagerConfig returns the subscription manager settings.
func (c Config) ManagerConfig() subscription.Config {
	return subscription.Config{
		PoolSize:      c.ScanPoolSize,
		ScanQueueSize: c.ScanQueueSize,
		MailboxSize:   c.MailboxSize,
		Retry: core.RetryPolicy{
			BaseDelay:  c.RetryBaseDelay.Duration(),
			MaxDelay:   c.RetryMaxDelay.Duration(),
			MaxRetries: c.MaxRetries,
		},
		ResolveWaitTimeout: c.ResolveWaitTimeout.Duration(),
		RegionInfoTimeout:  c.RegionInfoTimeout.Duration(),
		OOMBackoff:         c.OOMBackoff.Duration(),
		OOMJitter:          c.OOMJitter.Duration(),
	}
}

// SlogLevel maps LogLevel onto a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal Duration) Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return Duration(d)
		}
	}
	return defaultVal
}
