// Package config loads the orchestrator configuration from environment
// variables, optionally overlaid by a YAML config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"phone-orchestrator/core/notify"
)

// Valid log levels, most to least verbose.
var logLevels = []string{"DEBUG", "INFO", "WARNING", "ERROR"}

// Duration is a time.Duration that decodes from strings like "30m" or "5s"
// in the YAML config file.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds the application configuration.
type Config struct {
	// Command protocol
	CmdPort    int    `yaml:"cmd_port"`
	CallbackIP string `yaml:"callback_ip"`

	// HTTP API
	HTTPPort int `yaml:"http_port"`

	// Logging
	LogFile  string `yaml:"logfile"`
	LogLevel string `yaml:"loglevel"`

	// Fleet
	SnapshotPath  string   `yaml:"snapshot_path"`
	ClearSnapshot bool     `yaml:"clear_snapshot"`
	RebootOnStart bool     `yaml:"reboot_on_start"`
	WorkerCommand string   `yaml:"worker_command"`
	CrashWindow   Duration `yaml:"crash_window"`
	CrashLimit    int      `yaml:"crash_limit"`
	PollInterval  Duration `yaml:"poll_interval"`

	// Builds
	Repos           []string `yaml:"repos"`
	BuildTypes      []string `yaml:"buildtypes"`
	BuildBaseURL    string   `yaml:"build_base_url"`
	CacheDir        string   `yaml:"cache_dir"`
	OverrideDir     string   `yaml:"override_build_dir"`
	EnableUnittests bool     `yaml:"enable_unittests"`

	// Push feed
	FeedURL string `yaml:"feed_url"`

	// Operational history
	DatabaseURL string `yaml:"database_url"`

	// Crash log archive
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`

	// Notifications
	Email notify.SMTPConfig `yaml:"email"`
}

// Load builds the configuration from environment variables with defaults,
// then overlays the YAML file named by CONFIG_FILE when set.
func Load() (*Config, error) {
	cfg := &Config{
		CmdPort:       getEnvInt("CMD_PORT", 28001),
		CallbackIP:    getEnv("CALLBACK_IP", ""),
		HTTPPort:      getEnvInt("HTTP_PORT", 8080),
		LogFile:       getEnv("LOGFILE", "phone-orchestrator.log"),
		LogLevel:      getEnv("LOGLEVEL", "DEBUG"),
		SnapshotPath:  getEnv("SNAPSHOT_PATH", "phone_cache.json"),
		WorkerCommand: getEnv("WORKER_COMMAND", "phone-worker"),
		CrashWindow:   getEnvDuration("CRASH_WINDOW", 0),
		PollInterval:  getEnvDuration("POLL_INTERVAL", 5*time.Second),
		Repos:         splitList(getEnv("REPOS", "mozilla-central")),
		BuildTypes:    splitList(getEnv("BUILDTYPES", "opt")),
		BuildBaseURL:  getEnv("BUILD_BASE_URL", ""),
		CacheDir:      getEnv("CACHE_DIR", "builds"),
		OverrideDir:   getEnv("OVERRIDE_BUILD_DIR", ""),
		FeedURL:       getEnv("FEED_URL", ""),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		S3Bucket:      getEnv("S3_BUCKET", ""),
		S3Prefix:      getEnv("S3_PREFIX", "phone-logs"),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	level := strings.ToUpper(c.LogLevel)
	valid := false
	for _, l := range logLevels {
		if level == l {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	c.LogLevel = level
	if len(c.Repos) == 0 {
		c.Repos = []string{"mozilla-central"}
	}
	if len(c.BuildTypes) == 0 {
		c.BuildTypes = []string{"opt"}
	}
	return nil
}

// DebugLogging reports whether debug-level messages should be logged.
func (c *Config) DebugLogging() bool {
	return c.LogLevel == "DEBUG"
}

// WorkerLogPrefix is the per-device logfile prefix, derived from the main
// logfile name.
func (c *Config) WorkerLogPrefix() string {
	return strings.TrimSuffix(c.LogFile, ".log")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return Duration(d)
		}
	}
	return Duration(defaultValue)
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
