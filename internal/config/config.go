package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	DataDir    string `toml:"data_dir"`
	LogDir     string `toml:"log_dir"`
	InboxDir   string `toml:"inbox_dir"`
}

// Scheduler contains worker pool, retry, and housekeeping settings.
type Scheduler struct {
	Concurrency          int    `toml:"concurrency"`
	TimeoutSeconds       int    `toml:"timeout_seconds"`
	MaxRetries           int    `toml:"max_retries"`
	BackoffPolicy        string `toml:"backoff_policy"`
	BackoffSeconds       []int  `toml:"backoff_seconds"`
	BackoffMaxSeconds    int    `toml:"backoff_max_seconds"`
	RetentionHours       int    `toml:"retention_hours"`
	GCSchedule           string `toml:"gc_schedule"`
	MaxBacklog           int    `toml:"max_backlog"`
	HashConcurrency      int    `toml:"hash_concurrency"`
	PollIntervalSeconds  int    `toml:"poll_interval_seconds"`
	StatsIntervalSeconds int    `toml:"stats_interval_seconds"`
}

// Dedup contains hash registry settings.
type Dedup struct {
	Backend          string `toml:"backend"`
	Algorithm        string `toml:"algorithm"`
	SQLitePath       string `toml:"sqlite_path"`
	RedisAddr        string `toml:"redis_addr"`
	RedisPassword    string `toml:"redis_password"`
	RedisDB          int    `toml:"redis_db"`
	RedisPrefix      string `toml:"redis_prefix"`
	PostgresDSN      string `toml:"postgres_dsn"`
	UnusedMaxAgeDays int    `toml:"unused_max_age_days"`
	UnusedLimit      int    `toml:"unused_limit"`
}

// Transcode contains engine selection, compression thresholds, and target constraints.
type Transcode struct {
	Engine                   string  `toml:"engine"`
	FFmpegBinary             string  `toml:"ffmpeg_binary"`
	FFprobeBinary            string  `toml:"ffprobe_binary"`
	Preset                   string  `toml:"preset"`
	MaxWidth                 int     `toml:"max_width"`
	MaxHeight                int     `toml:"max_height"`
	Quality                  float64 `toml:"quality"`
	SizeThresholdMB          int     `toml:"size_threshold_mb"`
	BitrateThreshold         int64   `toml:"bitrate_threshold"`
	DurationThresholdSeconds int     `toml:"duration_threshold_seconds"`
}

// Storage contains object store settings.
type Storage struct {
	ObjectDir     string `toml:"object_dir"`
	PublicBaseURL string `toml:"public_base_url"`
}

// Notifications contains ntfy delivery settings. An empty topic disables
// notifications.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	NotifyCompletions     bool   `toml:"notify_completions"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for vidpress.
//
// Configuration sections by subsystem:
//   - Paths: staging, data, log, and inbox directories
//   - Scheduler: concurrency ceiling, timeouts, retry policy, GC
//   - Dedup: hash registry backend and digest algorithm
//   - Transcode: engine, compression thresholds, target constraints
//   - Storage: content-addressed object directory and public URL
//   - Notifications: ntfy topic for job alerts
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Scheduler     Scheduler     `toml:"scheduler"`
	Dedup         Dedup         `toml:"dedup"`
	Transcode     Transcode     `toml:"transcode"`
	Storage       Storage       `toml:"storage"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/vidpress/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized. A .env file in the working directory is
// loaded first so environment fallbacks can be kept out of the TOML file.
func Load(path string) (*Config, string, bool, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, "", false, err
	}

	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if info.IsDir() {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("vidpress.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the scheduler and registry write to.
// The inbox is only created when configured.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StagingDir, c.Paths.DataDir, c.Paths.LogDir, c.Storage.ObjectDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.InboxDir) != "" {
		if err := os.MkdirAll(c.Paths.InboxDir, 0o755); err != nil {
			return fmt.Errorf("create inbox directory %q: %w", c.Paths.InboxDir, err)
		}
	}
	return nil
}

// JobTimeout returns the hard per-attempt deadline.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Scheduler.TimeoutSeconds) * time.Second
}

// Retention returns how long terminal jobs stay in memory.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Scheduler.RetentionHours) * time.Hour
}

// BackoffSchedule returns the configured retry delays in order.
func (c *Config) BackoffSchedule() []time.Duration {
	out := make([]time.Duration, 0, len(c.Scheduler.BackoffSeconds))
	for _, secs := range c.Scheduler.BackoffSeconds {
		out = append(out, time.Duration(secs)*time.Second)
	}
	return out
}

// BackoffMax returns the exponential backoff cap.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Scheduler.BackoffMaxSeconds) * time.Second
}

// PollInterval returns the inbox polling interval used by the daemon.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

// StatsInterval returns the daemon stats heartbeat interval.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.Scheduler.StatsIntervalSeconds) * time.Second
}

// SizeThresholdBytes returns the file size above which inputs are always compressed.
func (c *Config) SizeThresholdBytes() int64 {
	return int64(c.Transcode.SizeThresholdMB) * 1024 * 1024
}

// UnusedMaxAge returns the idle window used by the unused-artifact sweep.
func (c *Config) UnusedMaxAge() time.Duration {
	return time.Duration(c.Dedup.UnusedMaxAgeDays) * 24 * time.Hour
}

// LockPath returns the single-instance lock file used by the daemon.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.LogDir, "vidpress.lock")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
