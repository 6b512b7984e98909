package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateDedup(); err != nil {
		return err
	}
	if err := c.validateTranscode(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	for key, value := range map[string]string{
		"paths.staging_dir":  c.Paths.StagingDir,
		"paths.data_dir":     c.Paths.DataDir,
		"paths.log_dir":      c.Paths.LogDir,
		"storage.object_dir": c.Storage.ObjectDir,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must be set", key)
		}
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if err := ensurePositiveMap(map[string]int{
		"scheduler.concurrency":            c.Scheduler.Concurrency,
		"scheduler.timeout_seconds":        c.Scheduler.TimeoutSeconds,
		"scheduler.retention_hours":        c.Scheduler.RetentionHours,
		"scheduler.hash_concurrency":       c.Scheduler.HashConcurrency,
		"scheduler.poll_interval_seconds":  c.Scheduler.PollIntervalSeconds,
		"scheduler.stats_interval_seconds": c.Scheduler.StatsIntervalSeconds,
	}); err != nil {
		return err
	}
	if c.Scheduler.MaxRetries < 0 {
		return errors.New("scheduler.max_retries must be >= 0")
	}
	if c.Scheduler.MaxBacklog < 0 {
		return errors.New("scheduler.max_backlog must be >= 0 (0 disables the ceiling)")
	}
	switch c.Scheduler.BackoffPolicy {
	case BackoffSchedule:
		if c.Scheduler.MaxRetries > 0 && len(c.Scheduler.BackoffSeconds) == 0 {
			return errors.New("scheduler.backoff_seconds must include at least one delay when retries are enabled")
		}
	case BackoffExponential:
		if len(c.Scheduler.BackoffSeconds) == 0 {
			return errors.New("scheduler.backoff_seconds must include the base delay for exponential backoff")
		}
		if c.Scheduler.BackoffMaxSeconds <= 0 {
			return errors.New("scheduler.backoff_max_seconds must be positive for exponential backoff")
		}
	default:
		return fmt.Errorf("scheduler.backoff_policy: unsupported value %q (want %q or %q)", c.Scheduler.BackoffPolicy, BackoffSchedule, BackoffExponential)
	}
	for _, secs := range c.Scheduler.BackoffSeconds {
		if secs < 0 {
			return errors.New("scheduler.backoff_seconds entries must be >= 0")
		}
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Scheduler.GCSchedule); err != nil {
		return fmt.Errorf("scheduler.gc_schedule: %w", err)
	}
	return nil
}

func (c *Config) validateDedup() error {
	switch c.Dedup.Backend {
	case BackendSQLite:
		if strings.TrimSpace(c.Dedup.SQLitePath) == "" {
			return errors.New("dedup.sqlite_path must be set when dedup.backend is sqlite")
		}
	case BackendRedis:
		if strings.TrimSpace(c.Dedup.RedisAddr) == "" {
			return errors.New("dedup.redis_addr must be set when dedup.backend is redis (or set VIDPRESS_REDIS_ADDR)")
		}
		if c.Dedup.RedisDB < 0 {
			return errors.New("dedup.redis_db must be >= 0")
		}
	case BackendPostgres:
		if c.Dedup.PostgresDSN == "" {
			return errors.New("dedup.postgres_dsn must be set when dedup.backend is postgres (or set VIDPRESS_POSTGRES_DSN)")
		}
	default:
		return fmt.Errorf("dedup.backend: unsupported value %q", c.Dedup.Backend)
	}
	switch c.Dedup.Algorithm {
	case "sha256", "blake2b":
	default:
		return fmt.Errorf("dedup.algorithm: unsupported value %q (want sha256 or blake2b)", c.Dedup.Algorithm)
	}
	return ensurePositiveMap(map[string]int{
		"dedup.unused_max_age_days": c.Dedup.UnusedMaxAgeDays,
		"dedup.unused_limit":        c.Dedup.UnusedLimit,
	})
}

func (c *Config) validateTranscode() error {
	switch c.Transcode.Engine {
	case EngineFFmpeg, EngineDrapto:
	default:
		return fmt.Errorf("transcode.engine: unsupported value %q", c.Transcode.Engine)
	}
	switch c.Transcode.Preset {
	case "fast", "standard", "high":
	default:
		return fmt.Errorf("transcode.preset: unsupported value %q (want fast, standard, or high)", c.Transcode.Preset)
	}
	if c.Transcode.Quality < 0 || c.Transcode.Quality > 1 {
		return errors.New("transcode.quality must be between 0 and 1")
	}
	if c.Transcode.BitrateThreshold <= 0 {
		return errors.New("transcode.bitrate_threshold must be positive")
	}
	return ensurePositiveMap(map[string]int{
		"transcode.max_width":                  c.Transcode.MaxWidth,
		"transcode.max_height":                 c.Transcode.MaxHeight,
		"transcode.size_threshold_mb":          c.Transcode.SizeThresholdMB,
		"transcode.duration_threshold_seconds": c.Transcode.DurationThresholdSeconds,
	})
}

func (c *Config) validateNotifications() error {
	topic := c.Notifications.NtfyTopic
	if topic == "" {
		return nil
	}
	parsed, err := url.Parse(topic)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("notifications.ntfy_topic must be an http(s) URL, got %q", topic)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
