package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeScheduler()
	if err := c.normalizeDedup(); err != nil {
		return err
	}
	c.normalizeTranscode()
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.InboxDir) != "" {
		if c.Paths.InboxDir, err = expandPath(c.Paths.InboxDir); err != nil {
			return fmt.Errorf("paths.inbox_dir: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeScheduler() {
	c.Scheduler.BackoffPolicy = strings.ToLower(strings.TrimSpace(c.Scheduler.BackoffPolicy))
	if c.Scheduler.BackoffPolicy == "" {
		c.Scheduler.BackoffPolicy = defaultBackoffPolicy
	}
	c.Scheduler.GCSchedule = strings.TrimSpace(c.Scheduler.GCSchedule)
	if c.Scheduler.GCSchedule == "" {
		c.Scheduler.GCSchedule = defaultGCSchedule
	}
	if c.Scheduler.HashConcurrency <= 0 {
		c.Scheduler.HashConcurrency = defaultHashConcurrency
	}
}

func (c *Config) normalizeDedup() error {
	c.Dedup.Backend = strings.ToLower(strings.TrimSpace(c.Dedup.Backend))
	if value, ok := os.LookupEnv("VIDPRESS_DEDUP_BACKEND"); ok && strings.TrimSpace(value) != "" {
		c.Dedup.Backend = strings.ToLower(strings.TrimSpace(value))
	}
	if c.Dedup.Backend == "" {
		c.Dedup.Backend = defaultDedupBackend
	}
	c.Dedup.Algorithm = strings.ToLower(strings.TrimSpace(c.Dedup.Algorithm))
	if c.Dedup.Algorithm == "" {
		c.Dedup.Algorithm = defaultDedupAlgorithm
	}

	if strings.TrimSpace(c.Dedup.SQLitePath) == "" {
		c.Dedup.SQLitePath = filepath.Join(c.Paths.DataDir, "registry.db")
	}
	var err error
	if c.Dedup.SQLitePath, err = expandPath(c.Dedup.SQLitePath); err != nil {
		return fmt.Errorf("dedup.sqlite_path: %w", err)
	}

	if value, ok := os.LookupEnv("VIDPRESS_REDIS_ADDR"); ok && strings.TrimSpace(value) != "" {
		c.Dedup.RedisAddr = strings.TrimSpace(value)
	}
	c.Dedup.RedisPassword = strings.TrimSpace(c.Dedup.RedisPassword)
	if c.Dedup.RedisPassword == "" {
		if value, ok := os.LookupEnv("VIDPRESS_REDIS_PASSWORD"); ok {
			c.Dedup.RedisPassword = strings.TrimSpace(value)
		}
	}
	if strings.TrimSpace(c.Dedup.RedisPrefix) == "" {
		c.Dedup.RedisPrefix = defaultRedisPrefix
	}
	c.Dedup.PostgresDSN = strings.TrimSpace(c.Dedup.PostgresDSN)
	if c.Dedup.PostgresDSN == "" {
		if value, ok := os.LookupEnv("VIDPRESS_POSTGRES_DSN"); ok {
			c.Dedup.PostgresDSN = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeTranscode() {
	c.Transcode.Engine = strings.ToLower(strings.TrimSpace(c.Transcode.Engine))
	if c.Transcode.Engine == "" {
		c.Transcode.Engine = defaultEngine
	}
	c.Transcode.FFmpegBinary = strings.TrimSpace(c.Transcode.FFmpegBinary)
	if c.Transcode.FFmpegBinary == "" {
		c.Transcode.FFmpegBinary = defaultFFmpegBinary
	}
	c.Transcode.FFprobeBinary = strings.TrimSpace(c.Transcode.FFprobeBinary)
	if c.Transcode.FFprobeBinary == "" {
		c.Transcode.FFprobeBinary = defaultFFprobeBinary
	}
	c.Transcode.Preset = strings.ToLower(strings.TrimSpace(c.Transcode.Preset))
	if c.Transcode.Preset == "" {
		c.Transcode.Preset = defaultPreset
	}
}

func (c *Config) normalizeStorage() error {
	var err error
	if c.Storage.ObjectDir, err = expandPath(c.Storage.ObjectDir); err != nil {
		return fmt.Errorf("storage.object_dir: %w", err)
	}
	c.Storage.PublicBaseURL = strings.TrimSpace(c.Storage.PublicBaseURL)
	if c.Storage.PublicBaseURL == "" {
		if value, ok := os.LookupEnv("VIDPRESS_PUBLIC_BASE_URL"); ok {
			c.Storage.PublicBaseURL = strings.TrimSpace(value)
		}
	}
	if c.Storage.PublicBaseURL == "" {
		c.Storage.PublicBaseURL = defaultPublicBaseURL + c.Storage.ObjectDir
	}
	c.Storage.PublicBaseURL = strings.TrimRight(c.Storage.PublicBaseURL, "/")
	return nil
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("VIDPRESS_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNotifyTimeoutSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
