package config

const (
	defaultStagingDir           = "~/.local/share/vidpress/staging"
	defaultDataDir              = "~/.local/share/vidpress/data"
	defaultLogDir               = "~/.local/share/vidpress/logs"
	defaultObjectDir            = "~/.local/share/vidpress/objects"
	defaultPublicBaseURL        = "file://"
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultConcurrency          = 4
	defaultTimeoutSeconds       = 600
	defaultMaxRetries           = 2
	defaultBackoffPolicy        = BackoffSchedule
	defaultBackoffMaxSeconds    = 300
	defaultRetentionHours       = 24
	defaultGCSchedule           = "@every 1h"
	defaultHashConcurrency      = 2
	defaultPollIntervalSeconds  = 5
	defaultStatsIntervalSeconds = 60
	defaultDedupBackend         = BackendSQLite
	defaultDedupAlgorithm       = "sha256"
	defaultRedisAddr            = "127.0.0.1:6379"
	defaultRedisPrefix          = "vidpress:"
	defaultUnusedMaxAgeDays     = 30
	defaultUnusedLimit          = 100
	defaultEngine               = EngineFFmpeg
	defaultFFmpegBinary         = "ffmpeg"
	defaultFFprobeBinary        = "ffprobe"
	defaultPreset               = "standard"
	defaultMaxWidth             = 1280
	defaultMaxHeight            = 720
	defaultQuality              = 0.8
	defaultSizeThresholdMB      = 30
	defaultBitrateThreshold     = 2_000_000
	defaultDurationThreshold    = 600
	defaultNotifyTimeoutSeconds = 10
)

// Registry backends.
const (
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Transcode engines.
const (
	EngineFFmpeg = "ffmpeg"
	EngineDrapto = "drapto"
)

// Backoff policies.
const (
	BackoffSchedule    = "schedule"
	BackoffExponential = "exponential"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			DataDir:    defaultDataDir,
			LogDir:     defaultLogDir,
		},
		Scheduler: Scheduler{
			Concurrency:          defaultConcurrency,
			TimeoutSeconds:       defaultTimeoutSeconds,
			MaxRetries:           defaultMaxRetries,
			BackoffPolicy:        defaultBackoffPolicy,
			BackoffSeconds:       []int{5, 10},
			BackoffMaxSeconds:    defaultBackoffMaxSeconds,
			RetentionHours:       defaultRetentionHours,
			GCSchedule:           defaultGCSchedule,
			HashConcurrency:      defaultHashConcurrency,
			PollIntervalSeconds:  defaultPollIntervalSeconds,
			StatsIntervalSeconds: defaultStatsIntervalSeconds,
		},
		Dedup: Dedup{
			Backend:          defaultDedupBackend,
			Algorithm:        defaultDedupAlgorithm,
			RedisAddr:        defaultRedisAddr,
			RedisPrefix:      defaultRedisPrefix,
			UnusedMaxAgeDays: defaultUnusedMaxAgeDays,
			UnusedLimit:      defaultUnusedLimit,
		},
		Transcode: Transcode{
			Engine:                   defaultEngine,
			FFmpegBinary:             defaultFFmpegBinary,
			FFprobeBinary:            defaultFFprobeBinary,
			Preset:                   defaultPreset,
			MaxWidth:                 defaultMaxWidth,
			MaxHeight:                defaultMaxHeight,
			Quality:                  defaultQuality,
			SizeThresholdMB:          defaultSizeThresholdMB,
			BitrateThreshold:         defaultBitrateThreshold,
			DurationThresholdSeconds: defaultDurationThreshold,
		},
		Storage: Storage{
			ObjectDir: defaultObjectDir,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNotifyTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
