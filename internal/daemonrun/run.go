package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vidpress/internal/config"
	"vidpress/internal/daemon"
	"vidpress/internal/dedup"
	"vidpress/internal/deps"
	"vidpress/internal/logging"
	"vidpress/internal/notifications"
	"vidpress/internal/objectstore"
	"vidpress/internal/preflight"
	"vidpress/internal/scheduler"
	"vidpress/internal/staging"
	"vidpress/internal/transcode"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Runtime holds the wired components shared by the daemon and the one-shot
// compress command.
type Runtime struct {
	Registry  *dedup.Registry
	Store     *objectstore.FS
	Engine    transcode.Engine
	Worker    *transcode.Worker
	Scheduler *scheduler.Scheduler
	Notifier  notifications.Service
}

// Build opens the registry and object store and wires the worker and
// scheduler. Callers own Close.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	store, err := objectstore.NewFS(cfg.Storage.ObjectDir, cfg.Storage.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	engine, err := transcode.NewEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	registry, err := dedup.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	worker := transcode.NewWorker(engine, store, transcode.WorkerOptions{
		FFprobeBinary: deps.ResolveFFprobePath(cfg.Transcode.FFprobeBinary, cfg.Transcode.FFmpegBinary),
		HashAlgorithm: cfg.Dedup.Algorithm,
		Thresholds:    transcode.ThresholdsFromConfig(cfg),
	}, logger)
	opts := scheduler.OptionsFromConfig(cfg)
	notifier := notifications.NewService(cfg)
	if notifications.Enabled(notifier) {
		opts.OnFinish = jobNotifier(cfg, notifier, logger)
	}
	sched := scheduler.New(opts, worker, registry, logger)
	return &Runtime{
		Registry:  registry,
		Store:     store,
		Engine:    engine,
		Worker:    worker,
		Scheduler: sched,
		Notifier:  notifier,
	}, nil
}

// jobNotifier publishes terminal failures, and completions when
// notifications.notify_completions is set.
func jobNotifier(cfg *config.Config, notifier notifications.Service, logger *slog.Logger) func(scheduler.JobSnapshot) {
	timeout := time.Duration(cfg.Notifications.RequestTimeoutSeconds) * time.Second
	return func(snap scheduler.JobSnapshot) {
		job := notifications.Job{
			ID:       snap.ID,
			Name:     snap.DisplayName,
			Attempts: snap.Attempts,
			Error:    snap.Error,
		}
		if res := snap.Result; res != nil {
			job.Deduplicated = res.Deduplicated
			job.Compressed = res.Compressed
			job.OriginalSize = res.OriginalSize
			job.CompressedSize = res.CompressedSize
			job.Ratio = res.CompressionRatio
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		var err error
		switch {
		case snap.Status == scheduler.StatusFailed:
			err = notifier.NotifyJobFailed(ctx, job)
		case cfg.Notifications.NotifyCompletions:
			err = notifier.NotifyJobCompleted(ctx, job)
		}
		if err != nil {
			logging.WarnWithContext(logger, "job notification failed", "notification_failed",
				logging.String(logging.FieldJobID, snap.ID),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			)
		}
	}
}

// Close stops the scheduler and releases the registry.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	if r.Scheduler != nil {
		r.Scheduler.Stop()
	}
	if r.Registry != nil {
		return r.Registry.Close()
	}
	return nil
}

// Run starts the vidpress daemon runtime loop.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("vidpress-%s.log", runID))
	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update vidpress.log link: %v\n", err)
	}

	logDependencySnapshot(logger, cfg)
	if failed := preflight.Failed(preflight.RunAll(signalCtx, cfg)); len(failed) > 0 {
		for _, r := range failed {
			logging.ErrorWithContext(logger, "preflight check failed", "preflight_failed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
				logging.String(logging.FieldErrorHint, "run vidpress status for details"),
			)
		}
		return fmt.Errorf("preflight failed: %d check(s)", len(failed))
	}

	pidPath := filepath.Join(cfg.Paths.LogDir, "vidpress.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	// No job survives a restart, so workdirs older than the retention window
	// can only belong to a crashed run.
	if swept := staging.CleanStale(cfg.Paths.StagingDir, cfg.Retention(), time.Now(), logger); len(swept.Removed) > 0 {
		logger.Info("stale workdirs removed",
			logging.String(logging.FieldEventType, "staging_sweep"),
			logging.Int("removed", len(swept.Removed)),
			logging.Int("errors", len(swept.Errors)),
		)
	}

	rt, err := Build(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("build runtime", logging.Error(err))
		return err
	}

	d, err := daemon.New(cfg, rt.Scheduler, logger, rt.Registry)
	if err != nil {
		_ = rt.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if err := rt.Notifier.NotifyDaemonStarted(signalCtx, cfg.Paths.InboxDir); err != nil {
		logging.WarnWithContext(logger, "startup notification failed", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
	}

	<-signalCtx.Done()
	logger.Info("vidpress daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "vidpress.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	ffmpeg := deps.ResolveFFmpegPath(cfg.Transcode.FFmpegBinary)
	ffprobe := deps.ResolveFFprobePath(cfg.Transcode.FFprobeBinary, cfg.Transcode.FFmpegBinary)
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("engine", cfg.Transcode.Engine),
		logging.Bool("ffmpeg_available", binaryAvailable(ffmpeg)),
		logging.String("ffmpeg_binary", ffmpeg),
		logging.Bool("ffprobe_available", binaryAvailable(ffprobe)),
		logging.String("ffprobe_binary", ffprobe),
		logging.String("dedup_backend", cfg.Dedup.Backend),
		logging.String("hash_algorithm", cfg.Dedup.Algorithm),
		logging.Int("concurrency", cfg.Scheduler.Concurrency),
	)
}

func binaryAvailable(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}
