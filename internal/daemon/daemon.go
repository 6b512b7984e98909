package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"vidpress/internal/config"
	"vidpress/internal/logging"
	"vidpress/internal/scheduler"
)

// videoExtensions maps accepted inbox/manual file extensions to MIME types.
var videoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
}

// inboxOwner is the owner id recorded for files picked up from the inbox.
const inboxOwner = "inbox"

// Scheduler is the subset of the compression scheduler the daemon drives.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop()
	Submit(ctx context.Context, req scheduler.SubmitRequest) (scheduler.Submission, error)
	Stats() scheduler.Stats
}

// Daemon coordinates the scheduler and inbox watcher and enforces
// single-instance execution.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	scheduler Scheduler
	closers   []io.Closer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	observed  map[string]fileState
	submitted map[string]string
	rejected  map[string]fileState
}

type fileState struct {
	size    int64
	modTime time.Time
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	Stats        scheduler.Stats
	InboxDir     string
	Submitted    int
	LockFilePath string
}

// New constructs a daemon. closers are released by Close after the
// scheduler stops.
func New(cfg *config.Config, sched Scheduler, logger *slog.Logger, closers ...io.Closer) (*Daemon, error) {
	if cfg == nil || sched == nil || logger == nil {
		return nil, errors.New("daemon requires config, scheduler, and logger")
	}
	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "daemon"),
		scheduler: sched,
		closers:   closers,
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
		observed:  make(map[string]fileState),
		submitted: make(map[string]string),
		rejected:  make(map[string]fileState),
	}, nil
}

// Start acquires the daemon lock, starts the scheduler, and launches the
// inbox poller and stats heartbeat.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another vidpress daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.scheduler.Start(runCtx); err != nil {
		_ = d.lock.Unlock()
		cancel()
		return fmt.Errorf("start scheduler: %w", err)
	}
	d.cancel = cancel
	d.running.Store(true)

	if inbox := strings.TrimSpace(d.cfg.Paths.InboxDir); inbox != "" {
		d.wg.Add(1)
		go d.pollInbox(runCtx, inbox)
	}
	if interval := d.cfg.StatsInterval(); interval > 0 {
		d.wg.Add(1)
		go d.heartbeat(runCtx, interval)
	}

	d.logger.Info("vidpress daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("inbox", d.cfg.Paths.InboxDir),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	d.scheduler.Stop()
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "daemon_unlock_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "next daemon start may report a running instance"),
		)
	}
	d.running.Store(false)
	d.logger.Info("vidpress daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon and releases resources handed to New.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	for _, c := range d.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AddFile submits a single file for compression.
func (d *Daemon) AddFile(ctx context.Context, sourcePath, ownerID string, priority scheduler.Priority) (scheduler.Submission, error) {
	trimmed := strings.TrimSpace(sourcePath)
	if trimmed == "" {
		return scheduler.Submission{}, errors.New("source path is required")
	}
	absPath, err := filepath.Abs(trimmed)
	if err != nil {
		return scheduler.Submission{}, fmt.Errorf("resolve source path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return scheduler.Submission{}, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return scheduler.Submission{}, fmt.Errorf("source path %q is a directory", absPath)
	}
	mimeType, ok := MimeType(absPath)
	if !ok {
		return scheduler.Submission{}, fmt.Errorf("unsupported file extension %q", filepath.Ext(absPath))
	}
	sub, err := d.scheduler.Submit(ctx, scheduler.SubmitRequest{
		InputPath:   absPath,
		OwnerID:     ownerID,
		DisplayName: DisplayName(absPath),
		MimeType:    mimeType,
		Priority:    priority,
	})
	if err != nil {
		return scheduler.Submission{}, err
	}
	d.logger.Info("file submitted",
		logging.String(logging.FieldJobID, sub.JobID),
		logging.String("source", absPath),
		logging.Bool("duplicate", sub.Duplicate),
	)
	return sub, nil
}

// ScanInbox performs one inbox pass and returns how many files were
// submitted. A file is submitted once its size and mtime are unchanged
// between two consecutive passes.
func (d *Daemon) ScanInbox(ctx context.Context) (int, error) {
	inbox := strings.TrimSpace(d.cfg.Paths.InboxDir)
	if inbox == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(inbox)
	if err != nil {
		return 0, fmt.Errorf("read inbox: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	ready := make([]string, 0, len(entries))
	d.mu.Lock()
	present := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(inbox, entry.Name())
		if _, ok := MimeType(path); !ok {
			continue
		}
		present[path] = struct{}{}
		if _, done := d.submitted[path]; done {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		state := fileState{size: info.Size(), modTime: info.ModTime()}
		if bad, ok := d.rejected[path]; ok {
			if bad == state {
				continue
			}
			delete(d.rejected, path)
		}
		prev, seen := d.observed[path]
		d.observed[path] = state
		if seen && prev == state {
			ready = append(ready, path)
		}
	}
	for path := range d.observed {
		if _, ok := present[path]; !ok {
			delete(d.observed, path)
		}
	}
	for path := range d.submitted {
		if _, ok := present[path]; !ok {
			delete(d.submitted, path)
		}
	}
	for path := range d.rejected {
		if _, ok := present[path]; !ok {
			delete(d.rejected, path)
		}
	}
	d.mu.Unlock()

	submitted := 0
	for _, path := range ready {
		sub, err := d.AddFile(ctx, path, inboxOwner, scheduler.PriorityNormal)
		if err != nil {
			if errors.Is(err, scheduler.ErrBacklogFull) {
				// Stays observed; retried on a later pass.
				continue
			}
			logging.WarnWithContext(d.logger, "inbox file rejected", "inbox_submit_failed",
				logging.String("source", path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the file is a readable video"),
				logging.String(logging.FieldImpact, "file is skipped until its size or modification time changes"),
			)
			d.mu.Lock()
			d.rejected[path] = d.observed[path]
			delete(d.observed, path)
			d.mu.Unlock()
			continue
		}
		d.mu.Lock()
		d.submitted[path] = sub.JobID
		delete(d.observed, path)
		d.mu.Unlock()
		submitted++
	}
	return submitted, nil
}

func (d *Daemon) pollInbox(ctx context.Context, inbox string) {
	defer d.wg.Done()
	interval := d.cfg.PollInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.ScanInbox(ctx); err != nil {
			logging.WarnWithContext(d.logger, "inbox scan failed", "inbox_scan_failed",
				logging.String("inbox", inbox),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check inbox_dir exists and is readable"),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) heartbeat(ctx context.Context, interval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := d.scheduler.Stats()
			d.logger.Info("scheduler heartbeat",
				logging.String(logging.FieldEventType, "scheduler_heartbeat"),
				logging.Int("pending", st.Pending),
				logging.Int("running", st.Running),
				logging.Int("completed", st.Completed),
				logging.Int("failed", st.Failed),
				logging.Int64("submitted", st.Counters.Submitted),
				logging.Int64("deduplicated", st.Counters.Deduplicated),
				logging.Int64("retried", st.Counters.Retried),
				logging.Float64("avg_latency_ms", st.Counters.AvgLatencyMs),
			)
		}
	}
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	submitted := len(d.submitted)
	d.mu.Unlock()
	return Status{
		Running:      d.running.Load(),
		Stats:        d.scheduler.Stats(),
		InboxDir:     d.cfg.Paths.InboxDir,
		Submitted:    submitted,
		LockFilePath: d.lockPath,
	}
}

// MimeType reports the MIME type for a supported video path.
func MimeType(path string) (string, bool) {
	mimeType, ok := videoExtensions[strings.ToLower(filepath.Ext(path))]
	return mimeType, ok
}

// DisplayName derives a human-readable name from a file path.
func DisplayName(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.NewReplacer("_", " ", ".", " ").Replace(name)
	if name = strings.TrimSpace(name); name == "" {
		return base
	}
	return name
}
