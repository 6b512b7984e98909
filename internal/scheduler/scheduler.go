package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/unicode/norm"

	"vidpress/internal/config"
	"vidpress/internal/dedup"
	"vidpress/internal/fileutil"
	"vidpress/internal/logging"
	"vidpress/internal/services"
	"vidpress/internal/transcode"
)

var (
	// ErrBacklogFull is returned by Submit when the pending queue is at the
	// configured ceiling.
	ErrBacklogFull = errors.New("scheduler backlog full")
	// ErrStopped is returned once the scheduler is not accepting work.
	ErrStopped = errors.New("scheduler not running")
)

const defaultConcurrency = 4

// Runner executes one attempt of a job.
type Runner interface {
	Run(ctx context.Context, task transcode.Task, progress transcode.ProgressFunc) (transcode.Result, error)
}

// Registry is the subset of the dedup registry the scheduler consults.
type Registry interface {
	Lookup(ctx context.Context, hash string) (*dedup.Record, error)
	Upsert(ctx context.Context, hash string, meta dedup.ArtifactMeta) (*dedup.Record, bool, error)
}

// Options tunes the worker pool and housekeeping.
type Options struct {
	Concurrency     int
	Timeout         time.Duration
	MaxRetries      int
	Backoff         BackoffPolicy
	Retention       time.Duration
	GCSchedule      string
	MaxBacklog      int
	HashConcurrency int
	HashAlgorithm   string
	StagingDir      string
	Defaults        config.Transcode
	// OnFinish, when set, receives a snapshot of every job that reaches a
	// terminal state. It runs on its own goroutine; Stop waits for it.
	OnFinish func(JobSnapshot)
}

// OptionsFromConfig maps configuration onto scheduler options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Concurrency:     cfg.Scheduler.Concurrency,
		Timeout:         cfg.JobTimeout(),
		MaxRetries:      cfg.Scheduler.MaxRetries,
		Backoff:         BackoffFromConfig(cfg),
		Retention:       cfg.Retention(),
		GCSchedule:      cfg.Scheduler.GCSchedule,
		MaxBacklog:      cfg.Scheduler.MaxBacklog,
		HashConcurrency: cfg.Scheduler.HashConcurrency,
		HashAlgorithm:   cfg.Dedup.Algorithm,
		StagingDir:      cfg.Paths.StagingDir,
		Defaults:        cfg.Transcode,
	}
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.Timeout <= 0 {
		o.Timeout = 600 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff == nil {
		o.Backoff = Schedule{Steps: []time.Duration{5 * time.Second, 10 * time.Second}}
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if strings.TrimSpace(o.GCSchedule) == "" {
		o.GCSchedule = "@every 1h"
	}
	if o.HashConcurrency <= 0 {
		o.HashConcurrency = 2
	}
	if o.HashAlgorithm == "" {
		o.HashAlgorithm = dedup.AlgorithmSHA256
	}
	if o.StagingDir == "" {
		o.StagingDir = filepath.Join(os.TempDir(), "vidpress-staging")
	}
	return o
}

// SubmitRequest describes a video to compress.
type SubmitRequest struct {
	InputPath    string
	OwnerID      string
	DisplayName  string
	OriginalHash string
	MimeType     string
	Constraints  transcode.Constraints
	Priority     Priority
}

// Submission acknowledges an accepted job.
type Submission struct {
	JobID     string `json:"job_id"`
	Duplicate bool   `json:"duplicate"`
}

// Counters are cumulative totals since Start.
type Counters struct {
	Submitted    int64   `json:"submitted"`
	Succeeded    int64   `json:"succeeded"`
	Failed       int64   `json:"failed"`
	Deduplicated int64   `json:"deduplicated"`
	Retried      int64   `json:"retried"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Stats is a point-in-time view of the job table and worker pool.
type Stats struct {
	Total              int      `json:"total"`
	Pending            int      `json:"pending"`
	Queued             int      `json:"queued"`
	Running            int      `json:"running"`
	Completed          int      `json:"completed"`
	Failed             int      `json:"failed"`
	ActiveWorkers      int      `json:"active_workers"`
	ConcurrencyCeiling int      `json:"concurrency_ceiling"`
	Counters           Counters `json:"counters"`
}

// Scheduler owns the job table and the worker pool.
type Scheduler struct {
	opts     Options
	runner   Runner
	registry Registry
	logger   *slog.Logger
	hashSem  *semaphore.Weighted

	// mu guards the fields below for readers; only the control goroutine
	// writes them.
	mu         sync.RWMutex
	jobs       map[string]*job
	queue      pendingQueue
	active     int
	counters   Counters
	latencyN   int64
	timers     map[string]*time.Timer
	startedRun bool

	submitCh  chan submitRequest
	msgCh     chan workerMessage
	requeueCh chan string
	gcCh      chan gcRequest
	stopCh    chan struct{}
	loopDone  chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	cron      *cron.Cron
	startOnce sync.Once
	stopOnce  sync.Once
	workers   sync.WaitGroup
	cleanups  sync.WaitGroup
}

// New builds a scheduler. registry may be nil to disable deduplication.
func New(opts Options, runner Runner, registry Registry, logger *slog.Logger) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		opts:      opts,
		runner:    runner,
		registry:  registry,
		logger:    logging.NewComponentLogger(logger, "scheduler"),
		hashSem:   semaphore.NewWeighted(int64(opts.HashConcurrency)),
		jobs:      make(map[string]*job),
		timers:    make(map[string]*time.Timer),
		submitCh:  make(chan submitRequest),
		msgCh:     make(chan workerMessage, 64),
		requeueCh: make(chan string, 16),
		gcCh:      make(chan gcRequest),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// Start launches the control goroutine and the GC cron. Cancelling ctx stops
// the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		c := cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		)))
		if _, err := c.AddFunc(s.opts.GCSchedule, s.runScheduledGC); err != nil {
			startErr = services.Wrap(services.ErrConfiguration, "scheduler", "gc schedule",
				fmt.Sprintf("invalid schedule %q", s.opts.GCSchedule), err)
			close(s.loopDone)
			return
		}
		s.cron = c
		s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
		s.mu.Lock()
		s.startedRun = true
		s.mu.Unlock()

		go s.loop()
		c.Start()
		go func() {
			select {
			case <-ctx.Done():
				s.Stop()
			case <-s.stopCh:
			}
		}()
		s.logger.Info("scheduler started",
			logging.String(logging.FieldEventType, "scheduler_started"),
			logging.Int("concurrency", s.opts.Concurrency),
			logging.Duration("timeout", s.opts.Timeout),
			logging.Int("max_retries", s.opts.MaxRetries),
			logging.String("gc_schedule", s.opts.GCSchedule),
		)
	})
	return startErr
}

// Stop kills running attempts, waits for the control goroutine, and removes
// staging workdirs. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		// Claim startOnce so a never-started scheduler has no loop to wait for.
		s.startOnce.Do(func() { close(s.loopDone) })
		if s.runCancel != nil {
			s.runCancel()
		}
		close(s.stopCh)
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		<-s.loopDone
		s.workers.Wait()
		s.cleanups.Wait()

		s.mu.Lock()
		dirs := make([]string, 0, len(s.jobs))
		for _, j := range s.jobs {
			if j.workDir != "" {
				dirs = append(dirs, j.workDir)
			}
		}
		s.mu.Unlock()
		for _, dir := range dirs {
			s.removeWorkDir(dir)
		}
		s.logger.Info("scheduler stopped", logging.String(logging.FieldEventType, "scheduler_stopped"))
	})
}

// Submit validates req, hashes and deduplicates the input, stages it, and
// hands it to the control goroutine.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	if !s.accepting() {
		return Submission{}, ErrStopped
	}
	if err := validateRequest(&req, s.opts.Defaults); err != nil {
		return Submission{}, err
	}

	hash := dedup.NormalizeHash(req.OriginalHash)
	if hash == "" {
		var err error
		hash, err = s.hashInput(ctx, req.InputPath)
		if err != nil {
			return Submission{}, err
		}
	} else if !dedup.ValidHash(hash) {
		return Submission{}, services.Wrap(services.ErrValidation, "scheduler", "submit",
			fmt.Sprintf("malformed original hash %q", req.OriginalHash), nil)
	}

	id := uuid.NewString()
	logger := s.logger.With(logging.String(logging.FieldJobID, id), logging.Hash(hash))
	j := &job{
		id:           id,
		ownerID:      req.OwnerID,
		displayName:  req.DisplayName,
		inputPath:    req.InputPath,
		mimeType:     req.MimeType,
		originalHash: hash,
		constraints:  req.Constraints,
		priority:     req.Priority,
		status:       StatusPending,
		done:         make(chan struct{}),
	}

	rec, dup := s.lookup(ctx, hash, logger)
	if dup {
		j.result = &JobResult{Result: resultFromRecord(rec, hash), Deduplicated: true}
	} else {
		if err := s.stage(j); err != nil {
			return Submission{}, err
		}
	}

	resp := make(chan error, 1)
	select {
	case s.submitCh <- submitRequest{job: j, dup: dup, resp: resp}:
	case <-s.stopCh:
		s.removeWorkDir(j.workDir)
		return Submission{}, ErrStopped
	case <-ctx.Done():
		s.removeWorkDir(j.workDir)
		return Submission{}, ctx.Err()
	}
	if err := <-resp; err != nil {
		s.removeWorkDir(j.workDir)
		return Submission{}, err
	}
	return Submission{JobID: id, Duplicate: dup}, nil
}

// Job returns a snapshot of one job.
func (s *Scheduler) Job(id string) (JobSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return JobSnapshot{}, fmt.Errorf("job %s: %w", id, services.ErrNotFound)
	}
	return j.snapshot(), nil
}

// Jobs returns snapshots of every tracked job, oldest first.
func (s *Scheduler) Jobs() []JobSnapshot {
	s.mu.RLock()
	out := make([]JobSnapshot, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// QueuedIDs returns the pending queue in dispatch order.
func (s *Scheduler) QueuedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue.ids()
}

// Stats summarises the job table and counters.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Total:              len(s.jobs),
		Queued:             s.queue.len(),
		ActiveWorkers:      s.active,
		ConcurrencyCeiling: s.opts.Concurrency,
		Counters:           s.counters,
	}
	for _, j := range s.jobs {
		switch j.status {
		case StatusPending:
			st.Pending++
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}

// Wait blocks until the job is terminal, ctx is done, or the scheduler stops.
func (s *Scheduler) Wait(ctx context.Context, id string) (JobSnapshot, error) {
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return JobSnapshot{}, fmt.Errorf("job %s: %w", id, services.ErrNotFound)
	}
	select {
	case <-j.done:
		return s.Job(id)
	case <-ctx.Done():
		return JobSnapshot{}, ctx.Err()
	case <-s.stopCh:
		snap, err := s.Job(id)
		if err != nil {
			return JobSnapshot{}, err
		}
		if snap.Terminal() {
			return snap, nil
		}
		return snap, ErrStopped
	}
}

// CollectGarbage drops terminal jobs created before now minus the retention
// window and returns how many were removed.
func (s *Scheduler) CollectGarbage(ctx context.Context, now time.Time) (int, error) {
	resp := make(chan int, 1)
	select {
	case s.gcCh <- gcRequest{now: now, resp: resp}:
	case <-s.stopCh:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return <-resp, nil
}

func (s *Scheduler) runScheduledGC() {
	removed, err := s.CollectGarbage(s.runCtx, time.Now())
	if err != nil {
		return
	}
	if removed > 0 {
		s.logger.Info("expired jobs collected",
			logging.String(logging.FieldEventType, "jobs_collected"),
			logging.Int("removed", removed),
			logging.Duration("retention", s.opts.Retention),
		)
	}
}

func (s *Scheduler) accepting() bool {
	s.mu.RLock()
	started := s.startedRun
	s.mu.RUnlock()
	if !started {
		return false
	}
	select {
	case <-s.stopCh:
		return false
	default:
		return true
	}
}

func validateRequest(req *SubmitRequest, defaults config.Transcode) error {
	invalid := func(msg string, err error) error {
		return services.Wrap(services.ErrValidation, "scheduler", "submit", msg, err)
	}
	req.InputPath = strings.TrimSpace(req.InputPath)
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.DisplayName = norm.NFC.String(strings.TrimSpace(req.DisplayName))
	if req.InputPath == "" {
		return invalid("input path is required", nil)
	}
	info, err := os.Stat(req.InputPath)
	if err != nil {
		return invalid("input not accessible", err)
	}
	if !info.Mode().IsRegular() {
		return invalid(fmt.Sprintf("input %s is not a regular file", req.InputPath), nil)
	}
	if req.OwnerID == "" {
		return invalid("owner id is required", nil)
	}
	if req.DisplayName == "" {
		return invalid("display name is required", nil)
	}
	switch {
	case req.Priority == 0:
		req.Priority = PriorityNormal
	case !req.Priority.Valid():
		return invalid(fmt.Sprintf("unknown priority %d", int(req.Priority)), nil)
	}
	if err := req.Constraints.Validate(); err != nil {
		return invalid("constraints", err)
	}
	req.Constraints = req.Constraints.WithDefaults(defaults)
	return nil
}

func (s *Scheduler) hashInput(ctx context.Context, path string) (string, error) {
	if err := s.hashSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.hashSem.Release(1)
	hash, err := dedup.HashFile(ctx, path, s.opts.HashAlgorithm)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "scheduler", "hash input", "hash failed", err)
	}
	return hash, nil
}

// lookup returns the existing record on a hit. Registry outages are logged and
// treated as a miss.
func (s *Scheduler) lookup(ctx context.Context, hash string, logger *slog.Logger) (*dedup.Record, bool) {
	if s.registry == nil {
		return nil, false
	}
	rec, err := s.registry.Lookup(ctx, hash)
	switch {
	case err == nil && rec != nil:
		logger.Info("dedup decision", logging.Args(logging.DecisionAttrs("dedup", "hit", "hash already registered")...)...)
		return rec, true
	case err == nil || dedup.IsMiss(err):
		logger.Debug("dedup decision", logging.Args(logging.DecisionAttrs("dedup", "miss", "hash not registered")...)...)
		return nil, false
	default:
		logging.WarnWithContext(logger, "registry lookup failed; treating as miss", "registry_lookup_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check dedup backend connectivity"),
			logging.String(logging.FieldImpact, "duplicate uploads may be compressed again"),
		)
		return nil, false
	}
}

func resultFromRecord(rec *dedup.Record, hash string) transcode.Result {
	return transcode.Result{
		OutputLocator:    rec.Locator,
		URL:              rec.URL,
		Compressed:       rec.Compressed,
		Reason:           "duplicate content",
		OriginalSize:     rec.OriginalSize,
		CompressedSize:   rec.CompressedSize,
		CompressionRatio: rec.CompressionRatio,
		OriginalHash:     hash,
		CompressedHash:   rec.CompressedHash,
	}
}

// stage links the input into <staging>/<id>-<slug>.
func (s *Scheduler) stage(j *job) error {
	name := slug.Make(j.displayName)
	if len(name) > 48 {
		name = strings.Trim(name[:48], "-")
	}
	if name == "" {
		name = "video"
	}
	j.workDir = filepath.Join(s.opts.StagingDir, j.id+"-"+name)
	j.stagedPath = filepath.Join(j.workDir, "input"+strings.ToLower(filepath.Ext(j.inputPath)))
	if _, err := fileutil.LinkOrCopy(j.inputPath, j.stagedPath); err != nil {
		s.removeWorkDir(j.workDir)
		return services.Wrap(services.ErrTransient, "scheduler", "stage", "stage input", err)
	}
	return nil
}

func (s *Scheduler) removeWorkDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logging.WarnWithContext(s.logger, "workdir cleanup failed", "workdir_cleanup_failed",
			logging.String("path", dir),
			logging.Error(err),
			logging.String(logging.FieldImpact, "staging disk space not reclaimed"),
		)
	}
}
