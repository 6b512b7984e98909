package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vidpress/internal/dedup"
	"vidpress/internal/logging"
	"vidpress/internal/services"
	"vidpress/internal/transcode"
)

const upsertTimeout = 30 * time.Second

// loop is the control goroutine. It is the only writer of the job table,
// the queue, and the counters.
func (s *Scheduler) loop() {
	defer close(s.loopDone)
	defer s.stopTimers()
	for {
		select {
		case req := <-s.submitCh:
			req.resp <- s.admit(req)
		case msg := <-s.msgCh:
			s.handle(msg)
		case id := <-s.requeueCh:
			s.requeue(id)
		case req := <-s.gcCh:
			req.resp <- s.collect(req.now)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) admit(req submitRequest) error {
	j := req.job
	now := time.Now()
	logger := s.logger.With(
		logging.String(logging.FieldJobID, j.id),
		logging.String(logging.FieldPriority, j.priority.String()),
	)

	s.mu.Lock()
	if req.dup {
		j.status = StatusCompleted
		j.progress = 100
		j.createdAt = now
		j.completedAt = now
		s.jobs[j.id] = j
		s.counters.Submitted++
		s.counters.Deduplicated++
		s.finish(j)
		s.mu.Unlock()
		logger.Info("job deduplicated",
			logging.String(logging.FieldEventType, "job_deduplicated"),
			logging.String("locator", j.result.OutputLocator),
		)
		return nil
	}
	if s.opts.MaxBacklog > 0 && s.queue.len() >= s.opts.MaxBacklog {
		queued := s.queue.len()
		s.mu.Unlock()
		logging.WarnWithContext(logger, "submission rejected", "backlog_full",
			logging.Int("queued", queued),
			logging.Int("max_backlog", s.opts.MaxBacklog),
		)
		return ErrBacklogFull
	}
	j.createdAt = now
	s.jobs[j.id] = j
	s.queue.insert(j)
	s.counters.Submitted++
	queued := s.queue.len()
	s.mu.Unlock()

	logger.Info("job submitted",
		logging.String(logging.FieldEventType, "job_submitted"),
		logging.String("display_name", j.displayName),
		logging.Int("queued", queued),
	)
	s.dispatch()
	return nil
}

// dispatch starts queued jobs until the concurrency ceiling is reached.
func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		if s.active >= s.opts.Concurrency || s.queue.len() == 0 {
			s.mu.Unlock()
			return
		}
		j := s.queue.pop()
		if err := j.transition(StatusRunning); err != nil {
			s.mu.Unlock()
			logging.ErrorWithContext(s.logger, "dispatch skipped job", "dispatch_invalid_state",
				logging.String(logging.FieldJobID, j.id),
				logging.Error(err),
			)
			continue
		}
		j.attempts++
		j.progress = 0
		j.startedAt = time.Now()
		j.retryAt = time.Time{}
		s.active++
		run := attemptRun{
			task:    j.task(),
			attempt: j.attempts,
			ownerID: j.ownerID,
			mime:    j.mimeType,
		}
		s.workers.Add(1)
		active := s.active
		s.mu.Unlock()

		s.logger.Info("job dispatched",
			logging.String(logging.FieldEventType, "job_dispatched"),
			logging.String(logging.FieldJobID, run.task.JobID),
			logging.Attempt(run.attempt),
			logging.Int("active_workers", active),
		)
		go s.supervise(run)
	}
}

type attemptRun struct {
	task    transcode.Task
	attempt int
	ownerID string
	mime    string
}

// supervise runs one attempt under the per-attempt deadline and reports
// exactly one Success or Failure for it.
func (s *Scheduler) supervise(run attemptRun) {
	defer s.workers.Done()
	jobID := run.task.JobID
	ctx := services.WithAttempt(services.WithJobID(s.runCtx, jobID), run.attempt)
	attemptCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	type outcome struct {
		result transcode.Result
		err    error
	}
	done := make(chan outcome, 1)
	// The runner may outlive a timed-out attempt; Stop waits for it before
	// removing workdirs.
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: services.Wrap(services.ErrTransient, "scheduler", "run", fmt.Sprintf("worker panic: %v", r), nil)}
			}
		}()
		result, err := s.runner.Run(attemptCtx, run.task, func(p int) {
			s.report(progressMsg{jobID: jobID, attempt: run.attempt, percent: p})
		})
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if s.runCtx.Err() != nil {
			return
		}
		if out.err != nil {
			err := out.err
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, services.ErrTimeout) {
				err = services.Wrap(services.ErrTimeout, "scheduler", "run", "attempt deadline exceeded", err)
			}
			s.report(failureMsg{jobID: jobID, attempt: run.attempt, err: err})
			return
		}
		s.register(ctx, run, out.result)
		s.report(successMsg{jobID: jobID, attempt: run.attempt, result: out.result})
	case <-attemptCtx.Done():
		if s.runCtx.Err() != nil {
			return
		}
		s.report(failureMsg{
			jobID:   jobID,
			attempt: run.attempt,
			err: services.Wrap(services.ErrTimeout, "scheduler", "run",
				fmt.Sprintf("attempt exceeded %s", s.opts.Timeout), attemptCtx.Err()),
		})
	}
}

func (s *Scheduler) report(msg workerMessage) {
	select {
	case s.msgCh <- msg:
	case <-s.stopCh:
	}
}

// register records the published artifact under the original hash, and under
// the compressed hash when it differs. Failures leave the job completed.
func (s *Scheduler) register(ctx context.Context, run attemptRun, result transcode.Result) {
	if s.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, upsertTimeout)
	defer cancel()
	meta := dedup.ArtifactMeta{
		ByteSize:         result.CompressedSize,
		MimeType:         run.mime,
		Locator:          result.OutputLocator,
		URL:              result.URL,
		OwnerID:          run.ownerID,
		DisplayName:      run.task.DisplayName,
		Compressed:       result.Compressed,
		OriginalSize:     result.OriginalSize,
		CompressedSize:   result.CompressedSize,
		CompressionRatio: result.CompressionRatio,
		CompressedHash:   result.CompressedHash,
	}
	hashes := []string{result.OriginalHash}
	if result.OriginalHash == "" {
		hashes[0] = run.task.OriginalHash
	}
	if result.CompressedHash != "" && result.CompressedHash != hashes[0] {
		hashes = append(hashes, result.CompressedHash)
	}
	logger := logging.WithContext(ctx, s.logger)
	for _, hash := range hashes {
		if hash == "" {
			continue
		}
		if _, _, err := s.registry.Upsert(ctx, hash, meta); err != nil {
			logging.WarnWithContext(logger, "registry upsert failed", "registry_upsert_failed",
				logging.Hash(hash),
				logging.Error(err),
				logging.String(logging.FieldImpact, "future duplicates of this upload will be compressed again"),
			)
		}
	}
}

// handle applies a worker report. Reports for a job that is no longer running
// the same attempt are stale and dropped.
func (s *Scheduler) handle(msg workerMessage) {
	id, attempt := msg.target()
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.status != StatusRunning || j.attempts != attempt {
		s.mu.Unlock()
		s.logger.Debug("stale worker message dropped",
			logging.String(logging.FieldJobID, id),
			logging.Attempt(attempt),
		)
		return
	}
	switch m := msg.(type) {
	case progressMsg:
		j.progress = clampPercent(m.percent)
		s.mu.Unlock()
		return
	case successMsg:
		s.complete(j, m.result)
	case failureMsg:
		s.fail(j, m.err)
	}
	s.mu.Unlock()
	s.dispatch()
}

// complete requires s.mu held.
func (s *Scheduler) complete(j *job, result transcode.Result) {
	if err := j.transition(StatusCompleted); err != nil {
		return
	}
	s.active--
	j.progress = 100
	j.result = &JobResult{Result: result}
	j.err = nil
	j.completedAt = time.Now()
	s.counters.Succeeded++
	s.recordLatency(j)
	s.finish(j)
	s.logger.Info("job completed",
		logging.String(logging.FieldEventType, "job_completed"),
		logging.String(logging.FieldJobID, j.id),
		logging.Attempt(j.attempts),
		logging.Bool("compressed", result.Compressed),
		logging.String("locator", result.OutputLocator),
		logging.Duration("latency", j.completedAt.Sub(j.createdAt)),
	)
}

// fail requires s.mu held.
func (s *Scheduler) fail(j *job, err error) {
	if terr := j.transition(StatusFailed); terr != nil {
		return
	}
	s.active--
	j.err = err
	logger := s.logger.With(
		logging.String(logging.FieldJobID, j.id),
		logging.Attempt(j.attempts),
	)

	if services.Retryable(err) && j.retryCount < s.opts.MaxRetries {
		j.retryCount++
		delay := s.opts.Backoff.Delay(j.retryCount)
		if terr := j.transition(StatusPending); terr != nil {
			return
		}
		j.retryAt = time.Now().Add(delay)
		s.counters.Retried++
		id := j.id
		s.timers[id] = time.AfterFunc(delay, func() {
			select {
			case s.requeueCh <- id:
			case <-s.stopCh:
			}
		})
		attrs := append(logging.DecisionAttrs("retry", "retry", services.Kind(err)),
			logging.Error(err),
			logging.Int("retry_count", j.retryCount),
			logging.Duration("backoff", delay),
		)
		logging.WarnWithContext(logger, "job attempt failed; retry scheduled", "job_retry_scheduled", attrs...)
		return
	}

	j.completedAt = time.Now()
	s.counters.Failed++
	s.recordLatency(j)
	s.finish(j)
	reason := "non-retryable " + services.Kind(err)
	if services.Retryable(err) {
		reason = "retries exhausted"
	}
	attrs := append(logging.DecisionAttrs("retry", "terminal", reason),
		logging.Error(err),
		logging.String(logging.FieldErrorKind, services.Kind(err)),
		logging.Int("retry_count", j.retryCount),
	)
	logging.ErrorWithContext(logger, "job failed", "job_failed", attrs...)
}

// finish marks j terminal, releases waiters and schedules workdir removal.
// Requires s.mu held.
func (s *Scheduler) finish(j *job) {
	j.terminal = true
	j.retryAt = time.Time{}
	close(j.done)
	if hook := s.opts.OnFinish; hook != nil {
		snap := j.snapshot()
		s.cleanups.Add(1)
		go func() {
			defer s.cleanups.Done()
			hook(snap)
		}()
	}
	if dir := j.workDir; dir != "" {
		s.cleanups.Add(1)
		go func() {
			defer s.cleanups.Done()
			s.removeWorkDir(dir)
		}()
	}
}

// recordLatency folds createdAt -> completedAt into the cumulative moving
// average. Requires s.mu held.
func (s *Scheduler) recordLatency(j *job) {
	sample := float64(j.completedAt.Sub(j.createdAt)) / float64(time.Millisecond)
	s.latencyN++
	s.counters.AvgLatencyMs += (sample - s.counters.AvgLatencyMs) / float64(s.latencyN)
}

func (s *Scheduler) requeue(id string) {
	s.mu.Lock()
	delete(s.timers, id)
	j, ok := s.jobs[id]
	if !ok || j.terminal || j.queued || j.status != StatusPending {
		s.mu.Unlock()
		return
	}
	s.queue.insert(j)
	s.mu.Unlock()
	s.logger.Debug("job requeued",
		logging.String(logging.FieldJobID, id),
		logging.String(logging.FieldPriority, j.priority.String()),
	)
	s.dispatch()
}

func (s *Scheduler) collect(now time.Time) int {
	cutoff := now.Add(-s.opts.Retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, j := range s.jobs {
		if j.terminal && j.createdAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

func (s *Scheduler) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}
