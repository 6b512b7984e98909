package scheduler

import (
	"time"

	"vidpress/internal/services"
	"vidpress/internal/transcode"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

// Transition is an allowed status change.
type Transition struct {
	From Status
	To   Status
}

// ValidTransitions lists every status change the scheduler performs.
var ValidTransitions = []Transition{
	{From: StatusPending, To: StatusRunning},
	{From: StatusRunning, To: StatusCompleted},
	{From: StatusRunning, To: StatusFailed},
	{From: StatusFailed, To: StatusPending},
}

// IsValidTransition reports whether from -> to appears in ValidTransitions.
func IsValidTransition(from, to Status) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// JobResult is the outcome of a completed job.
type JobResult struct {
	transcode.Result
	Deduplicated bool `json:"deduplicated"`
}

// JobSnapshot is an immutable copy of a job handed to readers.
type JobSnapshot struct {
	ID           string                `json:"id"`
	Status       Status                `json:"status"`
	Priority     Priority              `json:"priority"`
	Progress     int                   `json:"progress"`
	RetryCount   int                   `json:"retry_count"`
	Attempts     int                   `json:"attempts"`
	OwnerID      string                `json:"owner_id"`
	DisplayName  string                `json:"display_name"`
	InputPath    string                `json:"input_path"`
	MimeType     string                `json:"mime_type,omitempty"`
	OriginalHash string                `json:"original_hash"`
	Constraints  transcode.Constraints `json:"constraints"`
	Result       *JobResult            `json:"result,omitempty"`
	Error        string                `json:"error,omitempty"`
	ErrorKind    string                `json:"error_kind,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	StartedAt    time.Time             `json:"started_at,omitempty"`
	CompletedAt  time.Time             `json:"completed_at,omitempty"`
	RetryAt      time.Time             `json:"retry_at,omitempty"`
}

// Terminal reports whether the job will not change again.
func (s JobSnapshot) Terminal() bool {
	return s.Status == StatusCompleted || (s.Status == StatusFailed && s.RetryAt.IsZero())
}

// job is the mutable record owned by the control goroutine.
type job struct {
	id           string
	ownerID      string
	displayName  string
	inputPath    string
	stagedPath   string
	workDir      string
	mimeType     string
	originalHash string
	constraints  transcode.Constraints
	priority     Priority

	status     Status
	progress   int
	retryCount int
	attempts   int
	terminal   bool
	queued     bool

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	retryAt     time.Time

	result *JobResult
	err    error
	done   chan struct{}
}

func (j *job) transition(to Status) error {
	if !IsValidTransition(j.status, to) {
		return services.Wrap(services.ErrValidation, "scheduler", "transition",
			"invalid transition "+j.status.String()+" -> "+to.String(), nil)
	}
	j.status = to
	return nil
}

func (j *job) task() transcode.Task {
	return transcode.Task{
		JobID:        j.id,
		Attempt:      j.attempts,
		InputPath:    j.stagedPath,
		WorkDir:      j.workDir,
		OriginalHash: j.originalHash,
		DisplayName:  j.displayName,
		Constraints:  j.constraints,
	}
}

func (j *job) snapshot() JobSnapshot {
	snap := JobSnapshot{
		ID:           j.id,
		Status:       j.status,
		Priority:     j.priority,
		Progress:     j.progress,
		RetryCount:   j.retryCount,
		Attempts:     j.attempts,
		OwnerID:      j.ownerID,
		DisplayName:  j.displayName,
		InputPath:    j.inputPath,
		MimeType:     j.mimeType,
		OriginalHash: j.originalHash,
		Constraints:  j.constraints,
		CreatedAt:    j.createdAt,
		StartedAt:    j.startedAt,
		CompletedAt:  j.completedAt,
		RetryAt:      j.retryAt,
	}
	if j.result != nil {
		res := *j.result
		snap.Result = &res
	}
	if j.err != nil {
		snap.Error = j.err.Error()
		snap.ErrorKind = services.Kind(j.err)
	}
	return snap
}
