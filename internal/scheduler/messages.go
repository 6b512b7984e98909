package scheduler

import (
	"time"

	"vidpress/internal/transcode"
)

// workerMessage is reported by a supervising goroutine to the control loop.
// Implementations: progressMsg, successMsg, failureMsg.
type workerMessage interface {
	target() (jobID string, attempt int)
}

type progressMsg struct {
	jobID   string
	attempt int
	percent int
}

type successMsg struct {
	jobID   string
	attempt int
	result  transcode.Result
}

type failureMsg struct {
	jobID   string
	attempt int
	err     error
}

func (m progressMsg) target() (string, int) { return m.jobID, m.attempt }
func (m successMsg) target() (string, int)  { return m.jobID, m.attempt }
func (m failureMsg) target() (string, int)  { return m.jobID, m.attempt }

type submitRequest struct {
	job  *job
	dup  bool
	resp chan error
}

type gcRequest struct {
	now  time.Time
	resp chan int
}
