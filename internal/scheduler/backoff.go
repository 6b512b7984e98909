package scheduler

import (
	"time"

	"vidpress/internal/config"
)

// BackoffPolicy returns the delay before retry n (1-based).
type BackoffPolicy interface {
	Delay(retry int) time.Duration
}

// Schedule walks a fixed list of delays; the last entry repeats.
type Schedule struct {
	Steps []time.Duration
}

// Delay implements BackoffPolicy.
func (s Schedule) Delay(retry int) time.Duration {
	if len(s.Steps) == 0 {
		return 0
	}
	if retry < 1 {
		retry = 1
	}
	if retry > len(s.Steps) {
		return s.Steps[len(s.Steps)-1]
	}
	return s.Steps[retry-1]
}

// Exponential doubles Base per retry, capped at Max when Max > 0.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Delay implements BackoffPolicy.
func (e Exponential) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := e.Base
	for i := 1; i < retry; i++ {
		delay *= 2
		if e.Max > 0 && delay >= e.Max {
			return e.Max
		}
	}
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}

// BackoffFromConfig builds the configured policy.
func BackoffFromConfig(cfg *config.Config) BackoffPolicy {
	steps := cfg.BackoffSchedule()
	if cfg.Scheduler.BackoffPolicy == config.BackoffExponential {
		base := time.Second
		if len(steps) > 0 {
			base = steps[0]
		}
		return Exponential{Base: base, Max: cfg.BackoffMax()}
	}
	return Schedule{Steps: steps}
}
