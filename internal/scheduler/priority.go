package scheduler

import (
	"fmt"
	"strings"

	"vidpress/internal/services"
)

// Priority orders pending jobs. Larger values are more urgent. The zero value
// means unset and is resolved to PriorityNormal on submit.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
)

// Valid reports whether p is one of the defined tiers.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// before reports whether p must be dispatched ahead of other.
func (p Priority) before(other Priority) bool {
	return p > other
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// MarshalText renders the tier name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText accepts the names ParsePriority accepts.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority accepts high, normal or low (case-insensitive). An empty
// value yields normal.
func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, services.Wrap(services.ErrValidation, "scheduler", "priority", fmt.Sprintf("unknown priority %q", value), nil)
	}
}
