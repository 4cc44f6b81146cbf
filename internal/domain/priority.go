package domain

import (
	"errors"
	"strconv"
	"strings"
)

// Priority represents request priority level. Higher values dequeue first.
type Priority int

const (
	// PriorityLow is for background work that can wait.
	PriorityLow Priority = 1

	// PriorityNormal is for standard requests (default).
	PriorityNormal Priority = 2

	// PriorityHigh is for urgent requests processed ahead of normal work.
	PriorityHigh Priority = 3

	// PriorityCritical is for requests that must run before everything else,
	// such as cron-originated scheduled work.
	PriorityCritical Priority = 4
)

// String returns the string representation of a priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority converts a string or int to a Priority.
func ParsePriority(value any) (Priority, error) {
	switch v := value.(type) {
	case int:
		return parsePriorityInt(v)
	case int64:
		return parsePriorityInt(int(v))
	case float64:
		return parsePriorityInt(int(v))
	case string:
		return parsePriorityString(v)
	case Priority:
		return v, nil
	default:
		return PriorityNormal, errors.New("invalid priority type")
	}
}

func parsePriorityInt(v int) (Priority, error) {
	p := Priority(v)
	if !p.IsValid() {
		return PriorityNormal, errors.New("invalid priority value: must be 1 through 4")
	}
	return p, nil
}

func parsePriorityString(v string) (Priority, error) {
	switch strings.ToLower(v) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return parsePriorityInt(n)
	}
	return PriorityNormal, errors.New("invalid priority string: must be low, normal, high, or critical")
}

// AllPriorities returns all priority levels in order of precedence (critical first).
func AllPriorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// IsValid returns true if the priority is a valid value.
func (p Priority) IsValid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}
