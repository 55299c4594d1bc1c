package enums

import "fmt"

// TaskState is the lifecycle state exposed to callers for every A2A task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
)

var validTaskStates = []TaskState{
	TaskStateSubmitted,
	TaskStateWorking,
	TaskStateInputRequired,
	TaskStateCompleted,
	TaskStateFailed,
	TaskStateCanceled,
}

// String implements fmt.Stringer.
func (s TaskState) String() string {
	return string(s)
}

// IsValid reports whether the value is a known TaskState.
func (s TaskState) IsValid() bool {
	for _, candidate := range validTaskStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition may leave the state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// IsCancelable reports whether a cancel request may be honored from the state.
func (s TaskState) IsCancelable() bool {
	switch s {
	case TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	if !next.IsValid() || s.IsTerminal() {
		return false
	}
	switch s {
	case TaskStateSubmitted:
		return next == TaskStateWorking || next == TaskStateFailed || next == TaskStateCanceled
	case TaskStateWorking:
		return next == TaskStateCompleted || next == TaskStateInputRequired ||
			next == TaskStateFailed || next == TaskStateCanceled
	case TaskStateInputRequired:
		return next == TaskStateWorking || next == TaskStateFailed || next == TaskStateCanceled
	}
	return false
}

// ParseTaskState converts raw input into a TaskState.
func ParseTaskState(value string) (TaskState, error) {
	for _, candidate := range validTaskStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid task state %q", value)
}
