package task

import (
	"strings"
	"time"

	"github.com/angelmondragon/ap2-agents/pkg/enums"
	"github.com/angelmondragon/ap2-agents/pkg/envelope"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
)

const (
	// FailurePrefix starts the status text of every failed task.
	FailurePrefix = "An error occurred: "
	// MetadataErrorCode records the error code of a failed task.
	MetadataErrorCode = "error_code"
)

// Status is the current state plus the message that explains it.
type Status struct {
	State     enums.TaskState   `json:"state"`
	Message   *envelope.Message `json:"message,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Task is the unit of conversation state for one request chain.
type Task struct {
	ID        string              `json:"id"`
	ContextID string              `json:"contextId"`
	Kind      string              `json:"kind"`
	Status    Status              `json:"status"`
	Artifacts []envelope.Artifact `json:"artifacts,omitempty"`
	History   []envelope.Message  `json:"history,omitempty"`
	Metadata  map[string]string   `json:"metadata,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// New returns a submitted task.
func New(id, contextID string, now time.Time) *Task {
	return &Task{
		ID:        id,
		ContextID: contextID,
		Kind:      "task",
		Status:    Status{State: enums.TaskStateSubmitted, Timestamp: now},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the task to next, attaching an agent message when text is
// non-empty.
func (t *Task) Transition(next enums.TaskState, text string, now time.Time) error {
	if !t.Status.State.CanTransitionTo(next) {
		return pkgerrors.Newf(pkgerrors.CodeStateConflict, "task %s cannot move from %s to %s", t.ID, t.Status.State, next).
			WithDetails(map[string]any{"from": t.Status.State, "to": next})
	}
	t.Status = Status{State: next, Timestamp: now}
	if text != "" {
		msg := envelope.NewAgentText(text, t.ContextID, t.ID)
		t.Status.Message = &msg
	}
	t.UpdatedAt = now
	return nil
}

// StatusText returns the text of the status message, if any.
func (t *Task) StatusText() string {
	if t.Status.Message == nil {
		return ""
	}
	return t.Status.Message.FirstText()
}

// SetMetadata records a string value on the task.
func (t *Task) SetMetadata(key, value string) {
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	t.Metadata[key] = value
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.Status.Message != nil {
		msg := *t.Status.Message
		msg.Parts = append([]envelope.Part(nil), msg.Parts...)
		out.Status.Message = &msg
	}
	out.Artifacts = append([]envelope.Artifact(nil), t.Artifacts...)
	out.History = append([]envelope.Message(nil), t.History...)
	if t.Metadata != nil {
		out.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// FailureReason returns the status text of a failed task without the
// failure prefix.
func (t *Task) FailureReason() string {
	return strings.TrimPrefix(t.StatusText(), FailurePrefix)
}
