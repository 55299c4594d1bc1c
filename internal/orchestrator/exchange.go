package orchestrator

import (
	"time"

	"github.com/angelmondragon/ap2-agents/internal/task"
	"github.com/angelmondragon/ap2-agents/pkg/envelope"
)

// Exchange is what an operation handler sees of one inbound request. The
// handler records its outcome on the exchange; the orchestrator applies the
// resulting transition after the handler returns.
type Exchange struct {
	Role      string
	Operation string
	Message   envelope.Message
	Payload   *envelope.Payload
	Now       time.Time

	task          *task.Task
	resumed       bool
	inputRequired bool
	statusText    string
}

// TaskID is the id of the task being served.
func (e *Exchange) TaskID() string {
	return e.task.ID
}

// ContextID groups tasks of one shopping session.
func (e *Exchange) ContextID() string {
	return e.task.ContextID
}

// Resumed reports whether this request continues a task that was waiting
// for input.
func (e *Exchange) Resumed() bool {
	return e.resumed
}

// Metadata reads a value recorded on the task by an earlier request.
func (e *Exchange) Metadata(key string) string {
	if e.task.Metadata == nil {
		return ""
	}
	return e.task.Metadata[key]
}

// SetMetadata records a value that later requests on the task can read.
func (e *Exchange) SetMetadata(key, value string) {
	e.task.SetMetadata(key, value)
}

// Artifacts returns the artifacts attached so far, including those from
// earlier requests on the same task.
func (e *Exchange) Artifacts() []envelope.Artifact {
	return e.task.Artifacts
}

// AddArtifact appends artifact to the task.
func (e *Exchange) AddArtifact(artifact envelope.Artifact) {
	e.task.Artifacts = append(e.task.Artifacts, artifact)
}

// MergeArtifact attaches artifact, replacing an earlier one with the same
// artifact id. Relayed tasks resend their full artifact list on every reply.
func (e *Exchange) MergeArtifact(artifact envelope.Artifact) {
	for i, existing := range e.task.Artifacts {
		if artifact.ArtifactID != "" && existing.ArtifactID == artifact.ArtifactID {
			e.task.Artifacts[i] = artifact
			return
		}
	}
	e.AddArtifact(artifact)
}

// AddData attaches a single-part data artifact.
func (e *Exchange) AddData(name string, data map[string]any) error {
	artifact, err := envelope.NewArtifact(name, data)
	if err != nil {
		return err
	}
	e.AddArtifact(artifact)
	return nil
}

// Complete finishes the task with an optional status text.
func (e *Exchange) Complete(text string) {
	e.inputRequired = false
	e.statusText = text
}

// RequireInput parks the task until the caller resends it with more input.
func (e *Exchange) RequireInput(text string) {
	e.inputRequired = true
	e.statusText = text
}
