package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindData PartKind = "data"
)

// Part is either free text or a keyed data map. Data values stay raw until
// Parse decodes them into their typed variant.
type Part struct {
	Kind PartKind                   `json:"kind"`
	Text string                     `json:"text,omitempty"`
	Data map[string]json.RawMessage `json:"data,omitempty"`
}

// Message is an ordered sequence of parts exchanged between agents.
type Message struct {
	MessageID string `json:"messageId"`
	ContextID string `json:"contextId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Role      Role   `json:"role"`
	Parts     []Part `json:"parts"`
}

// Artifact is an output attached to a task.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// TextPart builds a free-text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart marshals every value of data into a single data part.
func DataPart(data map[string]any) (Part, error) {
	raw := make(map[string]json.RawMessage, len(data))
	for key, value := range data {
		b, err := json.Marshal(value)
		if err != nil {
			return Part{}, fmt.Errorf("marshal %s: %w", key, err)
		}
		raw[key] = b
	}
	return Part{Kind: PartKindData, Data: raw}, nil
}

// NewArtifact wraps data in a single-part artifact with a fresh id.
func NewArtifact(name string, data map[string]any) (Artifact, error) {
	part, err := DataPart(data)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{ArtifactID: uuid.NewString(), Name: name, Parts: []Part{part}}, nil
}

// NewTextArtifact wraps text in a single-part artifact.
func NewTextArtifact(name, text string) Artifact {
	return Artifact{ArtifactID: uuid.NewString(), Name: name, Parts: []Part{TextPart(text)}}
}

// FirstText returns the first text part, or "".
func (m Message) FirstText() string {
	for _, part := range m.Parts {
		if part.Kind == PartKindText && part.Text != "" {
			return part.Text
		}
	}
	return ""
}

// DataKeys lists every data key carried by the message in part order.
func (m Message) DataKeys() []string {
	var keys []string
	for _, part := range m.Parts {
		for key := range part.Data {
			keys = append(keys, key)
		}
	}
	return keys
}

// RawString returns the value of key when it is a JSON string. It reads the
// message without decoding any mandate.
func (m Message) RawString(key string) (string, bool) {
	for _, part := range m.Parts {
		raw, ok := part.Data[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}
	return "", false
}

// FindData decodes the first value stored under key in any of the
// artifacts into dest.
func FindData(artifacts []Artifact, key string, dest any) (bool, error) {
	for _, artifact := range artifacts {
		for _, part := range artifact.Parts {
			raw, ok := part.Data[key]
			if !ok {
				continue
			}
			if err := json.Unmarshal(raw, dest); err != nil {
				return true, fmt.Errorf("decode %s: %w", key, err)
			}
			return true, nil
		}
	}
	return false, nil
}

// NewAgentText builds an agent message carrying text.
func NewAgentText(text, contextID, taskID string) Message {
	return Message{
		MessageID: uuid.NewString(),
		ContextID: contextID,
		TaskID:    taskID,
		Role:      RoleAgent,
		Parts:     []Part{TextPart(text)},
	}
}
