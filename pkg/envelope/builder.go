package envelope

import (
	"github.com/google/uuid"
)

// Builder assembles an outbound message part by part.
type Builder struct {
	msg Message
	err error
}

func NewMessage(role Role) *Builder {
	return &Builder{msg: Message{MessageID: uuid.NewString(), Role: role}}
}

func (b *Builder) WithContextID(contextID string) *Builder {
	b.msg.ContextID = contextID
	return b
}

func (b *Builder) WithTaskID(taskID string) *Builder {
	b.msg.TaskID = taskID
	return b
}

func (b *Builder) AddText(text string) *Builder {
	b.msg.Parts = append(b.msg.Parts, TextPart(text))
	return b
}

// AddData appends a single-key data part. A nil value is skipped.
func (b *Builder) AddData(key string, value any) *Builder {
	if value == nil || b.err != nil {
		return b
	}
	part, err := DataPart(map[string]any{key: value})
	if err != nil {
		b.err = err
		return b
	}
	b.msg.Parts = append(b.msg.Parts, part)
	return b
}

// Build returns the message or the first marshalling error.
func (b *Builder) Build() (Message, error) {
	if b.err != nil {
		return Message{}, b.err
	}
	return b.msg, nil
}
