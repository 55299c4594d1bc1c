package audit

import (
	"context"
	"encoding/json"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/angelmondragon/ap2-agents/pkg/logger"
)

// Entry is the copy of an inbound message kept for observability.
type Entry struct {
	Role       string    `json:"role"`
	TaskID     string    `json:"task_id"`
	ContextID  string    `json:"context_id"`
	Texts      []string  `json:"texts,omitempty"`
	DataKeys   []string  `json:"data_keys,omitempty"`
	Extensions []string  `json:"extensions,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Sink receives audit entries. Callers ignore returned errors beyond
// logging them.
type Sink interface {
	Record(ctx context.Context, entry Entry) error
}

// LogSink writes entries to the structured logger.
type LogSink struct {
	logg *logger.Logger
}

// NewLogSink writes entries to the structured log.
func NewLogSink(logg *logger.Logger) *LogSink {
	return &LogSink{logg: logg}
}

func (s *LogSink) Record(ctx context.Context, entry Entry) error {
	if s == nil || s.logg == nil {
		return nil
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"audit_role":       entry.Role,
		"audit_task_id":    entry.TaskID,
		"audit_context_id": entry.ContextID,
		"audit_texts":      entry.Texts,
		"audit_data_keys":  entry.DataKeys,
		"audit_extensions": entry.Extensions,
	})
	s.logg.Info(ctx, "audit.inbound")
	return nil
}

// publisher is the subset of *pubsub.Publisher the sink needs.
type publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// PubSubSink publishes entries as JSON. It does not wait for the broker;
// publish failures are logged when the result settles.
type PubSubSink struct {
	pub  publisher
	logg *logger.Logger
}

// NewPubSubSink publishes entries as JSON.
func NewPubSubSink(pub publisher, logg *logger.Logger) *PubSubSink {
	return &PubSubSink{pub: pub, logg: logg}
}

func (s *PubSubSink) Record(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	result := s.pub.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"role":    entry.Role,
			"task_id": entry.TaskID,
		},
	})
	go func() {
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if _, err := result.Get(waitCtx); err != nil && s.logg != nil {
			s.logg.Warn(s.logg.WithField(waitCtx, "error", err.Error()), "audit.publish_failed")
		}
	}()
	return nil
}

// Multi fans an entry out to several sinks and returns the first error.
type Multi []Sink

func (m Multi) Record(ctx context.Context, entry Entry) error {
	var first error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}
