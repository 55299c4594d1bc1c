package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/ap2-agents/api/middleware"
	"github.com/angelmondragon/ap2-agents/api/responses"
	"github.com/angelmondragon/ap2-agents/api/validators"
	"github.com/angelmondragon/ap2-agents/internal/orchestrator"
	"github.com/angelmondragon/ap2-agents/internal/remote"
	"github.com/angelmondragon/ap2-agents/internal/task"
	"github.com/angelmondragon/ap2-agents/pkg/envelope"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/logger"
)

// TaskService is the orchestrator surface the A2A endpoints drive.
type TaskService interface {
	Handle(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
	Get(ctx context.Context, taskID string) (*task.Task, error)
	Cancel(ctx context.Context, taskID string) (*task.Task, error)
}

const (
	maxTaskIDLength  = 128
	maxHistoryLength = 1000
)

// MessageSendRequest is the body of POST /a2a/v1/message:send.
type MessageSendRequest struct {
	Message envelope.Message `json:"message"`
	TaskID  string           `json:"taskId,omitempty"`
}

// MessageSend runs one message through the orchestrator and answers with the
// resulting task. Task failures are reported in the task body; only
// requests that never reached a task produce an error envelope.
func MessageSend(svc TaskService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req MessageSendRequest
		if err := validators.DecodeJSONBody(r, &req, validators.AllowUnknownFields()); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if len(req.Message.Parts) == 0 {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "message.parts is required"))
			return
		}
		messageTaskID, err := boundedTaskID("message.taskId", req.Message.TaskID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		overrideTaskID, err := boundedTaskID("taskId", req.TaskID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		req.Message.TaskID = messageTaskID
		if overrideTaskID != "" {
			req.Message.TaskID = overrideTaskID
		}

		res, err := svc.Handle(ctx, orchestrator.Request{
			Message:    req.Message,
			Extensions: middleware.ExtensionsFromContext(ctx),
		})
		if res != nil && len(res.Activated) > 0 {
			w.Header().Set(remote.ExtensionsHeader, strings.Join(res.Activated, ","))
		}
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, res.Task)
	}
}

// GetTask returns the stored task snapshot.
func GetTask(svc TaskService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := taskIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		historyLength, err := validators.ParseQueryInt(r, "historyLength", -1, 0, maxHistoryLength)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		t, err := svc.Get(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if historyLength >= 0 && len(t.History) > historyLength {
			t.History = t.History[len(t.History)-historyLength:]
		}
		responses.WriteSuccess(w, t)
	}
}

// CancelTask moves a task to canceled when its state allows it.
func CancelTask(svc TaskService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := taskIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		t, err := svc.Cancel(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, t)
	}
}

// boundedTaskID trims a caller-supplied task id and rejects ids that are too
// long or carry control characters. An empty id is allowed.
func boundedTaskID(field, raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if len(id) > maxTaskIDLength || validators.SanitizeString(id, 0) != id {
		return "", pkgerrors.Newf(pkgerrors.CodeValidation, "%s must be at most %d printable characters", field, maxTaskIDLength).
			WithDetails(map[string]any{"field": field})
	}
	return id, nil
}

func taskIDParam(r *http.Request) (string, error) {
	id := validators.SanitizeString(chi.URLParam(r, "taskId"), maxTaskIDLength)
	if id == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "taskId is required")
	}
	return id, nil
}
