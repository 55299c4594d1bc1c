package remote

import (
	"strings"

	"github.com/angelmondragon/ap2-agents/internal/task"
	"github.com/angelmondragon/ap2-agents/pkg/enums"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
)

// TaskError converts a remote task that ended badly into an error carrying
// the remote error code and reason. It returns nil for tasks that completed
// or are waiting for input.
func TaskError(peer string, t *task.Task) error {
	if t == nil {
		return pkgerrors.New(pkgerrors.CodeDownstream, peer+": empty task").
			WithDetails(map[string]any{"peer": peer})
	}
	switch t.Status.State {
	case enums.TaskStateCompleted, enums.TaskStateInputRequired, enums.TaskStateWorking, enums.TaskStateSubmitted:
		return nil
	case enums.TaskStateCanceled:
		return pkgerrors.Newf(pkgerrors.CodeDownstream, "%s: task %s was canceled", peer, t.ID).
			WithDetails(map[string]any{"peer": peer, "remote_task_id": t.ID})
	}

	reason := t.FailureReason()
	if reason == "" {
		reason = "remote task failed"
	}
	code := pkgerrors.Code(t.Metadata[task.MetadataErrorCode])
	if code == "" || code == pkgerrors.CodeChallengeMismatch {
		code = pkgerrors.CodeDownstream
	}
	if code == pkgerrors.CodeDownstream {
		reason = strings.TrimPrefix(reason, "downstream unavailable: ")
		return pkgerrors.New(code, peer+": "+reason).
			WithDetails(map[string]any{"peer": peer, "remote_task_id": t.ID})
	}
	return pkgerrors.New(code, reason).
		WithDetails(map[string]any{"peer": peer, "remote_task_id": t.ID})
}
