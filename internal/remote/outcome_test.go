package remote

import (
	"testing"
	"time"

	"github.com/angelmondragon/ap2-agents/internal/task"
	"github.com/angelmondragon/ap2-agents/pkg/enums"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remoteTask(t *testing.T, state enums.TaskState, text, code string) *task.Task {
	t.Helper()
	now := time.Now().UTC()
	tk := task.New("remote-1", "ctx-1", now)
	require.NoError(t, tk.Transition(enums.TaskStateWorking, "", now))
	require.NoError(t, tk.Transition(state, text, now))
	if code != "" {
		tk.SetMetadata(task.MetadataErrorCode, code)
	}
	return tk
}

func TestTaskErrorPassesLiveTasks(t *testing.T) {
	assert.NoError(t, TaskError("http://p", remoteTask(t, enums.TaskStateCompleted, "done", "")))
	assert.NoError(t, TaskError("http://p", remoteTask(t, enums.TaskStateInputRequired, "code?", "")))
}

func TestTaskErrorKeepsRemoteCode(t *testing.T) {
	err := TaskError("http://p", remoteTask(t, enums.TaskStateFailed,
		task.FailurePrefix+"payment_mandate.user_authorization does not verify", string(pkgerrors.CodeValidation)))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
	assert.Equal(t, "payment_mandate.user_authorization does not verify", pkgerrors.Reason(err))
}

func TestTaskErrorDownstreamNamesPeer(t *testing.T) {
	err := TaskError("http://p", remoteTask(t, enums.TaskStateFailed,
		task.FailurePrefix+"downstream unavailable: http://cp: timed out", string(pkgerrors.CodeDownstream)))
	assert.Equal(t, "downstream unavailable: http://p: http://cp: timed out", pkgerrors.Reason(err))

	err = TaskError("http://p", nil)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeDownstream))
}
