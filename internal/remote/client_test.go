package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/angelmondragon/ap2-agents/internal/task"
	"github.com/angelmondragon/ap2-agents/pkg/enums"
	"github.com/angelmondragon/ap2-agents/pkg/envelope"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(t *testing.T) envelope.Message {
	t.Helper()
	msg, err := envelope.NewMessage(envelope.RoleAgent).AddText("initiate_payment").Build()
	require.NoError(t, err)
	return msg
}

func TestSendReturnsRemoteTask(t *testing.T) {
	var gotHeader string
	var gotBody SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, SendPath, r.URL.Path)
		gotHeader = r.Header.Get(ExtensionsHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		tk := task.New("remote-1", "ctx", time.Now())
		tk.Status.State = enums.TaskStateInputRequired
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.SuccessEnvelope{Data: tk})
	}))
	defer srv.Close()

	got, err := NewClient().Send(context.Background(), srv.URL+"/", testMessage(t))
	require.NoError(t, err)
	assert.Equal(t, "remote-1", got.ID)
	assert.Equal(t, enums.TaskStateInputRequired, got.Status.State)
	assert.Equal(t, envelope.ExtensionURI, gotHeader)
	assert.Equal(t, "initiate_payment", gotBody.Message.FirstText())
}

func TestSendMapsErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(types.ErrorEnvelope{Error: types.APIError{Code: "VALIDATION_ERROR", Message: "bad"}})
	}))
	defer srv.Close()

	_, err := NewClient().Send(context.Background(), srv.URL, testMessage(t))
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeDownstream))
	assert.Contains(t, err.Error(), "VALIDATION_ERROR")
}

func TestSendTimeoutIsDownstreamFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewClient(WithTimeout(50*time.Millisecond)).Send(context.Background(), srv.URL, testMessage(t))
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeDownstream))
	assert.Contains(t, pkgerrors.Reason(err), "downstream unavailable")
	assert.Contains(t, pkgerrors.Reason(err), "timed out")
}

func TestSendUnreachablePeer(t *testing.T) {
	_, err := NewClient(WithTimeout(time.Second)).Send(context.Background(), "http://127.0.0.1:1", testMessage(t))
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeDownstream))

	_, err = NewClient().Send(context.Background(), "", testMessage(t))
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeDownstream))
}
