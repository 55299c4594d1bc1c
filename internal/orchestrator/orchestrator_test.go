package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/angelmondragon/ap2-agents/internal/task"
	"github.com/angelmondragon/ap2-agents/pkg/enums"
	"github.com/angelmondragon/ap2-agents/pkg/envelope"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payExtensions = []string{envelope.ExtensionURI}

func newTestOrchestrator(t *testing.T, policy CallerPolicy, ops ...Operation) (*Orchestrator, *task.MemoryStore) {
	t.Helper()
	store := task.NewMemoryStore()
	orch, err := New(Config{
		Role:       "test_role",
		Operations: ops,
		Store:      store,
		Policy:     policy,
		Metrics:    metrics.NewTaskMetrics(prometheus.NewRegistry(), "test_role"),
	})
	require.NoError(t, err)
	return orch, store
}

func textMessage(t *testing.T, taskID, text string, data map[string]any) envelope.Message {
	t.Helper()
	b := envelope.NewMessage(envelope.RoleUser).WithTaskID(taskID).AddText(text)
	for k, v := range data {
		b.AddData(k, v)
	}
	msg, err := b.Build()
	require.NoError(t, err)
	return msg
}

func completing(name string) Operation {
	return Operation{Name: name, Handler: func(_ context.Context, ex *Exchange) error {
		if err := ex.AddData("result", map[string]any{"ok": true}); err != nil {
			return err
		}
		ex.Complete("")
		return nil
	}}
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	_, err := New(Config{Role: "x", Store: task.NewMemoryStore()})
	assert.Error(t, err)

	_, err = New(Config{Role: "x", Store: task.NewMemoryStore(), Operations: []Operation{completing("a"), completing("a")}})
	assert.Error(t, err)

	_, err = New(Config{Operations: []Operation{completing("a")}, Store: task.NewMemoryStore()})
	assert.Error(t, err)
}

func TestHandleCompletesClassifiedOperation(t *testing.T) {
	orch, store := newTestOrchestrator(t, nil, completing("find_items"), completing("update_cart"))

	res, err := orch.Handle(context.Background(), Request{
		Message:    textMessage(t, "", "please update cart", nil),
		Extensions: append([]string{"urn:unsupported"}, payExtensions...),
	})
	require.NoError(t, err)
	assert.Equal(t, "update_cart", res.Operation)
	assert.Equal(t, enums.TaskStateCompleted, res.Task.Status.State)
	assert.Equal(t, []string{envelope.ExtensionURI}, res.Activated)
	require.Len(t, res.Task.Artifacts, 1)
	require.Len(t, res.Task.History, 1)
	assert.NotEmpty(t, res.Task.ContextID)

	stored, err := store.Get(context.Background(), res.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.TaskStateCompleted, stored.Status.State)
	assert.Equal(t, "update_cart", stored.Metadata[MetadataOperation])
}

func TestHandleRejectsUnnegotiatedExtension(t *testing.T) {
	var calls int32
	op := Operation{Name: "find_items", Handler: func(context.Context, *Exchange) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}}
	orch, _ := newTestOrchestrator(t, nil, op)

	res, err := orch.Handle(context.Background(), Request{Message: textMessage(t, "", "find_items", nil)})
	require.NoError(t, err)
	assert.Equal(t, enums.TaskStateFailed, res.Task.Status.State)
	assert.Equal(t, string(pkgerrors.CodeUnauthorizedCaller), res.Task.Metadata[MetadataErrorCode])
	assert.Contains(t, res.Task.StatusText(), "An error occurred: ")
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestHandleChecksCallerBeforeParsing(t *testing.T) {
	orch, _ := newTestOrchestrator(t, NewAllowList("trusted_shopping_agent"), completing("find_items"))

	msg := textMessage(t, "", "find_items", nil)
	msg.Parts = append(msg.Parts, envelope.Part{
		Kind: envelope.PartKindData,
		Data: map[string]json.RawMessage{envelope.KeyIntentMandate: json.RawMessage(`"not an intent"`)},
	})

	res, err := orch.Handle(context.Background(), Request{Message: msg, Extensions: payExtensions})
	require.NoError(t, err)
	assert.Equal(t, enums.TaskStateFailed, res.Task.Status.State)
	assert.Equal(t, string(pkgerrors.CodeUnauthorizedCaller), res.Task.Metadata[MetadataErrorCode])

	bad := textMessage(t, "", "find_items", map[string]any{envelope.KeyShoppingAgentID: "rogue"})
	res, err = orch.Handle(context.Background(), Request{Message: bad, Extensions: payExtensions})
	require.NoError(t, err)
	assert.Equal(t, string(pkgerrors.CodeUnauthorizedCaller), res.Task.Metadata[MetadataErrorCode])

	good := textMessage(t, "", "find_items", map[string]any{envelope.KeyShoppingAgentID: "trusted_shopping_agent"})
	res, err = orch.Handle(context.Background(), Request{Message: good, Extensions: payExtensions})
	require.NoError(t, err)
	assert.Equal(t, enums.TaskStateCompleted, res.Task.Status.State)
}

func TestHandleUnknownOperationFails(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, completing("find_items"))

	res, err := orch.Handle(context.Background(), Request{
		Message:    textMessage(t, "", "order a pizza", nil),
		Extensions: payExtensions,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.TaskStateFailed, res.Task.Status.State)
	assert.Equal(t, string(pkgerrors.CodeUnknownOperation), res.Task.Metadata[MetadataErrorCode])
}

func TestHandleMalformedMandateNamesField(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, completing("find_items"))

	msg := textMessage(t, "", "find_items", map[string]any{
		envelope.KeyIntentMandate: map[string]any{"intent_expiry": time.Now().Add(time.Hour)},
	})
	res, err := orch.Handle(context.Background(), Request{Message: msg, Extensions: payExtensions})
	require.NoError(t, err)
	assert.Equal(t, enums.TaskStateFailed, res.Task.Status.State)
	assert.Contains(t, res.Task.StatusText(), "natural_language_description")
}

func TestHandleDownstreamFailureReason(t *testing.T) {
	op := Operation{Name: "initiate_payment", Handler: func(context.Context, *Exchange) error {
		return pkgerrors.New(pkgerrors.CodeDownstream, "http://processor: timed out").
			WithDetails(map[string]any{"peer": "http://processor"})
	}}
	orch, _ := newTestOrchestrator(t, nil, op)

	res, err := orch.Handle(context.Background(), Request{
		Message:    textMessage(t, "", "initiate_payment", nil),
		Extensions: payExtensions,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.TaskStateFailed, res.Task.Status.State)
	assert.Equal(t, "An error occurred: downstream unavailable: http://processor: timed out", res.Task.StatusText())
}

func challengeOperation(expected string) Operation {
	return Operation{Name: "initiate_payment", Handler: func(_ context.Context, ex *Exchange) error {
		if !ex.Resumed() {
			ex.SetMetadata("challenge", "issued")
			ex.RequireInput("Please provide the challenge response to complete the payment.")
			return nil
		}
		if ex.Payload.ChallengeResponse != expected {
			return pkgerrors.New(pkgerrors.CodeChallengeMismatch, "Challenge response incorrect.")
		}
		ex.Complete("paid")
		return nil
	}}
}

func TestHandleInputRequiredRoundTrip(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, challengeOperation("123"))
	ctx := context.Background()

	first, err := orch.Handle(ctx, Request{Message: textMessage(t, "", "initiate_payment", nil), Extensions: payExtensions})
	require.NoError(t, err)
	require.Equal(t, enums.TaskStateInputRequired, first.Task.Status.State)
	taskID := first.Task.ID

	wrong, err := orch.Handle(ctx, Request{
		Message:    textMessage(t, taskID, "here you go", map[string]any{envelope.KeyChallengeResponse: "000"}),
		Extensions: payExtensions,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.TaskStateInputRequired, wrong.Task.Status.State)
	assert.Equal(t, "Challenge response incorrect.", wrong.Task.StatusText())
	assert.Equal(t, first.Task.ContextID, wrong.Task.ContextID)

	right, err := orch.Handle(ctx, Request{
		Message:    textMessage(t, taskID, "here you go", map[string]any{envelope.KeyChallengeResponse: "123"}),
		Extensions: payExtensions,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.TaskStateCompleted, right.Task.Status.State)
	assert.Len(t, right.Task.History, 3)

	replay, err := orch.Handle(ctx, Request{
		Message:    textMessage(t, taskID, "here you go", map[string]any{envelope.KeyChallengeResponse: "123"}),
		Extensions: payExtensions,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict))
	assert.True(t, replay.Replayed)
	assert.Equal(t, enums.TaskStateCompleted, replay.Task.Status.State)
	assert.Len(t, replay.Task.History, 3)
}

func TestCancelRules(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, challengeOperation("123"), completing("find_items"))
	ctx := context.Background()

	parked, err := orch.Handle(ctx, Request{Message: textMessage(t, "", "initiate_payment", nil), Extensions: payExtensions})
	require.NoError(t, err)

	canceled, err := orch.Cancel(ctx, parked.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.TaskStateCanceled, canceled.Status.State)

	_, err = orch.Cancel(ctx, parked.Task.ID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeTaskNotCancelable))

	done, err := orch.Handle(ctx, Request{Message: textMessage(t, "", "find_items", nil), Extensions: payExtensions})
	require.NoError(t, err)
	snapshot, err := orch.Cancel(ctx, done.Task.ID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeTaskNotCancelable))
	assert.Equal(t, enums.TaskStateCompleted, snapshot.Status.State)

	_, err = orch.Cancel(ctx, "missing")
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}

func TestHandleSerializesSameTask(t *testing.T) {
	var active, maxActive int32
	op := Operation{Name: "initiate_payment", Handler: func(_ context.Context, ex *Exchange) error {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		ex.RequireInput("again")
		return nil
	}}
	orch, _ := newTestOrchestrator(t, nil, op)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orch.Handle(context.Background(), Request{
				Message:    textMessage(t, "shared-task", "initiate_payment", nil),
				Extensions: payExtensions,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&maxActive))
	got, err := orch.Get(context.Background(), "shared-task")
	require.NoError(t, err)
	assert.Len(t, got.History, 8)
}

func TestNegotiate(t *testing.T) {
	got := Negotiate([]string{" b ", "a", "b", "z"}, []string{"a", "b"})
	assert.Equal(t, []string{"b", "a"}, got)
	assert.Empty(t, Negotiate(nil, []string{"a"}))
}

func TestNewRejectsMisconfiguration(t *testing.T) {
	noop := func(context.Context, *Exchange) error { return nil }
	store := task.NewMemoryStore()

	cases := []struct {
		name string
		cfg  Config
	}{
		{"no role", Config{Operations: []Operation{{Name: "a", Handler: noop}}, Store: store}},
		{"no operations", Config{Role: "r", Store: store}},
		{"no store", Config{Role: "r", Operations: []Operation{{Name: "a", Handler: noop}}}},
		{"no handler", Config{Role: "r", Operations: []Operation{{Name: "a"}}, Store: store}},
		{"duplicate", Config{Role: "r", Operations: []Operation{{Name: "a", Handler: noop}, {Name: "a", Handler: noop}}, Store: store}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			require.Error(t, err)
			assert.True(t, pkgerrors.Is(err, pkgerrors.CodeInternal), err.Error())
		})
	}
}
