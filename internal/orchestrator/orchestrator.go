package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/ap2-agents/internal/audit"
	"github.com/angelmondragon/ap2-agents/internal/classifier"
	"github.com/angelmondragon/ap2-agents/internal/keylock"
	"github.com/angelmondragon/ap2-agents/internal/task"
	"github.com/angelmondragon/ap2-agents/pkg/auth"
	"github.com/angelmondragon/ap2-agents/pkg/config"
	"github.com/angelmondragon/ap2-agents/pkg/enums"
	"github.com/angelmondragon/ap2-agents/pkg/envelope"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/logger"
	"github.com/angelmondragon/ap2-agents/pkg/metrics"
	"github.com/google/uuid"
)

const (
	// MetadataOperation records the operation a task is running.
	MetadataOperation = "operation"
	// MetadataErrorCode records the error code of a failed task.
	MetadataErrorCode = task.MetadataErrorCode

	canceledText = "Task canceled."

	outcomeCompleted     = "completed"
	outcomeInputRequired = "input_required"
	outcomeFailed        = "failed"
)

// Handler runs one role operation.
type Handler func(ctx context.Context, ex *Exchange) error

// Operation is one entry of a role's operation table.
type Operation struct {
	Name        string
	Description string
	Keywords    []string
	Handler     Handler
}

// Config wires an orchestrator for one role.
type Config struct {
	Role       string
	Operations []Operation
	Store      task.Store
	Locker     keylock.Locker
	Classifier classifier.Classifier
	Policy     CallerPolicy
	Audit      audit.Sink
	Metrics    *metrics.TaskMetrics
	Logger     *logger.Logger
	Signing    config.SigningConfig
	// Extensions lists the extension URIs the agent supports.
	Extensions []string
	Now        func() time.Time
	NewID      func() string
}

// Request is one inbound message plus the extensions the caller asked for.
type Request struct {
	Message    envelope.Message
	Extensions []string
}

// Result is the task after the request was processed.
type Result struct {
	Task      *task.Task
	Activated []string
	Operation string
	Replayed  bool
}

// Orchestrator drives the task state machine for one role. The per-role
// behavior lives entirely in the operation table and the caller policy.
type Orchestrator struct {
	role       string
	operations map[string]Operation
	ordered    []Operation
	store      task.Store
	locker     keylock.Locker
	classifier classifier.Classifier
	policy     CallerPolicy
	audit      audit.Sink
	metrics    *metrics.TaskMetrics
	logg       *logger.Logger
	signing    config.SigningConfig
	extensions []string
	now        func() time.Time
	newID      func() string
}

// New builds an orchestrator for one agent role. Operation names must be
// unique and each needs a handler.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Role == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "role required")
	}
	if len(cfg.Operations) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "operation table required")
	}
	if cfg.Store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "task store required")
	}
	if cfg.Locker == nil {
		cfg.Locker = keylock.NewMemoryLocker()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewLogSink(cfg.Logger)
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{envelope.ExtensionURI}
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	ops := make(map[string]Operation, len(cfg.Operations))
	rules := make([]classifier.Rule, 0, len(cfg.Operations))
	for _, op := range cfg.Operations {
		if op.Name == "" || op.Handler == nil {
			return nil, pkgerrors.Newf(pkgerrors.CodeInternal, "operation %q requires a name and handler", op.Name)
		}
		if _, dup := ops[op.Name]; dup {
			return nil, pkgerrors.Newf(pkgerrors.CodeInternal, "duplicate operation %q", op.Name)
		}
		ops[op.Name] = op
		rules = append(rules, classifier.Rule{Operation: op.Name, Keywords: op.Keywords})
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classifier.NewKeywordClassifier(rules...)
	}

	return &Orchestrator{
		role:       cfg.Role,
		operations: ops,
		ordered:    append([]Operation(nil), cfg.Operations...),
		store:      cfg.Store,
		locker:     cfg.Locker,
		classifier: cfg.Classifier,
		policy:     cfg.Policy,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		logg:       cfg.Logger,
		signing:    cfg.Signing,
		extensions: append([]string(nil), cfg.Extensions...),
		now:        cfg.Now,
		newID:      cfg.NewID,
	}, nil
}

// Role returns the agent role served.
func (o *Orchestrator) Role() string {
	return o.role
}

// Operations returns the operation table in registration order.
func (o *Orchestrator) Operations() []Operation {
	return append([]Operation(nil), o.ordered...)
}

// Extensions returns the supported extension URIs.
func (o *Orchestrator) Extensions() []string {
	return append([]string(nil), o.extensions...)
}

// Handle processes one message. Transitions for a task id are serialized.
// Task-level failures are reported through the returned task, not the
// error; the error is reserved for requests that could not be applied to a
// task at all.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Result, error) {
	msg := req.Message
	taskID := msg.TaskID
	if taskID == "" {
		taskID = o.newID()
	}
	ctx = o.logg.WithTaskID(ctx, taskID)

	unlock, err := o.locker.Lock(ctx, taskID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "acquire task lock")
	}
	defer unlock()

	now := o.now()
	t, err := o.store.Get(ctx, taskID)
	switch {
	case err == nil:
		if t.Status.State.IsTerminal() {
			return &Result{Task: t, Replayed: true}, pkgerrors.Newf(pkgerrors.CodeStateConflict,
				"task %s is already %s", t.ID, t.Status.State).
				WithDetails(map[string]any{"state": t.Status.State})
		}
	case pkgerrors.Is(err, pkgerrors.CodeNotFound):
		contextID := msg.ContextID
		if contextID == "" {
			contextID = o.newID()
		}
		t = task.New(taskID, contextID, now)
	default:
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load task")
	}
	ctx = o.logg.WithContextID(ctx, t.ContextID)

	msg.TaskID = t.ID
	msg.ContextID = t.ContextID
	t.History = append(t.History, msg)
	o.record(ctx, t, msg, req.Extensions, now)

	activated := Negotiate(req.Extensions, o.extensions)
	result := &Result{Task: t, Activated: activated}

	ex, err := o.prepare(ctx, t, msg, activated, now)
	if err != nil {
		o.fail(ctx, t, err, now)
		return result, o.save(ctx, t)
	}
	result.Operation = ex.Operation
	ctx = o.logg.WithOperation(ctx, ex.Operation)

	if err := o.transition(ctx, t, enums.TaskStateWorking, "", now); err != nil {
		return result, err
	}
	t.SetMetadata(MetadataOperation, ex.Operation)

	started := time.Now()
	err = o.operations[ex.Operation].Handler(ctx, ex)
	finished := o.now()
	switch {
	case err == nil && ex.inputRequired:
		_ = o.transition(ctx, t, enums.TaskStateInputRequired, ex.statusText, finished)
		o.metrics.ObserveOperation(ex.Operation, outcomeInputRequired, time.Since(started))
	case err == nil:
		_ = o.transition(ctx, t, enums.TaskStateCompleted, ex.statusText, finished)
		o.metrics.ObserveOperation(ex.Operation, outcomeCompleted, time.Since(started))
	case pkgerrors.Is(err, pkgerrors.CodeChallengeMismatch):
		o.logg.Warn(o.logg.WithField(ctx, "reason", pkgerrors.Reason(err)), "task.challenge_mismatch")
		_ = o.transition(ctx, t, enums.TaskStateInputRequired, pkgerrors.Reason(err), finished)
		o.metrics.ObserveOperation(ex.Operation, outcomeInputRequired, time.Since(started))
	default:
		o.fail(ctx, t, err, finished)
		o.metrics.ObserveOperation(ex.Operation, outcomeFailed, time.Since(started))
	}
	return result, o.save(ctx, t)
}

// prepare runs every check that must pass before the task enters WORKING.
// The order matters: the caller is authorized before any mandate is parsed.
func (o *Orchestrator) prepare(ctx context.Context, t *task.Task, msg envelope.Message, activated []string, now time.Time) (*Exchange, error) {
	if !contains(activated, envelope.ExtensionURI) {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorizedCaller, "payment extension "+envelope.ExtensionURI+" was not activated")
	}
	if o.policy != nil {
		if err := o.policy.Authorize(msg); err != nil {
			return nil, err
		}
	}

	payload, err := envelope.ParseAndValidate(msg, now)
	if err != nil {
		return nil, err
	}
	if payload.PaymentMandate != nil {
		if _, err := auth.VerifyPaymentMandate(o.signing, now, *payload.PaymentMandate); err != nil {
			return nil, err
		}
	}

	resumed := t.Status.State == enums.TaskStateInputRequired
	operation := ""
	if resumed && t.Metadata != nil {
		operation = t.Metadata[MetadataOperation]
	}
	if operation == "" {
		name, err := o.classifier.Classify(ctx, payload.Text())
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDownstream, err, "classify request")
		}
		operation = name
	}
	if _, ok := o.operations[operation]; !ok {
		if operation == "" {
			return nil, pkgerrors.New(pkgerrors.CodeUnknownOperation, "no operation matches the request")
		}
		return nil, pkgerrors.Newf(pkgerrors.CodeUnknownOperation, "unknown operation %q", operation)
	}

	return &Exchange{
		Role:      o.role,
		Operation: operation,
		Message:   msg,
		Payload:   payload,
		Now:       now,
		task:      t,
		resumed:   resumed,
	}, nil
}

// Cancel moves a non-terminal task to CANCELED. It does not reach any call
// already dispatched to another agent.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (*task.Task, error) {
	ctx = o.logg.WithTaskID(ctx, taskID)
	unlock, err := o.locker.Lock(ctx, taskID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "acquire task lock")
	}
	defer unlock()

	t, err := o.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.State.IsCancelable() {
		return t, pkgerrors.Newf(pkgerrors.CodeTaskNotCancelable, "task %s is %s", t.ID, t.Status.State).
			WithDetails(map[string]any{"state": t.Status.State})
	}
	if err := o.transition(ctx, t, enums.TaskStateCanceled, canceledText, o.now()); err != nil {
		return t, err
	}
	return t, o.save(ctx, t)
}

// Get loads a task by id.
func (o *Orchestrator) Get(ctx context.Context, taskID string) (*task.Task, error) {
	return o.store.Get(ctx, taskID)
}

func (o *Orchestrator) fail(ctx context.Context, t *task.Task, cause error, now time.Time) {
	code := pkgerrors.CodeOf(cause)
	t.SetMetadata(MetadataErrorCode, string(code))
	if code == pkgerrors.CodeDownstream {
		o.metrics.IncDownstreamFailure(peerOf(cause))
	}
	if code == pkgerrors.CodeInternal {
		o.logg.Error(ctx, "task.failed", cause)
	} else {
		o.logg.Warn(o.logg.WithFields(ctx, map[string]any{"code": code, "reason": pkgerrors.Reason(cause)}), "task.failed")
	}
	if err := o.transition(ctx, t, enums.TaskStateFailed, task.FailurePrefix+pkgerrors.Reason(cause), now); err != nil {
		o.logg.Error(ctx, "task.fail_transition", err)
	}
}

func (o *Orchestrator) transition(ctx context.Context, t *task.Task, next enums.TaskState, text string, now time.Time) error {
	from := t.Status.State
	if err := t.Transition(next, text, now); err != nil {
		return err
	}
	o.metrics.IncTransition(from.String(), next.String())
	o.logg.Info(o.logg.WithFields(ctx, map[string]any{
		"from": from.String(),
		"to":   next.String(),
	}), "task.transition")
	return nil
}

func (o *Orchestrator) save(ctx context.Context, t *task.Task) error {
	if err := o.store.Save(ctx, t); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save task")
	}
	return nil
}

// record copies the inbound message to the audit sink. Sink failures are
// logged and otherwise ignored.
func (o *Orchestrator) record(ctx context.Context, t *task.Task, msg envelope.Message, requested []string, now time.Time) {
	var texts []string
	for _, part := range msg.Parts {
		if part.Kind == envelope.PartKindText && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	entry := audit.Entry{
		Role:       o.role,
		TaskID:     t.ID,
		ContextID:  t.ContextID,
		Texts:      texts,
		DataKeys:   msg.DataKeys(),
		Extensions: requested,
		ReceivedAt: now,
	}
	if err := o.audit.Record(ctx, entry); err != nil && !errors.Is(err, context.Canceled) {
		o.logg.Warn(o.logg.WithField(ctx, "error", err.Error()), "audit.record_failed")
	}
}

func peerOf(err error) string {
	typed := pkgerrors.As(err)
	if typed == nil {
		return ""
	}
	if details, ok := typed.Details().(map[string]any); ok {
		if peer, ok := details["peer"].(string); ok {
			return peer
		}
	}
	return ""
}
