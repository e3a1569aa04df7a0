// Package evaluator implements the iterative fixed-point evaluator
// (§4.4): it expands a workflow AST into steps, runs iterations to a
// fixed point, commits each iteration atomically, and exposes the
// continuation API (continue_step / fail_step / retry_step / resume /
// resume_step) by which the worker service drives a workflow to
// completion.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow/agentflow/ast"
	"github.com/agentflow/agentflow/flow"
	"github.com/agentflow/agentflow/flow/depgraph"
	"github.com/agentflow/agentflow/flow/state"
	"github.com/agentflow/agentflow/persistence"
)

// ResultStatus is the outcome of one execute/resume/resume_step call.
type ResultStatus string

const (
	StatusCompleted ResultStatus = "COMPLETED"
	StatusPaused    ResultStatus = "PAUSED"
	StatusError     ResultStatus = "ERROR"
	StatusTimeout   ResultStatus = "TIMEOUT"
)

// Result is returned by every top-level evaluator entry point.
type Result struct {
	Status     ResultStatus
	Outputs    *flow.Attributes
	Err        error
	Iterations int
}

// InvariantError marks a programmer-error precondition violation (§7):
// continue_step on a step not at EVENT_TRANSMIT, retry_step on a
// non-errored step, a missing step/workflow id. Never auto-retried.
type InvariantError struct {
	Op  string
	Msg string
}

func (e *InvariantError) Error() string { return fmt.Sprintf("evaluator: %s: %s", e.Op, e.Msg) }

// Evaluator is re-entrant: all state lives in Store and in the explicit
// arguments passed to every call; there is no package-level mutable
// state (§9 "Global state: None").
type Evaluator struct {
	Store         persistence.Store
	Logger        *slog.Logger
	MaxIterations int
	Graphs        *depgraph.Cache
	DefaultTTLMS  int64

	now    func() time.Time
	nextID func() string
}

// Option configures an Evaluator at construction time.
type Option func(*Evaluator)

func WithClock(now func() time.Time) Option { return func(e *Evaluator) { e.now = now } }
func WithIDGenerator(f func() string) Option { return func(e *Evaluator) { e.nextID = f } }

// New constructs an Evaluator over store, logging through logger (a nil
// logger discards output).
func New(store persistence.Store, logger *slog.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Evaluator{
		Store:         store,
		Logger:        logger,
		MaxIterations: 1000,
		Graphs:        depgraph.NewCache(),
		DefaultTTLMS:  300000,
		now:           time.Now,
		nextID:        func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evaluator) nowMillis() int64 { return e.now().UnixMilli() }

// Execute expands workflowAST into a fresh tree of steps rooted at a new
// workflow step (or at the caller-supplied workflowID, to align with an
// existing runner record) and runs iterations to a fixed point (§4.4.1).
func (e *Evaluator) Execute(ctx context.Context, workflowAST *ast.WorkflowAST, inputs *flow.Attributes, programAST *ast.ProgramAST, runnerID, workflowID string) (*Result, error) {
	if workflowAST == nil {
		return nil, &InvariantError{Op: "Execute", Msg: "workflowAST is nil"}
	}
	if workflowID == "" {
		workflowID = e.nextID()
	}

	resolved := e.resolveWorkflowInputs(workflowAST, inputs)

	root := &persistence.Step{
		ID:         e.nextID(),
		WorkflowID: workflowID,
		ObjectType: persistence.ObjectWorkflow,
		Params:     resolved,
		Returns:    flow.New(),
	}
	root.Transition.CurrentState = state.WorkflowInit
	if err := e.Store.SaveStep(ctx, root); err != nil {
		return nil, err
	}

	e.Logger.Info("workflow execute started", "workflow_id", workflowID, "runner_id", runnerID)
	return e.runLoop(ctx, workflowID, workflowAST, programAST)
}

// resolveWorkflowInputs overlays caller-supplied inputs on top of each
// declared parameter's AST default (§4.4.2).
func (e *Evaluator) resolveWorkflowInputs(workflowAST *ast.WorkflowAST, inputs *flow.Attributes) *flow.Attributes {
	defaults := flow.New()
	for _, p := range workflowAST.Params {
		if p.Default != nil {
			defaults.Set(p.Name, *p.Default, p.TypeHint)
		}
	}
	return defaults.Overlay(inputs)
}

// Resume re-enters the iteration loop for an existing workflow instance
// (§4.4.1). inputs, when non-nil, overlay the workflow root's params
// before the next iteration (used when external writes altered inputs).
func (e *Evaluator) Resume(ctx context.Context, workflowID string, workflowAST *ast.WorkflowAST, programAST *ast.ProgramAST, inputs *flow.Attributes) (*Result, error) {
	if inputs != nil {
		root, err := e.Store.GetWorkflowRoot(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		root.Params = root.Params.Overlay(inputs)
		if err := e.Store.SaveStep(ctx, root); err != nil {
			return nil, err
		}
	}
	return e.runLoop(ctx, workflowID, workflowAST, programAST)
}

// ResumeStep seeds the worklist with only stepID and its ancestor chain
// (walking ContainerID up to the workflow root) instead of the full
// actionable set — O(depth) rather than O(total steps) — then runs
// iterations to a fixed point exactly as Resume does. This is the
// preferred path after an external continue_step/fail_step, since the
// only steps that can possibly need re-evaluation lie on that chain
// (§4.4.1, §4.4.4).
func (e *Evaluator) ResumeStep(ctx context.Context, workflowID, stepID string, workflowAST *ast.WorkflowAST, programAST *ast.ProgramAST) (*Result, error) {
	for iterations := 0; iterations < e.MaxIterations; iterations++ {
		ic := newIterationContext(e, workflowAST, programAST)
		if err := ic.seedAncestorChain(ctx, stepID); err != nil {
			return nil, err
		}

		changes := persistence.IterationChanges{}
		progressed, err := ic.drain(ctx, &changes)
		if err != nil {
			return nil, err
		}
		if err := e.Store.Commit(ctx, changes); err != nil {
			return nil, err
		}

		root, err := e.Store.GetWorkflowRoot(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if state.IsTerminal(root.Transition.CurrentState) {
			return e.inspectOutcome(ctx, workflowID, iterations+1)
		}
		if !progressed {
			return e.inspectOutcome(ctx, workflowID, iterations+1)
		}
	}
	return &Result{Status: StatusTimeout, Iterations: e.MaxIterations}, nil
}

// seedAncestorChain queues stepID and walks ContainerID upward to the
// workflow root, queuing each ancestor in turn.
func (ic *iterationContext) seedAncestorChain(ctx context.Context, stepID string) error {
	id := stepID
	for id != "" {
		step, err := ic.getStep(ctx, id)
		if err != nil {
			return err
		}
		ic.enqueue(step.ID)
		id = step.ContainerID
	}
	return nil
}

// ContinueStep is the only way external code unblocks an event-parked
// step (§4.4.4). Preconditions: the step exists and is at EVENT_TRANSMIT.
func (e *Evaluator) ContinueStep(ctx context.Context, stepID string, result *flow.Attributes) error {
	st, err := e.Store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if st.Transition.CurrentState != state.EventTransmit {
		return &InvariantError{Op: "ContinueStep", Msg: fmt.Sprintf("step %s is not at EVENT_TRANSMIT", stepID)}
	}
	if result != nil {
		for _, name := range result.Names() {
			attr, _ := result.Get(name)
			st.Returns.Set(attr.Name, attr.Value, attr.TypeHint)
		}
	}
	st.Transition.RequestTransition = true
	st.Transition.Changed = true
	return e.Store.SaveStep(ctx, st)
}

// FailStep sets a parked event step into STATEMENT_ERROR (§4.4.4).
func (e *Evaluator) FailStep(ctx context.Context, stepID, message string) error {
	st, err := e.Store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if st.Transition.CurrentState != state.EventTransmit {
		return &InvariantError{Op: "FailStep", Msg: fmt.Sprintf("step %s is not at EVENT_TRANSMIT", stepID)}
	}
	st.Transition.CurrentState = state.StatementError
	st.Transition.Error = &message
	st.Transition.Changed = true
	return e.Store.SaveStep(ctx, st)
}

// RetryStep resets an errored event step back to EVENT_TRANSMIT,
// clearing the error and resetting the associated task to pending
// (§4.2 retry protocol, §4.4.4).
func (e *Evaluator) RetryStep(ctx context.Context, stepID string) error {
	st, err := e.Store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if st.Transition.CurrentState != state.StatementError {
		return &InvariantError{Op: "RetryStep", Msg: fmt.Sprintf("step %s is not at STATEMENT_ERROR", stepID)}
	}
	st.Transition.CurrentState = state.EventTransmit
	st.Transition.Error = nil
	st.Transition.RequestTransition = false
	st.Transition.Changed = true
	if err := e.Store.SaveStep(ctx, st); err != nil {
		return err
	}
	task, err := e.Store.GetTaskForStep(ctx, stepID)
	if err != nil {
		if err == persistence.ErrNotFound {
			return nil
		}
		return err
	}
	task.State = persistence.TaskPending
	return e.Store.SaveTask(ctx, task)
}

func (e *Evaluator) inspectOutcome(ctx context.Context, workflowID string, iterations int) (*Result, error) {
	root, err := e.Store.GetWorkflowRoot(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	switch {
	case state.IsComplete(root.Transition.CurrentState):
		return &Result{Status: StatusCompleted, Outputs: root.Returns, Iterations: iterations}, nil
	case state.IsError(root.Transition.CurrentState):
		var err error
		if root.Transition.Error != nil {
			err = fmt.Errorf("%s", *root.Transition.Error)
		}
		return &Result{Status: StatusError, Err: err, Iterations: iterations}, nil
	default:
		return &Result{Status: StatusPaused, Iterations: iterations}, nil
	}
}
