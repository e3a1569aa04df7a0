package evaluator

import (
	"context"
	"fmt"

	"github.com/agentflow/agentflow/ast"
	"github.com/agentflow/agentflow/flow/state"
	"github.com/agentflow/agentflow/persistence"
)

// iterationContext accumulates one iteration's worklist and the batch of
// creates/updates to commit atomically at the end (§4.4.3). Caches are
// scoped to a single iteration and discarded afterward.
type iterationContext struct {
	eval        *Evaluator
	workflowAST *ast.WorkflowAST
	programAST  *ast.ProgramAST

	stepBuf map[string]*persistence.Step
	queued  map[string]bool
	queue   []string

	createdIDs map[string]bool
	updatedIDs map[string]bool

	createdTaskIDs map[string]bool
	updatedTaskIDs map[string]bool

	// changes is the batch being assembled for this iteration; set once by
	// drain before any changer runs, so changers can stage tasks without
	// threading the batch through every changer's signature.
	changes *persistence.IterationChanges

	processed map[string]bool
	dirty     map[string]bool
}

func newIterationContext(e *Evaluator, workflowAST *ast.WorkflowAST, programAST *ast.ProgramAST) *iterationContext {
	return &iterationContext{
		eval:           e,
		workflowAST:    workflowAST,
		programAST:     programAST,
		stepBuf:        map[string]*persistence.Step{},
		queued:         map[string]bool{},
		createdIDs:     map[string]bool{},
		updatedIDs:     map[string]bool{},
		createdTaskIDs: map[string]bool{},
		updatedTaskIDs: map[string]bool{},
		processed:      map[string]bool{},
		dirty:          map[string]bool{},
	}
}

const maxDispatchesPerIteration = 100000

func (ic *iterationContext) getStep(ctx context.Context, id string) (*persistence.Step, error) {
	if id == "" {
		return nil, persistence.ErrNotFound
	}
	if s, ok := ic.stepBuf[id]; ok {
		return s, nil
	}
	s, err := ic.eval.Store.GetStep(ctx, id)
	if err != nil {
		return nil, err
	}
	ic.stepBuf[id] = s
	return s, nil
}

func (ic *iterationContext) stage(step *persistence.Step, isNew bool, changes *persistence.IterationChanges) {
	ic.stepBuf[step.ID] = step
	if isNew {
		if !ic.createdIDs[step.ID] {
			ic.createdIDs[step.ID] = true
			changes.CreatedSteps = append(changes.CreatedSteps, step)
		}
		return
	}
	if !ic.updatedIDs[step.ID] {
		ic.updatedIDs[step.ID] = true
		changes.UpdatedSteps = append(changes.UpdatedSteps, step)
	}
}

// stageTask stages a task into the iteration's batch instead of writing it
// directly to the store, so it commits atomically with the step transition
// that created it (§4.1/§4.4.3) rather than becoming visible to other
// workers before that transition is durable.
func (ic *iterationContext) stageTask(task *persistence.Task, isNew bool) {
	if isNew {
		if !ic.createdTaskIDs[task.UUID] {
			ic.createdTaskIDs[task.UUID] = true
			ic.changes.CreatedTasks = append(ic.changes.CreatedTasks, task)
		}
		return
	}
	if !ic.updatedTaskIDs[task.UUID] {
		ic.updatedTaskIDs[task.UUID] = true
		ic.changes.UpdatedTasks = append(ic.changes.UpdatedTasks, task)
	}
}

func (ic *iterationContext) enqueue(id string) {
	if id == "" || ic.queued[id] {
		return
	}
	ic.queued[id] = true
	ic.queue = append(ic.queue, id)
}

// runLoop drives iterations to a fixed point: each iteration clears its
// caches, fetches the actionable step set, processes it (and any steps
// it transitively creates or dirties) to local closure, commits the
// batch atomically, and checks for progress (§4.4.3). After the first
// iteration, a step in a continue state is only queued when the previous
// iteration marked it dirty (one of its children changed).
func (e *Evaluator) runLoop(ctx context.Context, workflowID string, workflowAST *ast.WorkflowAST, programAST *ast.ProgramAST) (*Result, error) {
	var prevDirty map[string]bool
	for iterations := 0; iterations < e.MaxIterations; iterations++ {
		ic := newIterationContext(e, workflowAST, programAST)
		actionable, err := e.Store.GetActionableStepsByWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		for _, s := range actionable {
			ic.stepBuf[s.ID] = s
			if prevDirty != nil && state.IsContinueState(s.Transition.CurrentState) && !prevDirty[s.ID] {
				continue
			}
			ic.enqueue(s.ID)
		}

		changes := persistence.IterationChanges{}
		progressed, err := ic.drain(ctx, &changes)
		if err != nil {
			return nil, err
		}
		if err := e.Store.Commit(ctx, changes); err != nil {
			return nil, err
		}
		prevDirty = ic.dirty

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

// drain processes the queue to local closure within one iteration,
// dispatching each step's state changer, staging its result, and
// re-enqueueing any container whose child just changed state (§4.4.3's
// dirty-block tracking, realized here as direct requeue-on-change rather
// than a separate dirty-set check, since within one iteration a newly
// created child is processed before its parent can be re-checked).
func (ic *iterationContext) drain(ctx context.Context, changes *persistence.IterationChanges) (bool, error) {
	ic.changes = changes
	progressed := false
	dispatches := 0
	for len(ic.queue) > 0 {
		id := ic.queue[0]
		ic.queue = ic.queue[1:]
		delete(ic.queued, id)

		dispatches++
		if dispatches > maxDispatchesPerIteration {
			return progressed, fmt.Errorf("evaluator: exceeded per-iteration dispatch budget (possible cycle)")
		}

		step, err := ic.getStep(ctx, id)
		if err != nil {
			return progressed, err
		}
		if state.IsTerminal(step.Transition.CurrentState) {
			continue
		}
		if step.Transition.CurrentState == state.EventTransmit && !step.Transition.RequestTransition {
			continue
		}

		changer, ok := changers[changerKey{step.ObjectType, step.Transition.CurrentState}]
		if !ok {
			return progressed, fmt.Errorf("evaluator: no state changer for %s/%s", step.ObjectType, step.Transition.CurrentState)
		}

		children, changed, err := changer(ctx, ic, step)
		if err != nil {
			return progressed, err
		}

		if changed {
			progressed = true
			step.UpdatedAt = ic.eval.nowMillis()
			ic.stage(step, false, changes)
			ic.dirty[step.BlockID] = true
			ic.dirty[step.ContainerID] = true
			ic.enqueue(step.ContainerID)
		}
		for _, child := range children {
			progressed = true
			child.CreatedAt = ic.eval.nowMillis()
			child.UpdatedAt = child.CreatedAt
			ic.stage(child, true, changes)
			ic.enqueue(child.ID)
		}
	}
	return progressed, nil
}
