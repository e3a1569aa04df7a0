package evaluator

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/agentflow/agentflow/ast"
	"github.com/agentflow/agentflow/flow"
	"github.com/agentflow/agentflow/flow/depgraph"
	"github.com/agentflow/agentflow/flow/state"
	"github.com/agentflow/agentflow/persistence"
	"github.com/agentflow/agentflow/value"
)

// changer is a state changer: given a step at a particular (ObjectType,
// State), it advances the step in place, returning any newly created
// child steps and whether the step itself was modified. Mirrors §9's
// "polymorphic state changers... a sum type of (ObjectType, State)
// dispatched to distinct handling logic".
type changer func(ctx context.Context, ic *iterationContext, step *persistence.Step) (children []*persistence.Step, changed bool, err error)

type changerKey struct {
	obj persistence.ObjectType
	st  state.State
}

var changers = map[changerKey]changer{
	{persistence.ObjectWorkflow, state.WorkflowInit}: changeWorkflowInit,

	{persistence.ObjectBlock, state.BlockInit}:              changeBlockInit,
	{persistence.ObjectBlock, state.BlockExecutionContinue}: changeBlockContinue,

	{persistence.ObjectStatement, state.StatementInit}:           changeStatementInit,
	{persistence.ObjectStatement, state.StatementBlocksContinue}: changeStatementSingleChildContinue,
	{persistence.ObjectStatement, state.MixinBlocksContinue}:     changeStatementForeachContinue,

	{persistence.ObjectFacet, state.FacetInit}: changeFacetInit,

	{persistence.ObjectEventFacet, state.EventFacetInit}: changeEventFacetInit,
	{persistence.ObjectEventFacet, state.EventTransmit}:  changeEventFacetTransmit,

	{persistence.ObjectForeachBody, state.ForeachBodyInit}:            changeForeachBodyInit,
	{persistence.ObjectForeachBody, state.StatementBlocksContinue}:    changeForeachBodyContinue,
}

func newChildStep(id, workflowID string, objType persistence.ObjectType, containerID, blockID, statementID, facetName string, params *flow.Attributes) *persistence.Step {
	return &persistence.Step{
		ID:          id,
		WorkflowID:  workflowID,
		ObjectType:  objType,
		FacetName:   facetName,
		StatementID: statementID,
		ContainerID: containerID,
		BlockID:     blockID,
		Params:      params,
		Returns:     flow.New(),
	}
}

// --- Workflow region ---

func changeWorkflowInit(ctx context.Context, ic *iterationContext, step *persistence.Step) ([]*persistence.Step, bool, error) {
	existing, err := ic.childrenOf(ctx, step.ID)
	if err != nil {
		return nil, false, err
	}
	for _, child := range existing {
		if child.ObjectType != persistence.ObjectBlock {
			continue
		}
		if state.IsError(child.Transition.CurrentState) {
			propagateError(step, child)
			return nil, true, nil
		}
		if child.Transition.CurrentState == state.BlockComplete {
			step.Returns = child.Returns.Clone()
			step.Transition.CurrentState = state.WorkflowComplete
			return nil, true, nil
		}
		return nil, false, nil
	}

	blockID := ic.eval.nextID()
	block := newChildStep(blockID, step.WorkflowID, persistence.ObjectBlock, step.ID, blockID, "", "", step.Params.Clone())
	block.Transition.CurrentState = state.BlockInit
	return []*persistence.Step{block}, false, nil
}

// --- Block region ---

func changeBlockInit(ctx context.Context, ic *iterationContext, step *persistence.Step) ([]*persistence.Step, bool, error) {
	block, err := ic.resolveBlockAST(ctx, step)
	if err != nil {
		return nil, false, err
	}
	graph, err := ic.eval.Graphs.GetOrBuild(step.ID, block)
	if err != nil {
		return nil, false, err
	}
	ready := readyStatements(graph, block, nil)
	children := make([]*persistence.Step, 0, len(ready))
	for _, stmt := range ready {
		child := newChildStep(ic.eval.nextID(), step.WorkflowID, persistence.ObjectStatement, step.ID, step.ID, stmt.ID, stmt.FacetName, flow.New())
		child.Transition.CurrentState = state.StatementInit
		children = append(children, child)
	}
	step.Transition.CurrentState = state.BlockExecutionContinue
	return children, true, nil
}

func changeBlockContinue(ctx context.Context, ic *iterationContext, step *persistence.Step) ([]*persistence.Step, bool, error) {
	block, err := ic.resolveBlockAST(ctx, step)
	if err != nil {
		return nil, false, err
	}
	graph, err := ic.eval.Graphs.GetOrBuild(step.ID, block)
	if err != nil {
		return nil, false, err
	}
	children, err := ic.statementsOf(ctx, step.ID)
	if err != nil {
		return nil, false, err
	}

	done := map[string]*persistence.Step{}
	for _, c := range children {
		done[c.StatementID] = c
		if state.IsError(c.Transition.CurrentState) {
			propagateError(step, c)
			return nil, true, nil
		}
	}
	ready := readyStatements(graph, block, done)
	var created []*persistence.Step
	for _, stmt := range ready {
		child := newChildStep(ic.eval.nextID(), step.WorkflowID, persistence.ObjectStatement, step.ID, step.ID, stmt.ID, stmt.FacetName, flow.New())
		child.Transition.CurrentState = state.StatementInit
		created = append(created, child)
	}
	if len(created) > 0 {
		return created, false, nil
	}

	if len(done) < len(block.Statements) {
		return nil, false, nil
	}
	for _, stmt := range block.Statements {
		if done[stmt.ID].Transition.CurrentState != state.StatementComplete {
			return nil, false, nil
		}
	}
	scope := &blockScope{ctx: ctx, ic: ic, params: step, blockID: step.ID}
	if block.Yield != nil {
		v, err := evalWithStatementScope(block.Yield, scope, done)
		if err != nil {
			return nil, false, err
		}
		step.Returns.Set("value", v, "")
	}
	step.Transition.CurrentState = state.BlockComplete
	return nil, true, nil
}

// readyStatements returns, in depgraph order, the not-yet-created
// statements whose predecessors (by position in Order) are already
// complete — i.e. every statement that appears before it in done.
func readyStatements(graph *depgraph.Graph, block *ast.Block, done map[string]*persistence.Step) []*ast.Statement {
	byID := map[string]*ast.Statement{}
	for _, s := range block.Statements {
		byID[s.ID] = s
	}
	var ready []*ast.Statement
	for _, id := range graph.Order {
		if done != nil {
			if st, ok := done[id]; ok {
				if st.Transition.CurrentState != state.StatementComplete {
					return nil
				}
				continue
			}
		}
		ready = append(ready, byID[id])
		break
	}
	return ready
}

// evalWithStatementScope evaluates e using scope, but resolves
// StatementRef directly against the already-loaded done map when present
// (avoiding a redundant store round trip for the common yield-expression
// case).
func evalWithStatementScope(e *ast.Expr, scope *blockScope, done map[string]*persistence.Step) (value.Value, error) {
	return ast.Eval(e, &doneAwareScope{blockScope: scope, done: done})
}

type doneAwareScope struct {
	*blockScope
	done map[string]*persistence.Step
}

func (s *doneAwareScope) StatementReturn(stmtID, field string) (value.Value, bool) {
	if st, ok := s.done[stmtID]; ok && st.Returns != nil {
		return st.Returns.Value(field)
	}
	return s.blockScope.StatementReturn(stmtID, field)
}

func propagateError(step, child *persistence.Step) {
	step.Transition.CurrentState = state.StatementError
	step.Transition.Error = child.Transition.Error
}

// --- Statement region ---

func changeStatementInit(ctx context.Context, ic *iterationContext, step *persistence.Step) ([]*persistence.Step, bool, error) {
	stmt, err := ic.resolveStatementAST(ctx, step)
	if err != nil {
		return nil, false, err
	}
	blockStep, err := ic.getStep(ctx, step.ContainerID)
	if err != nil {
		return nil, false, err
	}
	scope := &blockScope{ctx: ctx, ic: ic, params: blockStep, blockID: step.ContainerID}

	params, err := resolveStatementArgs(ic.programAST, stmt, scope)
	if err != nil {
		return nil, false, err
	}
	step.Params = params

	if stmt.Foreach != nil {
		listVal, err := ast.Eval(stmt.Foreach.ListExpr, scope)
		if err != nil {
			return nil, false, err
		}
		items, _ := listVal.List()
		children := make([]*persistence.Step, 0, len(items))
		for i, item := range items {
			bodyParams := params.Clone()
			bodyParams.Set(stmt.Foreach.VarName, item, "")
			// StatementID doubles as the body's position in the source list
			// (§3 total order), since every body created in one iteration
			// shares a CreatedAt and the store otherwise has nothing to
			// break the tie on but random step IDs.
			orderKey := strconv.Itoa(i)
			fb := newChildStep(ic.eval.nextID(), step.WorkflowID, persistence.ObjectForeachBody, step.ID, step.ID, orderKey, "", bodyParams)
			fb.Transition.CurrentState = state.ForeachBodyInit
			children = append(children, fb)
		}
		step.Transition.CurrentState = state.MixinBlocksContinue
		return children, true, nil
	}

	decl, ok := ast.GetFacetDefinition(ic.programAST, stmt.FacetName)
	if !ok {
		return nil, false, fmt.Errorf("evaluator: undefined facet %q", stmt.FacetName)
	}
	objType := persistence.ObjectFacet
	initState := state.FacetInit
	if decl.Event {
		objType = persistence.ObjectEventFacet
		initState = state.EventFacetInit
	}
	child := newChildStep(ic.eval.nextID(), step.WorkflowID, objType, step.ID, step.ID, stmt.ID, stmt.FacetName, params.Clone())
	child.Transition.CurrentState = initState
	step.Transition.CurrentState = state.StatementBlocksContinue
	return []*persistence.Step{child}, true, nil
}

// resolveStatementArgs overlays implicit argument declarations beneath
// the statement's own explicit args (§4.4.2), evaluating each against
// scope.
func resolveStatementArgs(program *ast.ProgramAST, stmt *ast.Statement, scope ast.Scope) (*flow.Attributes, error) {
	out := flow.New()
	for name, expr := range ast.ResolveImplicitArgs(program, stmt.FacetName) {
		v, err := ast.Eval(expr, scope)
		if err != nil {
			return nil, err
		}
		out.Set(name, v, "")
	}
	for name, expr := range stmt.Args {
		v, err := ast.Eval(expr, scope)
		if err != nil {
			return nil, err
		}
		out.Set(name, v, "")
	}
	return out, nil
}

func changeStatementSingleChildContinue(ctx context.Context, ic *iterationContext, step *persistence.Step) ([]*persistence.Step, bool, error) {
	children, err := ic.childrenOf(ctx, step.ID)
	if err != nil {
		return nil, false, err
	}
	if len(children) != 1 {
		return nil, false, fmt.Errorf("evaluator: statement %s expected exactly one execution child, found %d", step.ID, len(children))
	}
	child := children[0]
	if state.IsError(child.Transition.CurrentState) {
		propagateError(step, child)
		return nil, true, nil
	}
	if !state.IsTerminal(child.Transition.CurrentState) {
		return nil, false, nil
	}
	step.Returns = child.Returns.Clone()
	step.Transition.CurrentState = state.StatementComplete
	return nil, true, nil
}

func changeStatementForeachContinue(ctx context.Context, ic *iterationContext, step *persistence.Step) ([]*persistence.Step, bool, error) {
	children, err := ic.childrenOf(ctx, step.ID)
	if err != nil {
		return nil, false, err
	}
	// childrenOf has no ordering guarantee beyond CreatedAt, and every body
	// in one foreach shares a CreatedAt, so aggregate in source-list order
	// using the position each body was minted with (§3 total order).
	sort.Slice(children, func(i, j int) bool {
		oi, _ := strconv.Atoi(children[i].StatementID)
		oj, _ := strconv.Atoi(children[j].StatementID)
		return oi < oj
	})
	results := make([]value.Value, 0, len(children))
	for _, c := range children {
		if state.IsError(c.Transition.CurrentState) {
			propagateError(step, c)
			return nil, true, nil
		}
		if !state.IsTerminal(c.Transition.CurrentState) {
			return nil, false, nil
		}
		v, _ := c.Returns.Value("value")
		results = append(results, v)
	}
	step.Returns.Set("results", value.List(results...), "")
	step.Transition.CurrentState = state.StatementComplete
	return nil, true, nil
}

// --- Facet (pure) region ---

func changeFacetInit(ctx context.Context, ic *iterationContext, step *persistence.Step) ([]*persistence.Step, bool, error) {
	decl, ok := ast.GetFacetDefinition(ic.programAST, step.FacetName)
	if !ok {
		return nil, false, fmt.Errorf("evaluator: undefined facet %q", step.FacetName)
	}
	scope := &facetScope{step: step}
	for _, ret := range decl.Returns {
		expr, ok := decl.Body[ret.Name]
		if !ok {
			continue
		}
		v, err := ast.Eval(expr, scope)
		if err != nil {
			return nil, false, err
		}
		step.Returns.Set(ret.Name, v, ret.TypeHint)
	}
	step.Transition.CurrentState = state.FacetComplete
	return nil, true, nil
}

type facetScope struct{ step *persistence.Step }

func (s *facetScope) Param(name string) (value.Value, bool) { return s.step.Params.Value(name) }
func (s *facetScope) StatementReturn(string, string) (value.Value, bool) {
	return value.Null(), false
}

// --- Event facet region ---

func changeEventFacetInit(ctx context.Context, ic *iterationContext, step *persistence.Step) ([]*persistence.Step, bool, error) {
	task := &persistence.Task{
		UUID:       ic.eval.nextID(),
		Name:       step.FacetName,
		State:      persistence.TaskPending,
		WorkflowID: step.WorkflowID,
		StepID:     step.ID,
		TaskList:   "default",
		Data:       step.Params.Clone(),
	}
	ic.stageTask(task, true)
	step.Transition.CurrentState = state.EventTransmit
	return nil, true, nil
}

func changeEventFacetTransmit(ctx context.Context, ic *iterationContext, step *persistence.Step) ([]*persistence.Step, bool, error) {
	if !step.Transition.RequestTransition {
		return nil, false, nil
	}
	step.Transition.CurrentState = state.EventFacetComplete
	step.Transition.RequestTransition = false
	return nil, true, nil
}

// --- Foreach body region ---

func changeForeachBodyInit(ctx context.Context, ic *iterationContext, step *persistence.Step) ([]*persistence.Step, bool, error) {
	originStatement, err := ic.getStep(ctx, step.ContainerID)
	if err != nil {
		return nil, false, err
	}
	stmt, err := ic.resolveStatementAST(ctx, originStatement)
	if err != nil {
		return nil, false, err
	}
	if stmt.Foreach == nil {
		return nil, false, fmt.Errorf("evaluator: foreach body %s has no originating foreach spec", step.ID)
	}
	blockID := ic.eval.nextID()
	block := newChildStep(blockID, step.WorkflowID, persistence.ObjectBlock, step.ID, blockID, "", "", step.Params.Clone())
	block.Transition.CurrentState = state.BlockInit
	step.Transition.CurrentState = state.StatementBlocksContinue
	return []*persistence.Step{block}, true, nil
}

func changeForeachBodyContinue(ctx context.Context, ic *iterationContext, step *persistence.Step) ([]*persistence.Step, bool, error) {
	children, err := ic.childrenOf(ctx, step.ID)
	if err != nil {
		return nil, false, err
	}
	if len(children) != 1 {
		return nil, false, fmt.Errorf("evaluator: foreach body %s expected exactly one block child, found %d", step.ID, len(children))
	}
	child := children[0]
	if state.IsError(child.Transition.CurrentState) {
		propagateError(step, child)
		return nil, true, nil
	}
	if !state.IsTerminal(child.Transition.CurrentState) {
		return nil, false, nil
	}
	step.Returns = child.Returns.Clone()
	step.Transition.CurrentState = state.ForeachBodyComplete
	return nil, true, nil
}

// childrenOf returns every step whose ContainerID is parentID. A step
// created earlier in this same iteration is only staged in ic.stepBuf,
// not yet committed to the store, so the result merges the store's view
// with ic.stepBuf — otherwise a container requeued after creating a
// child within the same iteration would not see that child.
func (ic *iterationContext) childrenOf(ctx context.Context, parentID string) ([]*persistence.Step, error) {
	all, err := ic.eval.Store.GetStepsByContainer(ctx, parentID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(all))
	out := make([]*persistence.Step, 0, len(all))
	for _, s := range all {
		if buffered, ok := ic.stepBuf[s.ID]; ok {
			s = buffered
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	for id, s := range ic.stepBuf {
		if seen[id] || s.ContainerID != parentID {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// statementsOf returns the Statement steps belonging to the block whose
// own id is blockID — these share BlockID with the block itself (the
// dep-graph scoping key), not necessarily ContainerID==blockID for every
// step in the tree. Merges store and staged-but-uncommitted steps for
// the same reason as childrenOf.
func (ic *iterationContext) statementsOf(ctx context.Context, blockID string) ([]*persistence.Step, error) {
	all, err := ic.eval.Store.GetStepsByBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := make([]*persistence.Step, 0, len(all))
	for _, s := range all {
		if s.ObjectType != persistence.ObjectStatement {
			continue
		}
		if buffered, ok := ic.stepBuf[s.ID]; ok {
			s = buffered
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	for id, s := range ic.stepBuf {
		if seen[id] || s.ObjectType != persistence.ObjectStatement || s.BlockID != blockID {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
