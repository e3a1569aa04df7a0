package evaluator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/ast"
	"github.com/agentflow/agentflow/flow"
	"github.com/agentflow/agentflow/persistence/memstore"
	"github.com/agentflow/agentflow/value"
)

// addOneDecl is a pure facet: returns.sum = args.x + 1.
func addOneDecl() *ast.FacetDecl {
	return &ast.FacetDecl{
		Name:    "AddOne",
		Params:  []ast.ParamDecl{{Name: "x"}},
		Returns: []ast.ParamDecl{{Name: "sum"}},
		Body: map[string]*ast.Expr{
			"sum": ast.BinaryOp("+", ast.ParamRef("x"), ast.Lit(value.Int(1))),
		},
	}
}

func TestExecutePureTwoStatementWorkflow(t *testing.T) {
	program := &ast.ProgramAST{Facets: map[string]*ast.FacetDecl{
		"AddOne": addOneDecl(),
	}}
	wf := &ast.WorkflowAST{
		Name:   "main",
		Params: []ast.ParamDecl{{Name: "start"}},
		Body: &ast.Block{
			Statements: []*ast.Statement{
				{ID: "s1", FacetName: "AddOne", Args: map[string]*ast.Expr{"x": ast.ParamRef("start")}},
				{ID: "s2", FacetName: "AddOne", Args: map[string]*ast.Expr{"x": ast.StatementRef("s1", "sum")}},
			},
			Yield: ast.StatementRef("s2", "sum"),
		},
	}

	store := memstore.New(nil)
	eval := New(store, nil)

	inputs := flow.New()
	inputs.Set("start", value.Int(10), "")

	result, err := eval.Execute(context.Background(), wf, inputs, program, "runner-1", "wf-1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	v, ok := result.Outputs.Value("value")
	require.True(t, ok)
	n, _ := v.Int()
	assert.Equal(t, int64(12), n)
}

// echoBackDecl is an event facet: no Body, dispatched externally.
func echoBackDecl() *ast.FacetDecl {
	return &ast.FacetDecl{Name: "notify.Send", Event: true, Params: []ast.ParamDecl{{Name: "message"}}, Returns: []ast.ParamDecl{{Name: "ack"}}}
}

func TestEventFacetParksThenContinues(t *testing.T) {
	program := &ast.ProgramAST{Facets: map[string]*ast.FacetDecl{
		"notify.Send": echoBackDecl(),
	}}
	wf := &ast.WorkflowAST{
		Name: "main",
		Body: &ast.Block{
			Statements: []*ast.Statement{
				{ID: "s1", FacetName: "notify.Send", Args: map[string]*ast.Expr{"message": ast.Lit(value.String("hi"))}},
			},
			Yield: ast.StatementRef("s1", "ack"),
		},
	}

	store := memstore.New(nil)
	eval := New(store, nil)

	result, err := eval.Execute(context.Background(), wf, flow.New(), program, "runner-1", "wf-2")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, result.Status)

	tasks, err := store.GetPendingTasks(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "notify.Send", tasks[0].Name)

	eventSteps, err := store.GetStepsByWorkflow(context.Background(), "wf-2")
	require.NoError(t, err)
	var eventStepID string
	for _, s := range eventSteps {
		if s.ID == tasks[0].StepID {
			eventStepID = s.ID
		}
	}
	require.NotEmpty(t, eventStepID)

	ack := flow.New()
	ack.Set("ack", value.Bool(true), "")
	require.NoError(t, eval.ContinueStep(context.Background(), eventStepID, ack))

	result, err = eval.ResumeStep(context.Background(), "wf-2", eventStepID, wf, program)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	v, ok := result.Outputs.Value("value")
	require.True(t, ok)
	b, _ := v.Bool()
	assert.True(t, b)
}

// doubleDecl is a pure facet: returns.y = args.x * 2.
func doubleDecl() *ast.FacetDecl {
	return &ast.FacetDecl{
		Name:    "Double",
		Params:  []ast.ParamDecl{{Name: "x"}},
		Returns: []ast.ParamDecl{{Name: "y"}},
		Body: map[string]*ast.Expr{
			"y": ast.BinaryOp("*", ast.ParamRef("x"), ast.Lit(value.Int(2))),
		},
	}
}

// TestForeachAggregatesResultsInSourceOrder covers the ordered-results
// invariant: every body created by one foreach statement is minted in the
// same iteration and shares a CreatedAt, so aggregation must not depend on
// step creation order surviving a store round trip.
func TestForeachAggregatesResultsInSourceOrder(t *testing.T) {
	program := &ast.ProgramAST{Facets: map[string]*ast.FacetDecl{
		"Double": doubleDecl(),
	}}
	body := &ast.Block{
		Statements: []*ast.Statement{
			{ID: "d1", FacetName: "Double", Args: map[string]*ast.Expr{"x": ast.ParamRef("n")}},
		},
		Yield: ast.StatementRef("d1", "y"),
	}
	wf := &ast.WorkflowAST{
		Name: "main",
		Body: &ast.Block{
			Statements: []*ast.Statement{
				{
					ID:        "s1",
					FacetName: "Double",
					Foreach: &ast.ForeachSpec{
						ListExpr: ast.Lit(value.List(value.Int(1), value.Int(2), value.Int(3))),
						VarName:  "n",
						Body:     body,
					},
				},
			},
			Yield: ast.StatementRef("s1", "results"),
		},
	}

	store := memstore.New(nil)
	eval := New(store, nil)

	result, err := eval.Execute(context.Background(), wf, flow.New(), program, "runner-1", "wf-4")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)

	v, ok := result.Outputs.Value("value")
	require.True(t, ok)
	items, ok := v.List()
	require.True(t, ok)
	require.Len(t, items, 3)

	got := make([]int64, len(items))
	for i, item := range items {
		n, _ := item.Int()
		got[i] = n
	}
	assert.Equal(t, []int64{2, 4, 6}, got)
}

func TestRetryStepResetsErroredEventFacet(t *testing.T) {
	program := &ast.ProgramAST{Facets: map[string]*ast.FacetDecl{
		"notify.Send": echoBackDecl(),
	}}
	wf := &ast.WorkflowAST{
		Name: "main",
		Body: &ast.Block{
			Statements: []*ast.Statement{
				{ID: "s1", FacetName: "notify.Send", Args: map[string]*ast.Expr{"message": ast.Lit(value.String("hi"))}},
			},
			Yield: ast.StatementRef("s1", "ack"),
		},
	}

	store := memstore.New(nil)
	eval := New(store, nil)

	_, err := eval.Execute(context.Background(), wf, flow.New(), program, "runner-1", "wf-3")
	require.NoError(t, err)

	tasks, err := store.GetPendingTasks(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	stepID := tasks[0].StepID

	require.NoError(t, eval.FailStep(context.Background(), stepID, "downstream unavailable"))
	result, err := eval.ResumeStep(context.Background(), "wf-3", stepID, wf, program)
	require.NoError(t, err)
	assert.Equal(t, StatusError, result.Status)

	require.NoError(t, eval.RetryStep(context.Background(), stepID))
	step, err := store.GetStep(context.Background(), stepID)
	require.NoError(t, err)
	assert.False(t, step.Transition.RequestTransition)

	ack := flow.New()
	ack.Set("ack", value.Bool(true), "")
	require.NoError(t, eval.ContinueStep(context.Background(), stepID, ack))
	result, err = eval.ResumeStep(context.Background(), "wf-3", stepID, wf, program)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
}
