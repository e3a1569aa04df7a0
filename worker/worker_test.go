package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/ast"
	"github.com/agentflow/agentflow/evaluator"
	"github.com/agentflow/agentflow/flow"
	"github.com/agentflow/agentflow/flow/state"
	"github.com/agentflow/agentflow/persistence"
	"github.com/agentflow/agentflow/persistence/memstore"
	"github.com/agentflow/agentflow/registry"
	"github.com/agentflow/agentflow/value"
)

func newTestService(t *testing.T, reg *registry.Registry, cfg Config) (*Service, *memstore.Store) {
	t.Helper()
	store := memstore.New(nil)
	if reg == nil {
		reg = registry.New()
	}
	eval := evaluator.New(store, nil)
	loader := ast.NewStaticLoader()
	if cfg.LockDurationMS == 0 {
		cfg.LockDurationMS = 30000
	}
	if cfg.LockExtendMS == 0 {
		cfg.LockExtendMS = 10000
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 5
	}
	return New(store, reg, eval, loader, cfg, nil), store
}

func TestCapacityGatesPollOnce(t *testing.T) {
	svc, store := newTestService(t, nil, Config{MaxConcurrent: 1})
	ctx := context.Background()

	require.NoError(t, store.SaveTask(ctx, &persistence.Task{
		UUID: "t1", Name: "afl:execute", State: persistence.TaskPending,
		TaskList: "default", Data: flow.New(),
	}))
	svc.beginUnit("occupying-the-only-slot")
	assert.Equal(t, 0, svc.capacity())

	svc.pollOnce(ctx)

	pending, err := store.GetPendingTasks(ctx, "default")
	require.NoError(t, err)
	require.Len(t, pending, 1, "a full worker must not claim any task")
}

func TestLockRoundTripViaRunLocked(t *testing.T) {
	svc, store := newTestService(t, nil, Config{})
	ctx := context.Background()

	key := lockKeyStep("step-1")
	ok, err := store.AcquireLock(ctx, key, 30000, persistence.LockMeta{})
	require.NoError(t, err)
	require.True(t, ok)

	ran := false
	svc.runLocked(ctx, key, func(ctx context.Context) {
		ran = true
		assert.Equal(t, 1, svc.activeCount(), "unit must be tracked active while running")
	})
	assert.True(t, ran)
	assert.Equal(t, 0, svc.activeCount())

	ok, err = store.AcquireLock(ctx, key, 30000, persistence.LockMeta{})
	require.NoError(t, err)
	assert.True(t, ok, "runLocked must release the lock on return")
}

func TestProcessEventTaskDispatchesAndRecordsStats(t *testing.T) {
	reg := registry.New()
	reg.Register("notify.Send", func(payload *flow.Attributes) (*flow.Attributes, error) {
		out := flow.New()
		out.Set("ok", value.Bool(true), "")
		return out, nil
	})
	svc, store := newTestService(t, reg, Config{})
	ctx := context.Background()

	task := &persistence.Task{
		UUID: "task-1", Name: "notify.Send", State: persistence.TaskRunning,
		TaskList: "default", Data: flow.New(),
	}
	require.NoError(t, store.SaveTask(ctx, task))

	svc.processEventTask(ctx, task)

	got, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskCompleted, got.State)

	stats := svc.snapshotHandled()
	assert.Equal(t, int64(1), stats["notify.Send"].Handled)
}

func TestProcessEventTaskNoHandlerFailsTaskAndStep(t *testing.T) {
	svc, store := newTestService(t, nil, Config{})
	ctx := context.Background()

	step := &persistence.Step{ID: "step-1", WorkflowID: "wf-1", ObjectType: persistence.ObjectEventFacet, Params: flow.New(), Returns: flow.New()}
	step.Transition.CurrentState = state.EventTransmit
	require.NoError(t, store.SaveStep(ctx, step))

	task := &persistence.Task{
		UUID: "task-1", Name: "unregistered.Facet", State: persistence.TaskRunning,
		StepID: "step-1", WorkflowID: "wf-1", TaskList: "default", Data: flow.New(),
	}
	require.NoError(t, store.SaveTask(ctx, task))

	svc.processEventTask(ctx, task)

	got, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskFailed, got.State)

	stats := svc.snapshotHandled()
	assert.Equal(t, int64(1), stats["unregistered.Facet"].NotHandled)
}

func TestProcessResumeTaskCallsContinueStep(t *testing.T) {
	svc, store := newTestService(t, nil, Config{})
	ctx := context.Background()

	step := &persistence.Step{ID: "step-1", WorkflowID: "wf-1", ObjectType: persistence.ObjectEventFacet, Params: flow.New(), Returns: flow.New()}
	step.Transition.CurrentState = state.EventTransmit
	require.NoError(t, store.SaveStep(ctx, step))

	data := flow.New()
	data.Set("step_id", value.String("step-1"), "")
	data.Set("workflow_id", value.String("wf-1"), "")
	task := &persistence.Task{UUID: "task-1", Name: persistence.TaskNameResume, State: persistence.TaskRunning, TaskList: "default", Data: data}
	require.NoError(t, store.SaveTask(ctx, task))

	svc.processResumeTask(ctx, task)

	got, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskCompleted, got.State)

	gotStep, err := store.GetStep(ctx, "step-1")
	require.NoError(t, err)
	assert.True(t, gotStep.Transition.RequestTransition, "continue_step must mark the step ready to resume")
}

func TestDispatchParkedEventStepsRunsRegisteredHandler(t *testing.T) {
	reg := registry.New()
	var seenPrompt string
	reg.Register("llm:complete", func(payload *flow.Attributes) (*flow.Attributes, error) {
		p, _ := payload.Value("prompt")
		seenPrompt, _ = p.String()
		out := flow.New()
		out.Set("text", value.String("hi there"), "")
		return out, nil
	})
	svc, store := newTestService(t, reg, Config{})
	ctx := context.Background()

	params := flow.New()
	params.Set("prompt", value.String("hello"), "")
	step := &persistence.Step{ID: "step-1", WorkflowID: "wf-1", ObjectType: persistence.ObjectEventFacet, FacetName: "llm:complete", Params: params, Returns: flow.New()}
	step.Transition.CurrentState = state.EventTransmit
	require.NoError(t, store.SaveStep(ctx, step))

	n, err := svc.DispatchParkedEventSteps(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "hello", seenPrompt)

	stats := svc.snapshotHandled()
	assert.Equal(t, int64(1), stats["llm:complete"].Handled)
}

func TestStatusEndpoints(t *testing.T) {
	svc, _ := newTestService(t, nil, Config{ServerGroup: "g", ServiceName: "s", MaxConcurrent: 3})
	svc.startedAt = time.Now()
	svr := httptest.NewServer(svc.statusRouter())
	defer svr.Close()

	resp, err := http.Get(svr.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(svr.URL + "/status")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var body statusResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Equal(t, svc.ServerID, body.ServerID)
	assert.Equal(t, 3, body.Config.MaxConcurrent)

	resp3, err := http.Get(svr.URL + "/missing")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestSweepReEnqueuesAbandonedStep(t *testing.T) {
	svc, store := newTestService(t, nil, Config{TaskList: "default"})
	ctx := context.Background()

	step := &persistence.Step{ID: "step-1", WorkflowID: "wf-1", ObjectType: persistence.ObjectEventFacet, Params: flow.New(), Returns: flow.New()}
	step.Transition.CurrentState = state.EventTransmit
	require.NoError(t, store.SaveStep(ctx, step))

	svc.sweepOnce(ctx)

	task, err := store.GetTaskForStep(ctx, "step-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, persistence.TaskNameResume, task.Name)

	svc.sweepOnce(ctx)
	tasks, err := store.GetPendingTasks(ctx, "default")
	require.NoError(t, err)
	count := 0
	for _, tk := range tasks {
		if tk.StepID == "step-1" {
			count++
		}
	}
	assert.Equal(t, 1, count, "sweep must not re-enqueue a step that already has a pending resume task")
}

func TestEventNamesDefaultsToRegistryMinusExecute(t *testing.T) {
	reg := registry.New()
	reg.Register("notify.Send", func(payload *flow.Attributes) (*flow.Attributes, error) { return nil, nil })
	reg.Register(persistence.TaskNameExecute, func(payload *flow.Attributes) (*flow.Attributes, error) { return nil, nil })
	svc, _ := newTestService(t, reg, Config{})

	names := svc.eventNames()
	assert.Contains(t, names, "notify.Send")
	assert.NotContains(t, names, persistence.TaskNameExecute)
}

func TestEventNamesHonorsConfiguredTopics(t *testing.T) {
	svc, _ := newTestService(t, nil, Config{Topics: []string{"only.This"}})
	assert.Equal(t, []string{"only.This"}, svc.eventNames())
}
