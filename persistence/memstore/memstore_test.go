package memstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/flow"
	"github.com/agentflow/agentflow/persistence"
)

func TestClaimTaskConcurrentRace(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	require.NoError(t, s.SaveTask(ctx, &persistence.Task{
		UUID: "t1", Name: "fetch.Url", State: persistence.TaskPending,
		TaskList: "default", Data: flow.New(),
	}))

	var wg sync.WaitGroup
	results := make([]*persistence.Task, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := s.ClaimTask(ctx, []string{"fetch.Url"}, "default")
			require.NoError(t, err)
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	nonNil := 0
	for _, r := range results {
		if r != nil {
			nonNil++
		}
	}
	assert.Equal(t, 1, nonNil, "exactly one worker should claim the task")
}

func TestAcquireLockExpiry(t *testing.T) {
	ctx := context.Background()
	virtualNow := int64(1000)
	s := New(func() int64 { return virtualNow })

	ok, err := s.AcquireLock(ctx, "runner:task:1", 100, persistence.LockMeta{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, "runner:task:1", 100, persistence.LockMeta{})
	require.NoError(t, err)
	assert.False(t, ok, "second acquire before expiry must fail")

	virtualNow += 200
	ok, err = s.AcquireLock(ctx, "runner:task:1", 100, persistence.LockMeta{})
	require.NoError(t, err)
	assert.True(t, ok, "acquire after TTL expiry must succeed for a new caller")
}

func TestExtendLockRequiresNonExpired(t *testing.T) {
	ctx := context.Background()
	virtualNow := int64(0)
	s := New(func() int64 { return virtualNow })

	ok, _ := s.ExtendLock(ctx, "k", 100)
	assert.False(t, ok, "extend with no existing lock fails")

	_, _ = s.AcquireLock(ctx, "k", 100, persistence.LockMeta{})
	ok, _ = s.ExtendLock(ctx, "k", 100)
	assert.True(t, ok)

	virtualNow += 500
	ok, _ = s.ExtendLock(ctx, "k", 100)
	assert.False(t, ok, "extend after expiry fails")
}

func TestActionableStepsExcludeParkedEventSteps(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	parked := &persistence.Step{
		ID: "ev1", WorkflowID: "wf1", ObjectType: persistence.ObjectEventFacet,
		Params: flow.New(), Returns: flow.New(),
	}
	parked.Transition.CurrentState = "EVENT_TRANSMIT"
	require.NoError(t, s.SaveStep(ctx, parked))

	runnable := &persistence.Step{
		ID: "st1", WorkflowID: "wf1", ObjectType: persistence.ObjectStatement,
		Params: flow.New(), Returns: flow.New(),
	}
	runnable.Transition.CurrentState = "STATEMENT_INIT"
	require.NoError(t, s.SaveStep(ctx, runnable))

	steps, err := s.GetActionableStepsByWorkflow(ctx, "wf1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "st1", steps[0].ID)

	parked.Transition.RequestTransition = true
	require.NoError(t, s.SaveStep(ctx, parked))
	steps, err = s.GetActionableStepsByWorkflow(ctx, "wf1")
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestCommitAtomicity(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	changes := persistence.IterationChanges{
		CreatedSteps: []*persistence.Step{
			{ID: "a", WorkflowID: "wf", Params: flow.New(), Returns: flow.New()},
			{ID: "b", WorkflowID: "wf", Params: flow.New(), Returns: flow.New()},
		},
	}
	require.NoError(t, s.Commit(ctx, changes))
	a, err := s.GetStep(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", a.ID)
	b, err := s.GetStep(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", b.ID)
}
