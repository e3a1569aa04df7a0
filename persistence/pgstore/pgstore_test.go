package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentflow/agentflow/flow"
	"github.com/agentflow/agentflow/flow/state"
	"github.com/agentflow/agentflow/persistence"
	"github.com/agentflow/agentflow/value"
)

// setupStore starts a disposable postgres container, per the teacher's
// internal/testutil/postgres.go SetupPostgresContainer, and opens a Store
// against it (Open applies the embedded migrations itself).
func setupStore(ctx context.Context, t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("pgstore integration tests require docker; skipped in -short mode")
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("agentflow_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute)),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndGetStepRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupStore(ctx, t)

	params := flow.New()
	params.Set("x", value.Int(1), "")

	st := &persistence.Step{
		ID:         "step-1",
		WorkflowID: "wf-1",
		ObjectType: persistence.ObjectWorkflow,
		Params:     params,
		Returns:    flow.New(),
	}
	st.Transition.CurrentState = state.WorkflowInit

	require.NoError(t, store.SaveStep(ctx, st))

	got, err := store.GetStep(ctx, "step-1")
	require.NoError(t, err)
	require.Equal(t, "wf-1", got.WorkflowID)
	require.Equal(t, state.WorkflowInit, got.Transition.CurrentState)

	root, err := store.GetWorkflowRoot(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, "step-1", root.ID)
}

func TestCommitIsAtomicAndClaimTaskSkipsLocked(t *testing.T) {
	ctx := context.Background()
	store := setupStore(ctx, t)

	changes := persistence.IterationChanges{
		CreatedTasks: []*persistence.Task{
			{UUID: "task-1", Name: "notify.Send", State: persistence.TaskPending, TaskList: "default", Data: flow.New()},
			{UUID: "task-2", Name: "notify.Send", State: persistence.TaskPending, TaskList: "default", Data: flow.New()},
		},
	}
	require.NoError(t, store.Commit(ctx, changes))

	pending, err := store.GetPendingTasks(ctx, "default")
	require.NoError(t, err)
	require.Len(t, pending, 2)

	claimed, err := store.ClaimTask(ctx, []string{"notify.Send"}, "default")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, persistence.TaskRunning, claimed.State)

	pending, err = store.GetPendingTasks(ctx, "default")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestLockOwnershipPreventsDoubleAcquire(t *testing.T) {
	ctx := context.Background()
	store := setupStore(ctx, t)

	ok, err := store.AcquireLock(ctx, "lock-1", 60000, persistence.LockMeta{Handler: "worker-a"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.AcquireLock(ctx, "lock-1", 60000, persistence.LockMeta{Handler: "worker-b"})
	require.NoError(t, err)
	require.False(t, ok, "a live lock must not be re-acquirable by a second owner")

	require.NoError(t, store.ReleaseLock(ctx, "lock-1"))
	ok, err = store.AcquireLock(ctx, "lock-1", 60000, persistence.LockMeta{Handler: "worker-b"})
	require.NoError(t, err)
	require.True(t, ok, "a released lock must be acquirable again")
}
