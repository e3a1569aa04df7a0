// Package persistence defines the typed store contract (§4.1): steps,
// tasks, locks, servers, runners and logs, the atomic commit of one
// iteration's changes, and the claim-task/lock primitives. An in-memory
// implementation (memstore) and a document-store-backed implementation
// (pgstore) both satisfy Store.
package persistence

import (
	"context"

	"github.com/agentflow/agentflow/flow"
	"github.com/agentflow/agentflow/flow/state"
)

// ObjectType identifies the kind of node a Step represents.
type ObjectType string

const (
	ObjectWorkflow     ObjectType = "workflow"
	ObjectBlock        ObjectType = "block"
	ObjectStatement    ObjectType = "statement"
	ObjectFacet        ObjectType = "facet"
	ObjectEventFacet   ObjectType = "event_facet"
	ObjectForeachBody  ObjectType = "foreach_body"
)

// Transition is the mutable control block every step carries.
type Transition struct {
	CurrentState      state.State
	Error             *string
	RequestTransition bool
	Changed           bool
}

// Step is the unit of execution (§3). Identity is
// (WorkflowID, StatementID, container chain); ID is a fresh opaque token
// minted at creation.
type Step struct {
	ID          string
	WorkflowID  string
	ObjectType  ObjectType
	FacetName   string
	StatementID string
	ContainerID string
	BlockID     string
	Params      *flow.Attributes
	Returns     *flow.Attributes
	Transition  Transition
	ForeachVar  *string
	CreatedAt   int64
	UpdatedAt   int64
}

// Clone returns a deep copy of the step, safe to mutate independently of
// the store's own copy.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	out := *s
	out.Params = s.Params.Clone()
	out.Returns = s.Returns.Clone()
	if s.Transition.Error != nil {
		e := *s.Transition.Error
		out.Transition.Error = &e
	}
	if s.ForeachVar != nil {
		v := *s.ForeachVar
		out.ForeachVar = &v
	}
	return &out
}

// TaskState is the lifecycle of a queued unit of external work.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Well-known task names (§3, §6).
const (
	TaskNameExecute = "afl:execute"
	TaskNameResume  = "afl:resume"
)

// Task is a queued unit of external work (§3).
type Task struct {
	UUID       string
	Name       string
	State      TaskState
	RunnerID   string
	WorkflowID string
	FlowID     string
	StepID     string
	TaskList   string
	DataType   string
	Data       *flow.Attributes
	Error      *flow.Attributes
	Created    int64
	Updated    int64
}

func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Data = t.Data.Clone()
	out.Error = t.Error.Clone()
	return &out
}

// LockMeta records why a lock was acquired.
type LockMeta struct {
	Topic   string
	Handler string
	StepName string
	StepID  string
}

// Lock is a named, TTL-bounded mutual-exclusion record.
type Lock struct {
	Key        string
	AcquiredAt int64
	ExpiresAt  int64
	Meta       LockMeta
}

// RunnerState is the lifecycle of one submitted workflow execution.
type RunnerState string

const (
	RunnerPending   RunnerState = "pending"
	RunnerRunning   RunnerState = "running"
	RunnerPaused    RunnerState = "paused"
	RunnerCompleted RunnerState = "completed"
	RunnerFailed    RunnerState = "failed"
	RunnerCancelled RunnerState = "cancelled"
)

// Runner is one submitted execution of a workflow (§3).
type Runner struct {
	UUID       string
	WorkflowID string
	FlowID     string
	State      RunnerState
	StartTime  int64
	EndTime    int64
	Duration   int64
	Parameters *flow.Attributes
	Error      *string
}

// Clone returns a deep copy, safe to mutate independently of the store's
// own copy.
func (r *Runner) Clone() *Runner {
	if r == nil {
		return nil
	}
	out := *r
	out.Parameters = r.Parameters.Clone()
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return &out
}

// HandledCount tracks per-handler served/not-served statistics on a
// Server record (§12 supplemented feature).
type HandledCount struct {
	Handled    int64
	NotHandled int64
}

// Server is a worker's self-registration (§3).
type Server struct {
	UUID        string
	ServerGroup string
	ServiceName string
	ServerName  string
	ServerIPs   []string
	State       string
	StartTime   int64
	PingTime    int64
	Topics      []string
	Handlers    []string
	Handled     map[string]HandledCount
}

// Clone returns a deep copy, safe to mutate independently of the store's
// own copy.
func (sv *Server) Clone() *Server {
	if sv == nil {
		return nil
	}
	out := *sv
	out.ServerIPs = append([]string(nil), sv.ServerIPs...)
	out.Topics = append([]string(nil), sv.Topics...)
	out.Handlers = append([]string(nil), sv.Handlers...)
	if sv.Handled != nil {
		out.Handled = make(map[string]HandledCount, len(sv.Handled))
		for k, v := range sv.Handled {
			out.Handled[k] = v
		}
	}
	return &out
}

// Log is an ordered event note emitted by the evaluator or a handler.
type Log struct {
	ID        string
	RunnerID  string
	StepID    *string
	Level     string
	Message   string
	CreatedAt int64
}

// Flow is the id and compiled source text of one flow.
type Flow struct {
	ID     string
	Source string
}

// WorkflowRef names one executable workflow entry within a flow.
type WorkflowRef struct {
	ID     string
	FlowID string
	Name   string
}

// IterationChanges is the batch committed atomically at the end of one
// evaluator iteration.
type IterationChanges struct {
	CreatedSteps []*Step
	UpdatedSteps []*Step
	CreatedTasks []*Task
	UpdatedTasks []*Task
}

func (c *IterationChanges) IsEmpty() bool {
	return len(c.CreatedSteps) == 0 && len(c.UpdatedSteps) == 0 &&
		len(c.CreatedTasks) == 0 && len(c.UpdatedTasks) == 0
}

// Store is the persistence contract (§4.1).
type Store interface {
	// Reads.
	GetStep(ctx context.Context, id string) (*Step, error)
	GetWorkflowRoot(ctx context.Context, workflowID string) (*Step, error)
	GetStepsByWorkflow(ctx context.Context, workflowID string) ([]*Step, error)
	GetStepsByBlock(ctx context.Context, blockID string) ([]*Step, error)
	GetStepsByContainer(ctx context.Context, containerID string) ([]*Step, error)
	GetStepsByState(ctx context.Context, s state.State) ([]*Step, error)
	GetActionableStepsByWorkflow(ctx context.Context, workflowID string) ([]*Step, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	GetTaskForStep(ctx context.Context, stepID string) (*Task, error)
	GetPendingTasks(ctx context.Context, taskList string) ([]*Task, error)
	GetAllLocks(ctx context.Context) ([]*Lock, error)
	GetRunner(ctx context.Context, id string) (*Runner, error)
	GetServer(ctx context.Context, id string) (*Server, error)
	GetFlow(ctx context.Context, id string) (*Flow, error)
	GetWorkflow(ctx context.Context, id string) (*WorkflowRef, error)

	// Writes.
	SaveStep(ctx context.Context, s *Step) error
	SaveTask(ctx context.Context, t *Task) error
	SaveRunner(ctx context.Context, r *Runner) error
	SaveServer(ctx context.Context, s *Server) error
	SaveFlow(ctx context.Context, f *Flow) error
	SaveWorkflow(ctx context.Context, w *WorkflowRef) error
	UpdateServerPing(ctx context.Context, id string, nowMS int64) error
	AppendLog(ctx context.Context, l *Log) error

	// Atomic batch commit (§4.1).
	Commit(ctx context.Context, changes IterationChanges) error

	// Locks (§4.1, §5).
	AcquireLock(ctx context.Context, key string, ttlMS int64, meta LockMeta) (bool, error)
	ExtendLock(ctx context.Context, key string, ttlMS int64) (bool, error)
	ReleaseLock(ctx context.Context, key string) error

	// Task queue.
	ClaimTask(ctx context.Context, taskNames []string, taskList string) (*Task, error)
}
