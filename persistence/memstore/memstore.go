// Package memstore is the in-memory Store implementation (§4.1): a
// process-wide mutex guarding plain maps, used for tests and
// single-process runs (`agentflow run`). Grounded on the teacher's
// mutex-guarded registry idiom (melImpl in pkg/api/mel.go), extended
// here to cover the full persistence contract including the atomic
// claim-task and iteration-commit operations design note (a) calls out
// as store-specific: a single mutex is sufficient in one process.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/agentflow/agentflow/flow/state"
	"github.com/agentflow/agentflow/persistence"
)

// Store is the in-memory persistence.Store implementation.
type Store struct {
	mu sync.Mutex

	steps   map[string]*persistence.Step
	tasks   map[string]*persistence.Task
	locks   map[string]*persistence.Lock
	runners map[string]*persistence.Runner
	servers map[string]*persistence.Server
	flows   map[string]*persistence.Flow
	workflows map[string]*persistence.WorkflowRef
	logs    []*persistence.Log

	now func() int64
}

// New returns an empty Store. now supplies the current epoch-ms clock;
// pass nil to use the real wall clock.
func New(now func() int64) *Store {
	if now == nil {
		now = defaultNow
	}
	return &Store{
		steps:     map[string]*persistence.Step{},
		tasks:     map[string]*persistence.Task{},
		locks:     map[string]*persistence.Lock{},
		runners:   map[string]*persistence.Runner{},
		servers:   map[string]*persistence.Server{},
		flows:     map[string]*persistence.Flow{},
		workflows: map[string]*persistence.WorkflowRef{},
		now:       now,
	}
}

var _ persistence.Store = (*Store)(nil)

func (s *Store) GetStep(ctx context.Context, id string) (*persistence.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *Store) GetWorkflowRoot(ctx context.Context, workflowID string) (*persistence.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.steps {
		if st.WorkflowID == workflowID && st.ObjectType == persistence.ObjectWorkflow && st.ContainerID == "" {
			return st.Clone(), nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (s *Store) GetStepsByWorkflow(ctx context.Context, workflowID string) ([]*persistence.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*persistence.Step
	for _, st := range s.steps {
		if st.WorkflowID == workflowID {
			out = append(out, st.Clone())
		}
	}
	sortSteps(out)
	return out, nil
}

func (s *Store) GetStepsByBlock(ctx context.Context, blockID string) ([]*persistence.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*persistence.Step
	for _, st := range s.steps {
		if st.BlockID == blockID {
			out = append(out, st.Clone())
		}
	}
	sortSteps(out)
	return out, nil
}

// GetStepsByContainer returns every step whose immediate parent is
// containerID — distinct from GetStepsByBlock, whose BlockID groups
// statements under the block that defines their dependency graph, not
// necessarily their direct parent (a block created as the sole child of
// a workflow or foreach body step keys its own BlockID by its own id).
func (s *Store) GetStepsByContainer(ctx context.Context, containerID string) ([]*persistence.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*persistence.Step
	for _, st := range s.steps {
		if st.ContainerID == containerID {
			out = append(out, st.Clone())
		}
	}
	sortSteps(out)
	return out, nil
}

func (s *Store) GetStepsByState(ctx context.Context, want state.State) ([]*persistence.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*persistence.Step
	for _, st := range s.steps {
		if st.Transition.CurrentState == want {
			out = append(out, st.Clone())
		}
	}
	sortSteps(out)
	return out, nil
}

// GetActionableStepsByWorkflow returns every non-terminal step except
// event-parked ones without a pending transition (§4.1, §GLOSSARY
// "Actionable step").
func (s *Store) GetActionableStepsByWorkflow(ctx context.Context, workflowID string) ([]*persistence.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*persistence.Step
	for _, st := range s.steps {
		if st.WorkflowID != workflowID {
			continue
		}
		if state.IsTerminal(st.Transition.CurrentState) {
			continue
		}
		if st.Transition.CurrentState == state.EventTransmit && !st.Transition.RequestTransition {
			continue
		}
		out = append(out, st.Clone())
	}
	sortSteps(out)
	return out, nil
}

func sortSteps(steps []*persistence.Step) {
	sort.Slice(steps, func(i, j int) bool { return steps[i].CreatedAt < steps[j].CreatedAt || (steps[i].CreatedAt == steps[j].CreatedAt && steps[i].ID < steps[j].ID) })
}

func (s *Store) GetTask(ctx context.Context, id string) (*persistence.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *Store) GetTaskForStep(ctx context.Context, stepID string) (*persistence.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.StepID == stepID {
			return t.Clone(), nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (s *Store) GetPendingTasks(ctx context.Context, taskList string) ([]*persistence.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*persistence.Task
	for _, t := range s.tasks {
		if t.TaskList == taskList && t.State == persistence.TaskPending {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created < out[j].Created })
	return out, nil
}

func (s *Store) GetAllLocks(ctx context.Context) ([]*persistence.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*persistence.Lock, 0, len(s.locks))
	for _, l := range s.locks {
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) GetRunner(ctx context.Context, id string) (*persistence.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) GetServer(ctx context.Context, id string) (*persistence.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.servers[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return sv.Clone(), nil
}

func (s *Store) GetFlow(ctx context.Context, id string) (*persistence.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*persistence.WorkflowRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Store) SaveStep(ctx context.Context, st *persistence.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = s.now()
	if st.CreatedAt == 0 {
		st.CreatedAt = st.UpdatedAt
	}
	s.steps[st.ID] = st.Clone()
	return nil
}

func (s *Store) SaveTask(ctx context.Context, t *persistence.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Updated = s.now()
	if t.Created == 0 {
		t.Created = t.Updated
	}
	s.tasks[t.UUID] = t.Clone()
	return nil
}

func (s *Store) SaveRunner(ctx context.Context, r *persistence.Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[r.UUID] = r.Clone()
	return nil
}

func (s *Store) SaveServer(ctx context.Context, sv *persistence.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[sv.UUID] = sv.Clone()
	return nil
}

func (s *Store) SaveFlow(ctx context.Context, f *persistence.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.flows[f.ID] = &cp
	return nil
}

func (s *Store) SaveWorkflow(ctx context.Context, w *persistence.WorkflowRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workflows[w.ID] = &cp
	return nil
}

func (s *Store) UpdateServerPing(ctx context.Context, id string, nowMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.servers[id]
	if !ok {
		return persistence.ErrNotFound
	}
	sv.PingTime = nowMS
	return nil
}

func (s *Store) AppendLog(ctx context.Context, l *persistence.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.logs = append(s.logs, &cp)
	return nil
}

// Commit applies an IterationChanges batch atomically: since every
// mutation below happens while mu is held, any reader observing one
// change observes all of them (§4.1 atomicity invariant).
func (s *Store) Commit(ctx context.Context, changes persistence.IterationChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, st := range changes.CreatedSteps {
		st.CreatedAt, st.UpdatedAt = now, now
		s.steps[st.ID] = st.Clone()
	}
	for _, st := range changes.UpdatedSteps {
		st.UpdatedAt = now
		s.steps[st.ID] = st.Clone()
	}
	for _, t := range changes.CreatedTasks {
		t.Created, t.Updated = now, now
		s.tasks[t.UUID] = t.Clone()
	}
	for _, t := range changes.UpdatedTasks {
		t.Updated = now
		s.tasks[t.UUID] = t.Clone()
	}
	return nil
}

func (s *Store) AcquireLock(ctx context.Context, key string, ttlMS int64, meta persistence.LockMeta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.locks[key]; ok && existing.ExpiresAt > now {
		return false, nil
	}
	s.locks[key] = &persistence.Lock{Key: key, AcquiredAt: now, ExpiresAt: now + ttlMS, Meta: meta}
	return true, nil
}

func (s *Store) ExtendLock(ctx context.Context, key string, ttlMS int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	l, ok := s.locks[key]
	if !ok || l.ExpiresAt <= now {
		return false, nil
	}
	l.ExpiresAt = now + ttlMS
	return true, nil
}

func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	return nil
}

// ClaimTask atomically selects one pending task whose task_list matches
// and whose name is in taskNames, flips it to running, and returns it.
func (s *Store) ClaimTask(ctx context.Context, taskNames []string, taskList string) (*persistence.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(taskNames))
	for _, n := range taskNames {
		wanted[n] = true
	}

	var candidates []*persistence.Task
	for _, t := range s.tasks {
		if t.TaskList == taskList && t.State == persistence.TaskPending && wanted[t.Name] {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Created < candidates[j].Created })
	claimed := candidates[0]
	claimed.State = persistence.TaskRunning
	claimed.Updated = s.now()
	return claimed.Clone(), nil
}

func defaultNow() int64 {
	return nowMillis()
}
