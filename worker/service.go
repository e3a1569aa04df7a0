// Package worker implements the long-lived worker process (§4.6): it
// registers itself as a server record, polls the task queue within a
// bounded capacity, dispatches claimed work to the evaluator and the
// handler registry, and serves an HTTP status surface. Concurrency idiom
// (capacity-tracked map guarded by sync.RWMutex, WaitGroup-joined
// goroutines driven by a cancellable context.Context) is grounded on the
// teacher's pkg/execution/worker.go; the HTTP status server and signal
// shutdown on cmd/server/main.go.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/agentflow/agentflow/ast"
	"github.com/agentflow/agentflow/evaluator"
	"github.com/agentflow/agentflow/flow"
	"github.com/agentflow/agentflow/flow/state"
	"github.com/agentflow/agentflow/persistence"
	"github.com/agentflow/agentflow/registry"
	"github.com/agentflow/agentflow/value"
)

// Config holds every setting the worker CLI surface (§6) exposes.
type Config struct {
	ServerGroup string
	ServiceName string
	ServerName  string
	Topics      []string
	TaskList    string

	PollIntervalMS      int
	HeartbeatIntervalMS int
	MaxConcurrent       int
	LockDurationMS      int
	LockExtendMS        int

	Port                int
	HTTPMaxPortAttempts int
	ShutdownTimeoutMS   int

	// SweepCronSpec schedules the afl:resume sweep (§11); empty disables it.
	SweepCronSpec string

	LogLevel string
	LogFile  string
}

func (c Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}
func (c Config) heartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}
func (c Config) lockExtendInterval() time.Duration {
	ms := c.LockExtendMS
	if ms <= 0 {
		ms = c.LockDurationMS / 3
	}
	if ms <= 0 {
		ms = 10000
	}
	return time.Duration(ms) * time.Millisecond
}

// Service is the worker process (§4.6 expansion). All mutable state
// lives in its own fields; there is no package-level mutable state.
type Service struct {
	ServerID  string
	Store     persistence.Store
	Registry  *registry.Registry
	Evaluator *evaluator.Evaluator
	Loader    ast.Loader
	Config    Config
	Logger    *slog.Logger

	mu        sync.RWMutex
	active    map[string]struct{}
	stopping  bool
	startedAt time.Time

	statsMu sync.Mutex
	handled map[string]*persistence.HandledCount

	astCacheMu sync.Mutex
	astCache   map[string]cachedAST

	hub *statusHub

	httpSrv *http.Server
	httpLn  net.Listener
	addr    string
}

type cachedAST struct {
	workflow *ast.WorkflowAST
	program  *ast.ProgramAST
}

// New constructs a Service with ServerID minted from uuid, ready to Start.
func New(store persistence.Store, reg *registry.Registry, eval *evaluator.Evaluator, loader ast.Loader, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ServerName == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.ServerName = h
		}
	}
	if cfg.HTTPMaxPortAttempts <= 0 {
		cfg.HTTPMaxPortAttempts = 20
	}
	return &Service{
		ServerID:  uuid.NewString(),
		Store:     store,
		Registry:  reg,
		Evaluator: eval,
		Loader:    loader,
		Config:    cfg,
		Logger:    logger,
		active:    map[string]struct{}{},
		handled:   map[string]*persistence.HandledCount{},
		astCache:  map[string]cachedAST{},
		hub:       newStatusHub(),
	}
}

// eventNames is the configured topics, or (when unset) every registered
// handler name except the built-in afl:execute (§4.6.2 step 2).
func (s *Service) eventNames() []string {
	if len(s.Config.Topics) > 0 {
		return s.Config.Topics
	}
	names := s.Registry.Names()
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != persistence.TaskNameExecute {
			out = append(out, n)
		}
	}
	return out
}

func (s *Service) capacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.Config.MaxConcurrent - len(s.active)
	if n < 0 {
		return 0
	}
	return n
}

func (s *Service) activeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

func (s *Service) beginUnit(key string) {
	s.mu.Lock()
	s.active[key] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) endUnit(key string) {
	s.mu.Lock()
	delete(s.active, key)
	s.mu.Unlock()
}

func (s *Service) isStopping() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopping
}

// Start opens the HTTP status port, registers the server record, spawns
// the heartbeat, poll and HTTP goroutines (plus the afl:resume sweep when
// Config.SweepCronSpec is set) and blocks until ctx is cancelled
// (§4.6.1). Stop alone does not make Start return.
func (s *Service) Start(ctx context.Context) error {
	s.startedAt = time.Now()

	if err := s.listenHTTP(); err != nil {
		return fmt.Errorf("worker: opening status port: %w", err)
	}

	server := &persistence.Server{
		UUID:        s.ServerID,
		ServerGroup: s.Config.ServerGroup,
		ServiceName: s.Config.ServiceName,
		ServerName:  s.Config.ServerName,
		State:       "running",
		StartTime:   s.startedAt.UnixMilli(),
		PingTime:    s.startedAt.UnixMilli(),
		Topics:      s.Config.Topics,
		Handlers:    s.Registry.Names(),
		Handled:     map[string]persistence.HandledCount{},
	}
	if err := s.Store.SaveServer(ctx, server); err != nil {
		return fmt.Errorf("worker: registering server: %w", err)
	}

	s.Logger.Info("worker starting", "server_id", s.ServerID, "addr", s.addr, "max_concurrent", s.Config.MaxConcurrent)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.heartbeatLoop(runCtx) }()
	go func() { defer wg.Done(); s.pollLoop(runCtx) }()
	go func() { defer wg.Done(); s.serveHTTP() }()

	var sweeper *cron.Cron
	if s.Config.SweepCronSpec != "" {
		sched, err := s.StartSweep(runCtx, s.Config.SweepCronSpec)
		if err != nil {
			s.Logger.Warn("sweep schedule invalid, sweep disabled", "spec", s.Config.SweepCronSpec, "err", err)
		} else {
			sweeper = sched
		}
	}

	<-runCtx.Done()

	s.Logger.Info("worker shutting down", "server_id", s.ServerID)
	s.shutdownHTTP()
	if sweeper != nil {
		sweeper.Stop()
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(s.Config.ShutdownTimeoutMS)*time.Millisecond)
	defer drainCancel()
	s.drain(drainCtx)

	wg.Wait()

	shutdownCtx, sdCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer sdCancel()
	if srv, err := s.Store.GetServer(shutdownCtx, s.ServerID); err == nil {
		srv.State = "shutdown"
		s.Store.SaveServer(shutdownCtx, srv)
	}

	s.Logger.Info("worker stopped", "server_id", s.ServerID)
	return nil
}

// Stop sets the stopping flag checked between poll cycles (§5
// cancellation model), so no new work is claimed. It cancels nothing:
// Start returns only once the context passed to it is cancelled.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
}

// drain waits for in-flight units to finish, up to ctx's deadline.
func (s *Service) drain(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.activeCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			s.Logger.Warn("shutdown timeout reached with units still active", "active", s.activeCount())
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.Config.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Store.UpdateServerPing(ctx, s.ServerID, time.Now().UnixMilli()); err != nil {
				s.Logger.Error("heartbeat failed", "err", err)
			}
		}
	}
}

func (s *Service) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.Config.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.isStopping() {
				continue
			}
			s.pollOnce(ctx)
		}
	}
}

// pollOnce runs one poll cycle (§4.6.2): event tasks, then resume tasks,
// then pending built-in tasks, capacity gating all three.
func (s *Service) pollOnce(ctx context.Context) {
	budget := s.capacity()
	if budget <= 0 {
		return
	}

	names := s.eventNames()
	for budget > 0 && len(names) > 0 {
		task, err := s.Store.ClaimTask(ctx, names, s.Config.TaskList)
		if err != nil {
			s.Logger.Error("claim event task failed", "err", err)
			break
		}
		if task == nil {
			break
		}
		budget--
		go s.withLock(ctx, lockKeyTask(task.UUID), func(ctx context.Context) {
			s.processEventTask(ctx, task)
		})
	}

	for budget > 0 {
		task, err := s.Store.ClaimTask(ctx, []string{persistence.TaskNameResume}, s.Config.TaskList)
		if err != nil {
			s.Logger.Error("claim resume task failed", "err", err)
			break
		}
		if task == nil {
			break
		}
		budget--
		go s.withLock(ctx, lockKeyTask(task.UUID), func(ctx context.Context) {
			s.processResumeTask(ctx, task)
		})
	}

	if budget <= 0 {
		return
	}
	pending, err := s.Store.GetPendingTasks(ctx, s.Config.TaskList)
	if err != nil {
		s.Logger.Error("list pending tasks failed", "err", err)
		return
	}
	for _, task := range pending {
		if budget <= 0 {
			break
		}
		if s.Registry.HasHandler(task.Name) {
			continue
		}
		if task.Name != persistence.TaskNameExecute {
			continue
		}
		key := lockKeyTask(task.UUID)
		ok, err := s.Store.AcquireLock(ctx, key, int64(s.Config.LockDurationMS), persistence.LockMeta{Handler: task.Name})
		if err != nil {
			s.Logger.Error("acquire lock failed", "err", err, "task", task.UUID)
			continue
		}
		if !ok {
			continue
		}
		budget--
		t := task
		go s.runLocked(ctx, key, func(ctx context.Context) {
			s.processExecuteTask(ctx, t)
		})
	}
}

func lockKeyStep(stepID string) string { return fmt.Sprintf("runner:step:%s", stepID) }
func lockKeyTask(taskUUID string) string { return fmt.Sprintf("runner:task:%s", taskUUID) }

// withLock acquires key before running fn and always releases it after
// (§4.6.3); unlike runLocked it performs the acquisition itself (used for
// claimed tasks, which are not yet locked by the claim).
func (s *Service) withLock(ctx context.Context, key string, fn func(ctx context.Context)) {
	ok, err := s.Store.AcquireLock(ctx, key, int64(s.Config.LockDurationMS), persistence.LockMeta{})
	if err != nil {
		s.Logger.Error("acquire lock failed", "err", err, "key", key)
		return
	}
	if !ok {
		return
	}
	s.runLocked(ctx, key, fn)
}

// runLocked assumes key is already held and runs fn with a background
// extend tick, releasing the lock unconditionally on return (§4.6.3).
func (s *Service) runLocked(ctx context.Context, key string, fn func(ctx context.Context)) {
	s.beginUnit(key)
	defer s.endUnit(key)
	defer s.Store.ReleaseLock(ctx, key)

	extendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(s.Config.lockExtendInterval())
		defer ticker.Stop()
		for {
			select {
			case <-extendCtx.Done():
				return
			case <-ticker.C:
				s.Store.ExtendLock(extendCtx, key, int64(s.Config.LockDurationMS))
			}
		}
	}()

	fn(ctx)
}

func (s *Service) recordHandled(name string) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	c, ok := s.handled[name]
	if !ok {
		c = &persistence.HandledCount{}
		s.handled[name] = c
	}
	c.Handled++
	s.hub.broadcastStats(s.snapshotHandledLocked(), s.activeCount())
}

func (s *Service) recordNotHandled(name string) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	c, ok := s.handled[name]
	if !ok {
		c = &persistence.HandledCount{}
		s.handled[name] = c
	}
	c.NotHandled++
	s.hub.broadcastStats(s.snapshotHandledLocked(), s.activeCount())
}

// snapshotHandledLocked must be called with statsMu held.
func (s *Service) snapshotHandledLocked() map[string]persistence.HandledCount {
	out := make(map[string]persistence.HandledCount, len(s.handled))
	for k, v := range s.handled {
		out[k] = *v
	}
	return out
}

func (s *Service) snapshotHandled() map[string]persistence.HandledCount {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.snapshotHandledLocked()
}

// DispatchParkedEventSteps scans workflowID's steps parked at
// EVENT_TRANSMIT (which the actionable-steps query excludes) and
// dispatches each through the registry,
// locked by its step id (§4.6.3/§4.6.4). The `agentflow run` command uses
// this to drive the evaluator to completion in a single process, without
// a task queue standing between the evaluator and the registry.
func (s *Service) DispatchParkedEventSteps(ctx context.Context, workflowID string) (int, error) {
	steps, err := s.Store.GetStepsByState(ctx, state.EventTransmit)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, st := range steps {
		if st.WorkflowID != workflowID || st.ObjectType != persistence.ObjectEventFacet {
			continue
		}
		if st.Transition.RequestTransition {
			// already continued by an external agent; the sweep/resume
			// path owns steps in this state, not a fresh dispatch.
			continue
		}
		key := lockKeyStep(st.ID)
		ok, err := s.Store.AcquireLock(ctx, key, int64(s.Config.LockDurationMS), persistence.LockMeta{Handler: st.FacetName, StepID: st.ID})
		if err != nil || !ok {
			continue
		}
		dispatched++
		st := st
		s.runLocked(ctx, key, func(ctx context.Context) {
			s.processEventStep(ctx, st)
		})
	}
	return dispatched, nil
}

// processEventStep implements §4.6.4.
func (s *Service) processEventStep(ctx context.Context, step *persistence.Step) {
	handler, ok := s.Registry.Lookup(step.FacetName)
	if !ok {
		s.recordNotHandled(step.FacetName)
		return
	}
	result, err := handler(step.Params)
	if err != nil {
		s.recordNotHandled(step.FacetName)
		s.Logger.Error("event step handler failed", "facet", step.FacetName, "step", step.ID, "err", err)
		return
	}
	if result == nil {
		s.recordNotHandled(step.FacetName)
		return
	}
	if err := s.Evaluator.ContinueStep(ctx, step.ID, result); err != nil {
		s.Logger.Error("continue_step failed", "step", step.ID, "err", err)
		return
	}
	s.recordHandled(step.FacetName)
	s.resumeAfterContinue(ctx, step.WorkflowID, step.ID)
}

// processEventTask implements §4.6.5.
func (s *Service) processEventTask(ctx context.Context, task *persistence.Task) {
	if task.Name == persistence.TaskNameExecute || task.Name == persistence.TaskNameResume {
		return
	}
	handler, ok := s.Registry.Lookup(task.Name)
	if !ok {
		s.recordNotHandled(task.Name)
		msg := fmt.Sprintf("no handler registered for %q", task.Name)
		s.completeTask(ctx, task, persistence.TaskFailed, errAttrs(msg))
		if task.StepID != "" {
			if err := s.Evaluator.FailStep(ctx, task.StepID, msg); err != nil {
				s.Logger.Error("fail_step failed", "step", task.StepID, "err", err)
			}
		}
		return
	}
	result, err := handler(task.Data)
	if err != nil {
		s.recordNotHandled(task.Name)
		s.completeTask(ctx, task, persistence.TaskFailed, errAttrs(err.Error()))
		return
	}
	s.recordHandled(task.Name)
	s.completeTask(ctx, task, persistence.TaskCompleted, nil)
	if task.StepID != "" {
		if err := s.Evaluator.ContinueStep(ctx, task.StepID, result); err != nil {
			s.Logger.Error("continue_step failed", "step", task.StepID, "err", err)
			return
		}
		s.resumeAfterContinue(ctx, task.WorkflowID, task.StepID)
	}
}

func errAttrs(message string) *flow.Attributes {
	a := flow.New()
	a.Set("message", value.String(message), "")
	return a
}

// processResumeTask implements §4.6.6: an external agent already wrote
// returns directly to the step record and only needs continue_step called
// with an empty result to flip the precondition and unblock resume.
func (s *Service) processResumeTask(ctx context.Context, task *persistence.Task) {
	stepID, _ := task.Data.Value("step_id")
	workflowID, _ := task.Data.Value("workflow_id")
	stepIDStr, _ := stepID.String()
	workflowIDStr, _ := workflowID.String()

	if err := s.Evaluator.ContinueStep(ctx, stepIDStr, flow.New()); err != nil {
		s.Logger.Error("continue_step (external resume) failed", "step", stepIDStr, "err", err)
		s.completeTask(ctx, task, persistence.TaskFailed, errAttrs(err.Error()))
		return
	}
	s.completeTask(ctx, task, persistence.TaskCompleted, nil)
	s.resumeAfterContinue(ctx, workflowIDStr, stepIDStr)
}

// processExecuteTask implements §4.6.7.
func (s *Service) processExecuteTask(ctx context.Context, task *persistence.Task) {
	runnerID, _ := task.Data.Value("runner_id")
	workflowName, _ := task.Data.Value("workflow")
	runnerIDStr, _ := runnerID.String()
	workflowNameStr, _ := workflowName.String()

	runner := &persistence.Runner{
		UUID:       runnerIDStr,
		WorkflowID: task.WorkflowID,
		FlowID:     task.FlowID,
		State:      persistence.RunnerRunning,
		StartTime:  time.Now().UnixMilli(),
		Parameters: task.Data,
	}
	if existing, err := s.Store.GetRunner(ctx, runnerIDStr); err == nil {
		runner = existing
		runner.State = persistence.RunnerRunning
	}
	s.Store.SaveRunner(ctx, runner)

	workflowAST, programAST, err := s.loadWorkflowAST(ctx, task.WorkflowID, task.FlowID, workflowNameStr)
	if err != nil {
		s.failRunner(ctx, runner, err)
		s.completeTask(ctx, task, persistence.TaskFailed, errAttrs(err.Error()))
		return
	}
	// Persist the workflow→flow/name mapping so a different worker handling
	// a later continuation can re-derive the AST (§4.6.8).
	s.Store.SaveWorkflow(ctx, &persistence.WorkflowRef{ID: task.WorkflowID, FlowID: task.FlowID, Name: workflowNameStr})

	result, err := s.Evaluator.Execute(ctx, workflowAST, task.Data, programAST, runnerIDStr, task.WorkflowID)
	if err != nil {
		s.failRunner(ctx, runner, err)
		s.completeTask(ctx, task, persistence.TaskFailed, errAttrs(err.Error()))
		return
	}
	s.finishRunner(ctx, runner, result)
	s.completeTask(ctx, task, persistence.TaskCompleted, nil)
}

// resumeAfterContinue implements §4.4.1/§4.6.8: find-or-load the cached
// AST for workflowID and call evaluator.Resume (or ResumeStep when a
// specific step drove the continuation, which is the common hot path and
// cheaper than a full actionable-set resume).
func (s *Service) resumeAfterContinue(ctx context.Context, workflowID, stepID string) {
	workflowAST, programAST, err := s.cachedOrLoadAST(ctx, workflowID)
	if err != nil {
		s.Logger.Error("resume: loading workflow AST failed", "workflow_id", workflowID, "err", err)
		return
	}
	if _, err := s.Evaluator.ResumeStep(ctx, workflowID, stepID, workflowAST, programAST); err != nil {
		s.Logger.Error("resume_step failed", "workflow_id", workflowID, "step_id", stepID, "err", err)
	}
}

// cachedOrLoadAST implements §4.6.8: the worker handling a continuation
// may not be the worker that ran execute, so a cache miss must re-derive
// the AST from the workflow/flow records rather than assume it is local.
func (s *Service) cachedOrLoadAST(ctx context.Context, workflowID string) (*ast.WorkflowAST, *ast.ProgramAST, error) {
	s.astCacheMu.Lock()
	if c, ok := s.astCache[workflowID]; ok {
		s.astCacheMu.Unlock()
		return c.workflow, c.program, nil
	}
	s.astCacheMu.Unlock()

	wf, err := s.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: loading workflow record %q: %w", workflowID, err)
	}
	return s.loadWorkflowAST(ctx, workflowID, wf.FlowID, wf.Name)
}

func (s *Service) loadWorkflowAST(ctx context.Context, workflowID, flowID, workflowName string) (*ast.WorkflowAST, *ast.ProgramAST, error) {
	if flowID == "" {
		if wf, err := s.Store.GetWorkflow(ctx, workflowID); err == nil {
			flowID = wf.FlowID
			if workflowName == "" {
				workflowName = wf.Name
			}
		}
	}
	f, err := s.Loader.LoadFlowSource(flowID)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: loading flow source %q: %w", flowID, err)
	}
	program, workflows, err := s.Loader.Parse(f.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: parsing flow %q: %w", flowID, err)
	}
	wfAST, ok := workflows[workflowName]
	if !ok {
		return nil, nil, fmt.Errorf("worker: flow %q declares no workflow %q", flowID, workflowName)
	}

	s.astCacheMu.Lock()
	s.astCache[workflowID] = cachedAST{workflow: wfAST, program: program}
	s.astCacheMu.Unlock()

	return wfAST, program, nil
}

func (s *Service) completeTask(ctx context.Context, task *persistence.Task, st persistence.TaskState, errData *flow.Attributes) {
	task.State = st
	task.Error = errData
	task.Updated = time.Now().UnixMilli()
	if err := s.Store.SaveTask(ctx, task); err != nil {
		s.Logger.Error("saving task failed", "task", task.UUID, "err", err)
	}
}

func (s *Service) failRunner(ctx context.Context, runner *persistence.Runner, err error) {
	msg := err.Error()
	runner.State = persistence.RunnerFailed
	runner.Error = &msg
	runner.EndTime = time.Now().UnixMilli()
	runner.Duration = runner.EndTime - runner.StartTime
	s.Store.SaveRunner(ctx, runner)
}

func (s *Service) finishRunner(ctx context.Context, runner *persistence.Runner, result *evaluator.Result) {
	switch result.Status {
	case evaluator.StatusCompleted:
		runner.State = persistence.RunnerCompleted
	case evaluator.StatusPaused:
		runner.State = persistence.RunnerPaused
	case evaluator.StatusTimeout, evaluator.StatusError:
		runner.State = persistence.RunnerFailed
		if result.Err != nil {
			msg := result.Err.Error()
			runner.Error = &msg
		}
	}
	runner.EndTime = time.Now().UnixMilli()
	runner.Duration = runner.EndTime - runner.StartTime
	s.Store.SaveRunner(ctx, runner)
}
