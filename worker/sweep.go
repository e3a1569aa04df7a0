package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/agentflow/agentflow/flow"
	"github.com/agentflow/agentflow/flow/state"
	"github.com/agentflow/agentflow/persistence"
	"github.com/agentflow/agentflow/value"
)

// StartSweep schedules the afl:resume sweep (§11 domain stack): a low
// frequency cron job mitigating design note (c) — lock expiry is checked
// on acquire only, so a step whose handling worker died after writing
// returns but before enqueuing afl:resume would otherwise stay parked
// forever. The sweep does not reap locks itself; it only re-enqueues an
// afl:resume task for steps that look abandoned, letting continue_step's
// own EVENT_TRANSMIT precondition validate the handoff.
func (s *Service) StartSweep(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { s.sweepOnce(ctx) }); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

func (s *Service) sweepOnce(ctx context.Context) {
	steps, err := s.Store.GetStepsByState(ctx, state.EventTransmit)
	if err != nil {
		s.Logger.Error("sweep: listing event-transmit steps failed", "err", err)
		return
	}
	if len(steps) == 0 {
		return
	}
	locks, err := s.Store.GetAllLocks(ctx)
	if err != nil {
		s.Logger.Error("sweep: listing locks failed", "err", err)
		return
	}
	now := time.Now().UnixMilli()
	locked := map[string]bool{}
	for _, l := range locks {
		if l.ExpiresAt > now {
			locked[l.Key] = true
		}
	}

	for _, st := range steps {
		if locked[lockKeyStep(st.ID)] {
			continue
		}
		task, err := s.Store.GetTaskForStep(ctx, st.ID)
		if err != nil && err != persistence.ErrNotFound {
			s.Logger.Error("sweep: loading task for step failed", "step", st.ID, "err", err)
			continue
		}
		if task != nil && (task.Name == persistence.TaskNameResume || task.State == persistence.TaskPending || task.State == persistence.TaskRunning) {
			continue
		}

		data := flow.New()
		data.Set("step_id", value.String(st.ID), "")
		data.Set("workflow_id", value.String(st.WorkflowID), "")
		resumeTask := &persistence.Task{
			UUID:       uuid.NewString(),
			Name:       persistence.TaskNameResume,
			State:      persistence.TaskPending,
			WorkflowID: st.WorkflowID,
			StepID:     st.ID,
			TaskList:   s.Config.TaskList,
			Data:       data,
			Created:    now,
			Updated:    now,
		}
		if err := s.Store.SaveTask(ctx, resumeTask); err != nil {
			s.Logger.Error("sweep: enqueuing resume task failed", "step", st.ID, "err", err)
			continue
		}
		s.Logger.Info("sweep: re-enqueued afl:resume for abandoned step", "step", st.ID, "workflow_id", st.WorkflowID)
	}
}
