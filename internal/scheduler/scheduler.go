// Copyright 2025 James Ross

// Package scheduler decides which tasks are eligible to run and hands
// them to the Queue. It never claims attempts, never executes handlers,
// and never writes file content. Grounded on original_source's
// task_queues.py TaskScheduler: schedule_a_task, schedule_jobs_based_on_
// criterion, schedule_all_waiting_jobs, reschedule_all_unfinished_jobs.
package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/obs"
	"github.com/dcf21/eas-orchestrator/internal/queue"
	"github.com/dcf21/eas-orchestrator/internal/store"
)

// SkipCriterion reports whether a prior Attempt of a task should count
// as "already handled", so the task is not scheduled again. The
// original expressed this as an injected SQL fragment
// (eas_scheduling_attempt x WHERE ... {criterion}); here it is a Go
// predicate over the Attempt flags it names, evaluated per task.
type SkipCriterion func(a *model.TaskExecutionAttempt) bool

// NeverAttempted is the "schedule anything that has never been
// attempted" criterion: every existing attempt, of any state, counts as
// already handled, so only tasks with no attempts at all qualify.
func NeverAttempted(a *model.TaskExecutionAttempt) bool { return true }

// FinishedWithoutError is "reschedule unfinished failures": an attempt
// counts as already handled only if it finished without error_fail.
func FinishedWithoutError(a *model.TaskExecutionAttempt) bool {
	return a.State == model.AttemptFinished && !a.ErrorFail
}

// Scheduler creates Attempts for eligible tasks and publishes them onto
// the Queue named after the task's task_type.
type Scheduler struct {
	st store.Store
	q  queue.Queue
}

// New returns a Scheduler writing through st and q.
func New(st store.Store, q queue.Queue) *Scheduler {
	return &Scheduler{st: st, q: q}
}

// ScheduleOne creates one Attempt for taskID, marks it queued, and
// publishes it to the queue named after the task's task_type.
func (s *Scheduler) ScheduleOne(ctx context.Context, taskID int64) (int64, error) {
	task, err := s.st.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if task == nil {
		return 0, &model.DependencyMissingError{Kind: "task", Name: strconv.FormatInt(taskID, 10)}
	}
	attemptID, err := s.st.CreateAttempt(ctx, &model.TaskExecutionAttempt{
		TaskID:     taskID,
		QueuedTime: time.Now(),
	})
	if err != nil {
		return 0, err
	}
	if err := s.q.Declare(ctx, task.TaskType); err != nil {
		return 0, err
	}
	if err := s.q.Publish(ctx, task.TaskType, attemptID); err != nil {
		return 0, err
	}
	obs.AttemptsQueued.WithLabelValues(task.TaskType).Inc()
	return attemptID, nil
}

// ScheduleEligible bulk-scans fully-configured tasks and schedules every
// one whose dependencies are satisfied: no existing Attempt matches
// skip, every declared file input has a version that passed QC, and
// every declared metadata-input predecessor has an Attempt with
// AllProductsPassedQC. Candidates are visited task_id ascending so older
// tasks drain first. Returns the task ids it scheduled.
func (s *Scheduler) ScheduleEligible(ctx context.Context, skip SkipCriterion) ([]int64, error) {
	tasks, err := s.st.ListFullyConfiguredTasks(ctx)
	if err != nil {
		return nil, err
	}
	var scheduled []int64
	for _, t := range tasks {
		eligible, err := s.isEligible(ctx, t, skip)
		if err != nil {
			return scheduled, err
		}
		if !eligible {
			continue
		}
		if _, err := s.ScheduleOne(ctx, t.TaskID); err != nil {
			return scheduled, err
		}
		scheduled = append(scheduled, t.TaskID)
	}
	return scheduled, nil
}

func (s *Scheduler) isEligible(ctx context.Context, t *model.Task, skip SkipCriterion) (bool, error) {
	attempts, err := s.st.ListAttempts(ctx, t.TaskID)
	if err != nil {
		return false, err
	}
	// Idempotence guard: a task whose latest attempt is still queued or
	// running is never re-queued, whatever the skip criterion says.
	if n := len(attempts); n > 0 {
		if st := attempts[n-1].State; st == model.AttemptQueued || st == model.AttemptRunning {
			return false, nil
		}
	}
	for _, a := range attempts {
		if skip(a) {
			return false, nil
		}
	}

	fileInputs, err := s.st.ListFileInputs(ctx, t.TaskID)
	if err != nil {
		return false, err
	}
	for _, in := range fileInputs {
		v, err := s.st.LatestPassedVersion(ctx, in.InputProductID)
		if err != nil {
			return false, err
		}
		if v == nil {
			return false, nil
		}
	}

	metaInputs, err := s.st.ListMetadataInputs(ctx, t.TaskID)
	if err != nil {
		return false, err
	}
	for _, in := range metaInputs {
		predAttempts, err := s.st.ListAttempts(ctx, in.PredecessorTask)
		if err != nil {
			return false, err
		}
		if !anyAllProductsPassedQC(predAttempts) {
			return false, nil
		}
	}

	return true, nil
}

func anyAllProductsPassedQC(attempts []*model.TaskExecutionAttempt) bool {
	for _, a := range attempts {
		if a.AllProductsPassedQC {
			return true
		}
	}
	return false
}

// RescheduleUnfinished is schedule_eligible("finished AND NOT error_fail"):
// it reschedules every eligible task none of whose Attempts finished
// without error (including tasks with no Attempt at all).
func (s *Scheduler) RescheduleUnfinished(ctx context.Context) ([]int64, error) {
	return s.ScheduleEligible(ctx, FinishedWithoutError)
}
