// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/queue"
	"github.com/dcf21/eas-orchestrator/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(context.Background()))
	return New(st, queue.NewEmbeddedQueue(st)), st
}

func createTask(t *testing.T, st store.Store, taskType string, configured bool) int64 {
	t.Helper()
	id, err := st.CreateTask(context.Background(), &model.Task{
		TaskType: taskType, CreatedTime: time.Now(), FullyConfigured: configured,
	})
	require.NoError(t, err)
	return id
}

func TestScheduleOnePublishes(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t)
	taskID := createTask(t, st, "null", true)

	attemptID, err := s.ScheduleOne(ctx, taskID)
	require.NoError(t, err)

	a, err := st.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	require.Equal(t, model.AttemptQueued, a.State)
	require.Nil(t, a.HostID)

	n, err := st.CountQueuedByType(ctx, "null")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestUnconfiguredTaskNeverScheduled(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t)
	createTask(t, st, "null", false)

	scheduled, err := s.ScheduleEligible(ctx, NeverAttempted)
	require.NoError(t, err)
	require.Empty(t, scheduled)
}

func TestFileInputGate(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t)

	generator := createTask(t, st, "synthesis_psls", true)
	productID, err := st.RegisterFileProduct(ctx, &model.FileProduct{
		GeneratorTask: generator, Directory: "d", Filename: "lc.dat", SemanticType: "lightcurve",
	})
	require.NoError(t, err)

	consumer := createTask(t, st, "verify", true)
	require.NoError(t, st.AddFileInput(ctx, model.FileInput{TaskID: consumer, InputProductID: productID, SemanticType: "lightcurve"}))

	scheduled, err := s.ScheduleEligible(ctx, NeverAttempted)
	require.NoError(t, err)
	require.Contains(t, scheduled, generator)
	require.NotContains(t, scheduled, consumer, "no QC-passing version yet")

	// An unverified version is not enough.
	versionID, err := st.RegisterFileProductVersion(ctx, &model.FileProductVersion{
		ProductID: productID, GeneratedByTaskExecution: 1,
		RepositoryID: "20250101_000000_aaa.dat", CreatedTime: time.Now(), ModifiedTime: time.Now(),
	})
	require.NoError(t, err)
	scheduled, err = s.ScheduleEligible(ctx, NeverAttempted)
	require.NoError(t, err)
	require.NotContains(t, scheduled, consumer)

	require.NoError(t, st.SetVersionQC(ctx, versionID, model.QCPassed))
	scheduled, err = s.ScheduleEligible(ctx, NeverAttempted)
	require.NoError(t, err)
	require.Contains(t, scheduled, consumer)
}

func TestMetadataInputGate(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t)

	pred := createTask(t, st, "verify", true)
	successor := createTask(t, st, "null", true)
	require.NoError(t, st.AddMetadataInput(ctx, model.MetadataInput{TaskID: successor, PredecessorTask: pred}))

	scheduled, err := s.ScheduleEligible(ctx, NeverAttempted)
	require.NoError(t, err)
	require.NotContains(t, scheduled, successor)

	// A finished attempt without all_products_passed_qc does not open
	// the gate.
	attemptID, err := st.CreateAttempt(ctx, &model.TaskExecutionAttempt{TaskID: pred, QueuedTime: time.Now()})
	require.NoError(t, err)
	require.NoError(t, st.FinishAttempt(ctx, store.AttemptResult{AttemptID: attemptID, EndTime: time.Now()}))
	scheduled, err = s.ScheduleEligible(ctx, NeverAttempted)
	require.NoError(t, err)
	require.NotContains(t, scheduled, successor)

	attempt2, err := st.CreateAttempt(ctx, &model.TaskExecutionAttempt{TaskID: pred, QueuedTime: time.Now()})
	require.NoError(t, err)
	require.NoError(t, st.FinishAttempt(ctx, store.AttemptResult{AttemptID: attempt2, AllProductsPassedQC: true, EndTime: time.Now()}))
	scheduled, err = s.ScheduleEligible(ctx, NeverAttempted)
	require.NoError(t, err)
	require.Contains(t, scheduled, successor)
}

func TestScheduleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t)
	taskID := createTask(t, st, "null", true)

	scheduled, err := s.ScheduleEligible(ctx, NeverAttempted)
	require.NoError(t, err)
	require.Equal(t, []int64{taskID}, scheduled)

	// A queued attempt blocks re-queueing under any criterion.
	scheduled, err = s.ScheduleEligible(ctx, NeverAttempted)
	require.NoError(t, err)
	require.Empty(t, scheduled)
	scheduled, err = s.ScheduleEligible(ctx, FinishedWithoutError)
	require.NoError(t, err)
	require.Empty(t, scheduled)

	attempts, err := st.ListAttempts(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
}

func TestRescheduleUnfinished(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t)

	failed := createTask(t, st, "null", true)
	failedAttempt, err := st.CreateAttempt(ctx, &model.TaskExecutionAttempt{TaskID: failed, QueuedTime: time.Now()})
	require.NoError(t, err)
	require.NoError(t, st.FinishAttempt(ctx, store.AttemptResult{AttemptID: failedAttempt, ErrorFail: true, EndTime: time.Now()}))

	succeeded := createTask(t, st, "null", true)
	okAttempt, err := st.CreateAttempt(ctx, &model.TaskExecutionAttempt{TaskID: succeeded, QueuedTime: time.Now()})
	require.NoError(t, err)
	require.NoError(t, st.FinishAttempt(ctx, store.AttemptResult{AttemptID: okAttempt, AllProductsPassedQC: true, EndTime: time.Now()}))

	scheduled, err := s.RescheduleUnfinished(ctx)
	require.NoError(t, err)
	require.Contains(t, scheduled, failed)
	require.NotContains(t, scheduled, succeeded)
}

func TestFairnessOrdersByTaskID(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t)

	first := createTask(t, st, "null", true)
	second := createTask(t, st, "null", true)
	third := createTask(t, st, "null", true)

	scheduled, err := s.ScheduleEligible(ctx, NeverAttempted)
	require.NoError(t, err)
	require.Equal(t, []int64{first, second, third}, scheduled)
}
