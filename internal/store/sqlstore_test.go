// Copyright 2025 James Ross
package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dcf21/eas-orchestrator/internal/model"
)

var errTestRollback = errors.New("roll back the scope")

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(context.Background()))
	return st
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	cases := []struct {
		keyword string
		raw     string
		numeric bool
	}{
		{"period", "42.5", true},
		{"count", "7", true},
		{"exp", "1e-3", true},
		{"name", "kepler-22b", false},
		{"mixed", "12abc", false},
		{"inf", "+Inf", false}, // parses, but is not finite
	}
	for _, c := range cases {
		require.NoError(t, st.UpsertMetadata(ctx, model.MetadataItem{
			Scope: model.ScopeTask, ScopeID: 1, Keyword: c.keyword,
			Value: model.NewMetadataValue(c.raw), Timestamp: time.Now(),
		}))
	}

	metadata, err := st.GetMetadata(ctx, model.ScopeTask, 1)
	require.NoError(t, err)
	for _, c := range cases {
		v, ok := metadata[c.keyword]
		require.True(t, ok, c.keyword)
		require.Equal(t, c.numeric, v.IsNumber(), c.keyword)
	}
	num, _ := metadata["period"].Float64()
	require.Equal(t, 42.5, num)
	require.Equal(t, "kepler-22b", metadata["name"].String())
}

func TestMetadataUpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	write := func(v string) {
		require.NoError(t, st.UpsertMetadata(ctx, model.MetadataItem{
			Scope: model.ScopeAttempt, ScopeID: 9, Keyword: "mes",
			Value: model.NewMetadataValue(v), Timestamp: time.Now(),
		}))
	}
	write("1")
	write("2")

	metadata, err := st.GetMetadata(ctx, model.ScopeAttempt, 9)
	require.NoError(t, err)
	require.Len(t, metadata, 1)
	num, _ := metadata["mes"].Float64()
	require.Equal(t, 2.0, num)
}

func TestMetadataScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	for _, scope := range []model.MetadataScope{model.ScopeTask, model.ScopeAttempt, model.ScopeProduct, model.ScopeVersion} {
		require.NoError(t, st.UpsertMetadata(ctx, model.MetadataItem{
			Scope: scope, ScopeID: 5, Keyword: "k",
			Value: model.TextValue(string(scope)), Timestamp: time.Now(),
		}))
	}
	for _, scope := range []model.MetadataScope{model.ScopeTask, model.ScopeAttempt, model.ScopeProduct, model.ScopeVersion} {
		metadata, err := st.GetMetadata(ctx, scope, 5)
		require.NoError(t, err)
		require.Equal(t, string(scope), metadata["k"].String())
	}
}

func TestClaimAttemptExcludesOtherHosts(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	taskID, err := st.CreateTask(ctx, &model.Task{TaskType: "null", CreatedTime: time.Now(), FullyConfigured: true})
	require.NoError(t, err)
	attemptID, err := st.CreateAttempt(ctx, &model.TaskExecutionAttempt{TaskID: taskID, QueuedTime: time.Now()})
	require.NoError(t, err)

	host1, err := st.RegisterHost(ctx, "w1")
	require.NoError(t, err)
	host2, err := st.RegisterHost(ctx, "w2")
	require.NoError(t, err)

	a1, err := st.ClaimAttempt(ctx, "null", host1)
	require.NoError(t, err)
	require.NotNil(t, a1)
	require.Equal(t, attemptID, a1.AttemptID)

	a2, err := st.ClaimAttempt(ctx, "null", host2)
	require.NoError(t, err)
	require.Nil(t, a2, "second claimant must lose")
}

// No double-claim under concurrency: many goroutines race for the same
// queue; every attempt is won exactly once.
func TestClaimAttemptConcurrent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	const attempts = 20
	taskID, err := st.CreateTask(ctx, &model.Task{TaskType: "null", CreatedTime: time.Now(), FullyConfigured: true})
	require.NoError(t, err)
	for i := 0; i < attempts; i++ {
		_, err := st.CreateAttempt(ctx, &model.TaskExecutionAttempt{TaskID: taskID, QueuedTime: time.Now()})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := map[int64]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		hostID, err := st.RegisterHost(ctx, "worker")
		require.NoError(t, err)
		wg.Add(1)
		go func(host int64) {
			defer wg.Done()
			for {
				a, err := st.ClaimAttempt(ctx, "null", host)
				if err != nil || a == nil {
					return
				}
				mu.Lock()
				claimed[a.AttemptID]++
				mu.Unlock()
			}
		}(hostID)
	}
	wg.Wait()

	require.Len(t, claimed, attempts)
	for id, n := range claimed {
		require.Equal(t, 1, n, "attempt %d claimed %d times", id, n)
	}
}

func TestResetOwnStaleAttempts(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	taskID, err := st.CreateTask(ctx, &model.Task{TaskType: "null", CreatedTime: time.Now(), FullyConfigured: true})
	require.NoError(t, err)
	attemptID, err := st.CreateAttempt(ctx, &model.TaskExecutionAttempt{TaskID: taskID, QueuedTime: time.Now()})
	require.NoError(t, err)
	hostID, err := st.RegisterHost(ctx, "w1")
	require.NoError(t, err)
	_, err = st.ClaimSpecificAttempt(ctx, attemptID, hostID)
	require.NoError(t, err)

	n, err := st.ResetOwnStaleAttempts(ctx, hostID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	a, err := st.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	require.Equal(t, model.AttemptQueued, a.State)
	require.Nil(t, a.HostID)

	// Another host's reset never touches our rows.
	other, err := st.RegisterHost(ctx, "w2")
	require.NoError(t, err)
	_, err = st.ClaimSpecificAttempt(ctx, attemptID, hostID)
	require.NoError(t, err)
	n, err = st.ResetOwnStaleAttempts(ctx, other)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAttemptStateTransitions(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	taskID, err := st.CreateTask(ctx, &model.Task{TaskType: "null", CreatedTime: time.Now(), FullyConfigured: true})
	require.NoError(t, err)
	attemptID, err := st.CreateAttempt(ctx, &model.TaskExecutionAttempt{TaskID: taskID, QueuedTime: time.Now()})
	require.NoError(t, err)
	hostID, err := st.RegisterHost(ctx, "w1")
	require.NoError(t, err)

	_, err = st.ClaimSpecificAttempt(ctx, attemptID, hostID)
	require.NoError(t, err)
	require.NoError(t, st.StartAttempt(ctx, attemptID, time.Now()))
	require.NoError(t, st.FinishAttempt(ctx, AttemptResult{
		AttemptID: attemptID, AllProductsPassedQC: true, EndTime: time.Now(),
		RunTimeWallClock: 1.0, RunTimeCPU: 0.5, RunTimeCPUIncChildren: 0.6,
	}))

	a, err := st.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	require.Equal(t, model.AttemptFinished, a.State)
	require.True(t, a.AllProductsPassedQC)
	require.NotNil(t, a.RunTimeWallClock)

	// A finished attempt is no longer claimable.
	claimed, err := st.ClaimSpecificAttempt(ctx, attemptID, hostID)
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestRepositoryIDUniqueness(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	productID, err := st.RegisterFileProduct(ctx, &model.FileProduct{GeneratorTask: 1, Directory: "d", Filename: "f.dat", SemanticType: "s"})
	require.NoError(t, err)

	v := &model.FileProductVersion{
		ProductID: productID, GeneratedByTaskExecution: 1,
		RepositoryID: "20250101_000000_deadbeef.dat", CreatedTime: time.Now(), ModifiedTime: time.Now(),
	}
	_, err = st.RegisterFileProductVersion(ctx, v)
	require.NoError(t, err)
	_, err = st.RegisterFileProductVersion(ctx, v)
	require.Error(t, err, "duplicate repository_id must be rejected")
}

func TestFileProductPathUniqueness(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	p := &model.FileProduct{GeneratorTask: 1, Directory: "d", Filename: "f.dat", SemanticType: "s"}
	_, err := st.RegisterFileProduct(ctx, p)
	require.NoError(t, err)
	_, err = st.RegisterFileProduct(ctx, p)
	require.Error(t, err, "(directory, filename) must be unique")
}

func TestDumpRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)

	taskID, err := src.CreateTask(ctx, &model.Task{TaskType: "execution_chain", JobName: "job", CreatedTime: time.Now().UTC(), FullyConfigured: true})
	require.NoError(t, err)
	attemptID, err := src.CreateAttempt(ctx, &model.TaskExecutionAttempt{TaskID: taskID, QueuedTime: time.Now().UTC()})
	require.NoError(t, err)
	_, err = src.RegisterHost(ctx, "host-a")
	require.NoError(t, err)
	productID, err := src.RegisterFileProduct(ctx, &model.FileProduct{GeneratorTask: taskID, Directory: "d", Filename: "f.dat", SemanticType: "s"})
	require.NoError(t, err)
	_, err = src.RegisterFileProductVersion(ctx, &model.FileProductVersion{
		ProductID: productID, GeneratedByTaskExecution: attemptID,
		RepositoryID: "20250101_000000_cafe.dat", CreatedTime: time.Now().UTC(), ModifiedTime: time.Now().UTC(),
		PassedQC: model.QCPassed,
	})
	require.NoError(t, err)
	require.NoError(t, src.UpsertMetadata(ctx, model.MetadataItem{
		Scope: model.ScopeTask, ScopeID: taskID, Keyword: "task_description",
		Value: model.TextValue(`{"task_list": []}`), Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, src.AppendLog(ctx, model.LogMessage{AttemptID: &attemptID, Timestamp: time.Now().UTC(), Severity: "info", Message: "hello"}))
	require.NoError(t, src.RegisterTaskType(ctx, model.TaskType{Name: "null", Containers: []string{"eas_base"}},
		[]model.ContainerResources{{Container: "eas_base", CPU: 1, MemoryGB: 2}}))

	snap, err := src.Dump(ctx)
	require.NoError(t, err)

	dst := newTestStore(t)
	require.NoError(t, dst.Restore(ctx, snap))

	task, err := dst.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, "execution_chain", task.TaskType)

	attempts, err := dst.ListAttempts(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, attemptID, attempts[0].AttemptID)

	metadata, err := dst.GetMetadata(ctx, model.ScopeTask, taskID)
	require.NoError(t, err)
	require.Contains(t, metadata, "task_description")

	versions, err := dst.ListVersions(ctx, productID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, model.QCPassed, versions[0].PassedQC)

	logs, err := dst.ListLogs(ctx, attemptID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestWithTxCommitsOnNil(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	var taskID int64
	err := st.WithTx(ctx, func(tx Store) error {
		var err error
		taskID, err = tx.CreateTask(ctx, &model.Task{TaskType: "null", CreatedTime: time.Now()})
		return err
	})
	require.NoError(t, err)

	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, task)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	sentinel := errTestRollback
	var taskID int64
	err := st.WithTx(ctx, func(tx Store) error {
		var err error
		taskID, err = tx.CreateTask(ctx, &model.Task{TaskType: "null", CreatedTime: time.Now()})
		require.NoError(t, err)
		// Visible inside the scope...
		task, err := tx.GetTask(ctx, taskID)
		require.NoError(t, err)
		require.NotNil(t, task)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	// ...gone after the rollback.
	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestWithTxNestedJoinsScope(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	var taskID int64
	err := st.WithTx(ctx, func(tx Store) error {
		return tx.WithTx(ctx, func(inner Store) error {
			var err error
			taskID, err = inner.CreateTask(ctx, &model.Task{TaskType: "null", CreatedTime: time.Now()})
			return err
		})
	})
	require.NoError(t, err)

	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, task)
}

func TestDeleteProductCascadeIsSingleUnit(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	productID, err := st.RegisterFileProduct(ctx, &model.FileProduct{GeneratorTask: 1, Directory: "d", Filename: "f.dat", SemanticType: "s"})
	require.NoError(t, err)
	_, err = st.RegisterFileProductVersion(ctx, &model.FileProductVersion{
		ProductID: productID, GeneratedByTaskExecution: 1,
		RepositoryID: "20250101_000000_feed.dat", CreatedTime: time.Now(), ModifiedTime: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, st.DeleteProduct(ctx, productID))

	versions, err := st.ListVersions(ctx, productID)
	require.NoError(t, err)
	require.Empty(t, versions)
	p, err := st.GetFileProduct(ctx, productID)
	require.NoError(t, err)
	require.Nil(t, p, "versions and deleted flag must land together")
}

// An in-place refresh of an older version must not leapfrog a newer
// one: latest is insertion order, not modified_time.
func TestLatestPassedVersionIsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	productID, err := st.RegisterFileProduct(ctx, &model.FileProduct{GeneratorTask: 1, Directory: "d", Filename: "f.dat", SemanticType: "s"})
	require.NoError(t, err)

	base := time.Now()
	v1, err := st.RegisterFileProductVersion(ctx, &model.FileProductVersion{
		ProductID: productID, GeneratedByTaskExecution: 1,
		RepositoryID: "20250101_000000_0001.dat", CreatedTime: base, ModifiedTime: base,
		PassedQC: model.QCPassed,
	})
	require.NoError(t, err)
	v2, err := st.RegisterFileProductVersion(ctx, &model.FileProductVersion{
		ProductID: productID, GeneratedByTaskExecution: 2,
		RepositoryID: "20250101_000000_0002.dat", CreatedTime: base.Add(time.Second), ModifiedTime: base.Add(time.Second),
		PassedQC: model.QCPassed,
	})
	require.NoError(t, err)

	require.NoError(t, st.UpdateVersion(ctx, v1, base.Add(time.Hour), "newmd5", 10))

	latest, err := st.LatestPassedVersion(ctx, productID)
	require.NoError(t, err)
	require.Equal(t, v2, latest.ProductVersionID)
}

func TestTruncateMessageBoundary(t *testing.T) {
	require.Equal(t, "abc", model.TruncateMessage("abc", 10))
	require.Equal(t, "abcdefg...", model.TruncateMessage("abcdefghijklmn", 10))
	require.Len(t, model.TruncateMessage("abcdefghijklmn", 10), 10)
	require.Equal(t, "ab", model.TruncateMessage("abcdef", 2))
}
