// Copyright 2025 James Ross
package diagnostics

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/store"
)

func seedStore(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(ctx))

	rootID, err := st.CreateTask(ctx, &model.Task{TaskType: "execution_chain", JobName: "job", CreatedTime: time.Now(), FullyConfigured: true})
	require.NoError(t, err)
	rootAttempt, err := st.CreateAttempt(ctx, &model.TaskExecutionAttempt{TaskID: rootID, QueuedTime: time.Now()})
	require.NoError(t, err)
	wall := 1.5
	require.NoError(t, st.FinishAttempt(ctx, store.AttemptResult{
		AttemptID: rootAttempt, AllProductsPassedQC: true, EndTime: time.Now(), RunTimeWallClock: wall,
	}))

	childID, err := st.CreateTask(ctx, &model.Task{ParentTask: &rootID, TaskType: "null", TaskName: "leaf", CreatedTime: time.Now(), FullyConfigured: true})
	require.NoError(t, err)
	childAttempt, err := st.CreateAttempt(ctx, &model.TaskExecutionAttempt{TaskID: childID, QueuedTime: time.Now()})
	require.NoError(t, err)
	require.NoError(t, st.AppendLog(ctx, model.LogMessage{AttemptID: &childAttempt, Timestamp: time.Now(), Severity: "error", Message: "boom"}))
	require.NoError(t, st.FinishAttempt(ctx, store.AttemptResult{
		AttemptID: childAttempt, ErrorFail: true, ErrorText: "handler exploded", EndTime: time.Now(), RunTimeWallClock: 0.2,
	}))

	// A waiting task with no attempts yet.
	_, err = st.CreateTask(ctx, &model.Task{ParentTask: &rootID, TaskType: "verify", CreatedTime: time.Now(), FullyConfigured: true})
	require.NoError(t, err)

	return st
}

func TestTreeShapeAndStates(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t)

	roots, err := Tree(ctx, st, false)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	root := roots[0]
	require.Equal(t, "execution_chain", root.TaskType)
	require.Equal(t, "done", root.State)
	require.Len(t, root.Children, 2)
	require.Equal(t, "failed", root.Children[0].State)
	require.Equal(t, "waiting", root.Children[1].State)

	rendered := RenderTree(roots)
	require.Contains(t, rendered, "execution_chain")
	require.Contains(t, rendered, "null <leaf>")
}

func TestRunningTreePrunesIdle(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t)

	roots, err := Tree(ctx, st, true)
	require.NoError(t, err)
	require.Empty(t, roots, "nothing queued or running")
}

func TestProgressTallies(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t)

	rows, err := Progress(ctx, st)
	require.NoError(t, err)

	byType := map[string]ProgressRow{}
	for _, r := range rows {
		byType[r.TaskType] = r
	}
	require.Equal(t, 1, byType["execution_chain"].Done)
	require.Equal(t, 1, byType["null"].Failed)
	require.Equal(t, 1, byType["verify"].Waiting)
}

func TestTimingsAggregates(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t)

	rows, err := Timings(ctx, st)
	require.NoError(t, err)
	byType := map[string]TimingRow{}
	for _, r := range rows {
		byType[r.TaskType] = r
	}
	chain := byType["execution_chain"]
	require.Equal(t, 1, chain.Attempts)
	require.InDelta(t, 1.5, chain.MeanSecs, 1e-9)
	require.Equal(t, chain.MinSecs, chain.MaxSecs)
}

func TestPassFailAndErrors(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t)

	rows, err := PassFail(ctx, st)
	require.NoError(t, err)
	byType := map[string]PassFailRow{}
	for _, r := range rows {
		byType[r.TaskType] = r
	}
	require.Equal(t, 1, byType["execution_chain"].Passed)
	require.Equal(t, 1, byType["null"].Failed)

	entries, err := Errors(ctx, st)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "handler exploded", entries[0].ErrorText)
	require.Contains(t, entries[0].Logs[0], "boom")
	require.Contains(t, RenderErrors(entries), "handler exploded")
}

func TestHTTPHandlerServesJSON(t *testing.T) {
	st := seedStore(t)
	srv := httptest.NewServer(Handler(st))
	t.Cleanup(srv.Close)

	res, err := srv.Client().Get(srv.URL + "/progress")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, "application/json", res.Header.Get("Content-Type"))

	var rows []ProgressRow
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rows))
	require.NotEmpty(t, rows)
}
