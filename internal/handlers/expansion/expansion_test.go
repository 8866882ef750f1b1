// Copyright 2025 James Ross
package expansion

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dcf21/eas-orchestrator/internal/fileregistry"
	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/store"
	"github.com/dcf21/eas-orchestrator/internal/worker"
)

type fixture struct {
	env     *worker.Env
	st      store.Store
	task    *model.Task
	attempt *model.TaskExecutionAttempt
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(ctx))

	env := &worker.Env{
		Store:     st,
		Files:     fileregistry.New(st, t.TempDir()),
		Log:       zap.NewNop(),
		MaxLogLen: 4096,
	}
	taskID, err := st.CreateTask(ctx, &model.Task{
		TaskType: "execution_chain", JobName: "job", WorkingDirectory: "wd",
		CreatedTime: time.Now(), FullyConfigured: true,
	})
	require.NoError(t, err)
	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	attemptID, err := st.CreateAttempt(ctx, &model.TaskExecutionAttempt{TaskID: taskID, QueuedTime: time.Now()})
	require.NoError(t, err)
	attempt, err := st.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	return &fixture{env: env, st: st, task: task, attempt: attempt}
}

func description(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func TestChainDeclaresOutputsUpFront(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	desc := description(t, `{"task_list": [
		{"task": "synthesis_psls", "name": "synth", "outputs": {"lightcurve": "lc.dat"}},
		{"task": "verify", "inputs": {"lightcurve": "lc.dat"}, "requires_metadata_from": ["synth"]}
	]}`)
	require.NoError(t, Chain(ctx, f.env, f.attempt, f.task, desc))

	children, err := f.st.ListChildTasks(ctx, f.task.TaskID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.True(t, children[0].FullyConfigured)
	require.True(t, children[1].FullyConfigured)
	require.Equal(t, "wd", children[0].WorkingDirectory, "working directory inherited")

	// The output product exists before any attempt ran, so the second
	// sibling could resolve it as an input.
	product, err := f.st.FindFileProductByPath(ctx, "wd", "lc.dat")
	require.NoError(t, err)
	require.NotNil(t, product)
	require.Equal(t, children[0].TaskID, product.GeneratorTask)

	inputs, err := f.st.ListFileInputs(ctx, children[1].TaskID)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.Equal(t, product.ProductID, inputs[0].InputProductID)

	metaInputs, err := f.st.ListMetadataInputs(ctx, children[1].TaskID)
	require.NoError(t, err)
	require.Len(t, metaInputs, 1)
	require.Equal(t, children[0].TaskID, metaInputs[0].PredecessorTask)
}

func TestChainRejectsOutputCollision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.env.Files.Register(ctx, &model.FileProduct{
		GeneratorTask: f.task.TaskID, Directory: "wd", Filename: "lc.dat", SemanticType: "lightcurve",
	})
	require.NoError(t, err)

	desc := description(t, `{"task_list": [{"task": "synthesis_psls", "outputs": {"lightcurve": "lc.dat"}}]}`)
	err = Chain(ctx, f.env, f.attempt, f.task, desc)
	var collision *model.OutputCollisionError
	require.ErrorAs(t, err, &collision)
}

func TestChainRejectsMissingInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	desc := description(t, `{"task_list": [{"task": "verify", "inputs": {"lightcurve": "absent.dat"}}]}`)
	err := Chain(ctx, f.env, f.attempt, f.task, desc)
	var missing *model.DependencyMissingError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "file_input", missing.Kind)
}

func TestChainRejectsUnknownMetadataPredecessor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	desc := description(t, `{"task_list": [{"task": "null", "requires_metadata_from": ["nobody"]}]}`)
	err := Chain(ctx, f.env, f.attempt, f.task, desc)
	var missing *model.DependencyMissingError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "metadata_input", missing.Kind)
}

func TestChainEmptyTaskListIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, Chain(ctx, f.env, f.attempt, f.task, map[string]interface{}{}))
	children, err := f.st.ListChildTasks(ctx, f.task.TaskID)
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestConditionalWithoutElseIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	desc := description(t, `{"criterion": false, "task_list": [{"task": "null"}]}`)
	require.NoError(t, Conditional(ctx, f.env, f.attempt, f.task, desc))
	children, err := f.st.ListChildTasks(ctx, f.task.TaskID)
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestForLoopLogRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	desc := description(t, `{"name": "period", "log_range": [1, 100, 3], "task_list": [{"task": "null"}]}`)
	require.NoError(t, ForLoop(ctx, f.env, f.attempt, f.task, desc))

	children, err := f.st.ListChildTasks(ctx, f.task.TaskID)
	require.NoError(t, err)
	require.Len(t, children, 3)

	expected := []float64{1, 10, 100}
	for i, c := range children {
		metadata, err := f.st.GetMetadata(ctx, model.ScopeTask, c.TaskID)
		require.NoError(t, err)
		v, ok := metadata["period"].Float64()
		require.True(t, ok)
		require.InDelta(t, expected[i], v, 1e-9)
		idx, ok := metadata["period_index"].Float64()
		require.True(t, ok)
		require.Equal(t, float64(i), idx)
	}
}

func TestForLoopRejectsMissingRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	desc := description(t, `{"name": "p", "task_list": [{"task": "null"}]}`)
	require.ErrorContains(t, ForLoop(ctx, f.env, f.attempt, f.task, desc), "linear_range")
}

func TestMaterialisedChainCarriesParentMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.st.UpsertMetadata(ctx, model.MetadataItem{
		Scope: model.ScopeTask, ScopeID: f.task.TaskID, Keyword: "inherited",
		Value: model.NumberValue(7), Timestamp: time.Now(),
	}))

	desc := description(t, `{"criterion": true, "task_list": [{"task": "null"}]}`)
	require.NoError(t, Conditional(ctx, f.env, f.attempt, f.task, desc))

	children, err := f.st.ListChildTasks(ctx, f.task.TaskID)
	require.NoError(t, err)
	require.Len(t, children, 1)

	metadata, err := f.st.GetMetadata(ctx, model.ScopeTask, children[0].TaskID)
	require.NoError(t, err)
	v, ok := metadata["inherited"].Float64()
	require.True(t, ok)
	require.Equal(t, 7.0, v)
	require.Contains(t, metadata, "task_description")
}
