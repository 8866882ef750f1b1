// Copyright 2025 James Ross
package leaf

import (
	"context"
	"os"
	"path/filepath"
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
		Store:       st,
		Files:       fileregistry.New(st, t.TempDir()),
		Log:         zap.NewNop(),
		MaxLogLen:   4096,
		ScratchRoot: t.TempDir(),
	}

	taskID, err := st.CreateTask(ctx, &model.Task{TaskType: "binning", WorkingDirectory: "wd", CreatedTime: time.Now(), FullyConfigured: true})
	require.NoError(t, err)
	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	attemptID, err := st.CreateAttempt(ctx, &model.TaskExecutionAttempt{TaskID: taskID, QueuedTime: time.Now()})
	require.NoError(t, err)
	attempt, err := st.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	return &fixture{env: env, st: st, task: task, attempt: attempt}
}

// stageInput registers a product in the task's working directory and a
// QC-passing version holding the given lightcurve. The version is
// generated by a separate staging attempt, so it is not counted among
// the outputs of the fixture's attempt.
func (f *fixture) stageInput(t *testing.T, filename string, lc *lightcurve) {
	t.Helper()
	ctx := context.Background()
	productID, err := f.env.Files.Register(ctx, &model.FileProduct{
		GeneratorTask: f.task.TaskID, Directory: f.task.WorkingDirectory, Filename: filename, SemanticType: "lightcurve",
	})
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), filename)
	require.NoError(t, lc.write(src))
	stagingAttempt, err := f.st.CreateAttempt(ctx, &model.TaskExecutionAttempt{TaskID: f.task.TaskID, QueuedTime: time.Now()})
	require.NoError(t, err)
	versionID, err := f.env.Files.RegisterVersion(ctx, productID, stagingAttempt, src, false)
	require.NoError(t, err)
	require.NoError(t, f.st.SetVersionQC(ctx, versionID, model.QCPassed))
}

func (f *fixture) declareOutput(t *testing.T, filename string) int64 {
	t.Helper()
	productID, err := f.env.Files.Register(context.Background(), &model.FileProduct{
		GeneratorTask: f.task.TaskID, Directory: f.task.WorkingDirectory, Filename: filename, SemanticType: "lightcurve",
	})
	require.NoError(t, err)
	return productID
}

func denseLightcurve(samples int, cadenceDays float64) *lightcurve {
	lc := &lightcurve{}
	for i := 0; i < samples; i++ {
		lc.times = append(lc.times, float64(i)*cadenceDays)
		lc.fluxes = append(lc.fluxes, 1.0)
	}
	return lc
}

func TestBinningProducesVersionAndPassesQC(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// 0.01-day input cadence, rebinned to 0.1 days (8640 s).
	f.stageInput(t, "in.dat", denseLightcurve(100, 0.01))
	outProduct := f.declareOutput(t, "out.dat")

	description := map[string]interface{}{
		"cadence": 8640.0,
		"inputs":  map[string]interface{}{"lightcurve": "in.dat"},
		"outputs": map[string]interface{}{"lightcurve": "out.dat"},
	}
	require.NoError(t, Binning(ctx, f.env, f.attempt, f.task, description))

	versions, err := f.st.ListVersions(ctx, outProduct)
	require.NoError(t, err)
	require.Len(t, versions, 1)

	passed, err := BinningQC(ctx, f.env, f.attempt, false)
	require.NoError(t, err)
	require.True(t, passed)

	v, err := f.st.GetVersion(ctx, versions[0].ProductVersionID)
	require.NoError(t, err)
	require.Equal(t, model.QCPassed, v.PassedQC)
}

func TestBinningQCFailsWhenHandlerFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	passed, err := BinningQC(ctx, f.env, f.attempt, true)
	require.NoError(t, err)
	require.False(t, passed)
}

func TestBinningRequiresCadence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	err := Binning(ctx, f.env, f.attempt, f.task, map[string]interface{}{})
	require.Error(t, err)
}

func TestSynthesisWritesDeclaredOutput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	outProduct := f.declareOutput(t, "lc.dat")

	description := map[string]interface{}{
		"duration": 0.5,
		"cadence":  900.0,
		"outputs":  map[string]interface{}{"lightcurve": "lc.dat"},
	}
	require.NoError(t, SynthesisPSLS(ctx, f.env, f.attempt, f.task, description))

	versions, err := f.st.ListVersions(ctx, outProduct)
	require.NoError(t, err)
	require.Len(t, versions, 1)

	path, err := f.env.Files.AbsolutePath(ctx, versions[0])
	require.NoError(t, err)
	lc, err := readLightcurve(path)
	require.NoError(t, err)
	require.Equal(t, 48, lc.length())

	metadata, err := f.st.GetMetadata(ctx, model.ScopeAttempt, f.attempt.AttemptID)
	require.NoError(t, err)
	points, ok := metadata["synthesis_points"].Float64()
	require.True(t, ok)
	require.Equal(t, 48.0, points)
}

func TestMultiplyRejectsMismatchedInputs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.stageInput(t, "a.dat", denseLightcurve(10, 0.01))
	f.stageInput(t, "b.dat", denseLightcurve(5, 0.01))
	f.declareOutput(t, "out.dat")

	description := map[string]interface{}{
		"inputs":  map[string]interface{}{"lightcurve_1": "a.dat", "lightcurve_2": "b.dat"},
		"outputs": map[string]interface{}{"lightcurve": "out.dat"},
	}
	err := Multiply(ctx, f.env, f.attempt, f.task, description)
	var handlerErr *model.HandlerError
	require.ErrorAs(t, err, &handlerErr)
}

func TestIngestExternalPreservesSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	src := filepath.Join(t.TempDir(), "external.dat")
	require.NoError(t, denseLightcurve(10, 0.01).write(src))

	description := map[string]interface{}{"paths": []interface{}{src}}
	require.NoError(t, IngestExternalLCs(ctx, f.env, f.attempt, f.task, description))

	_, err := os.Stat(src)
	require.NoError(t, err, "ingest must copy, not move")

	product, err := f.st.FindFileProductByPath(ctx, "wd", "external.dat")
	require.NoError(t, err)
	require.NotNil(t, product)
	versions, err := f.st.ListVersions(ctx, product.ProductID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
}

func TestNullHonoursSleepAndContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	start := time.Now()
	require.NoError(t, Null(ctx, f.env, f.attempt, f.task, map[string]interface{}{"sleep_seconds": 0.0}))
	require.Less(t, time.Since(start), time.Second)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := Null(cancelled, f.env, f.attempt, f.task, map[string]interface{}{})
	require.ErrorIs(t, err, context.Canceled)
}
