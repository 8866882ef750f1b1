// Copyright 2025 James Ross

// Package leaf implements the leaf computation handlers the worker
// dispatches to. The numerical transit-search kernels live outside this
// repository; what is here is the set of deterministic stand-ins the
// pipeline plumbs data through: lightcurve synthesis, resampling,
// arithmetic, verification, and external ingestion. Each handler reads
// its inputs through the FileRegistry, writes outputs to local scratch,
// and publishes them back through the FileRegistry.
package leaf

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/worker"
)

// Register installs every leaf handler into the dispatch table.
func Register(reg *worker.Registry) {
	reg.Register("null", Null, nil)
	reg.Register("error", Error, nil)
	reg.Register("multiply", Multiply, nil)
	reg.Register("synthesis_psls", SynthesisPSLS, nil)
	reg.Register("verify", Verify, nil)
	reg.Register("binning", Binning, BinningQC)
	reg.Register("ingest_external_lcs", IngestExternalLCs, nil)
}

// Null does nothing for a configurable number of seconds. The sleep
// keeps multi-worker integration runs honest about claim exclusivity
// and heartbeating without needing a real computation.
func Null(ctx context.Context, env *worker.Env, attempt *model.TaskExecutionAttempt, task *model.Task, description map[string]interface{}) error {
	sleep := 10 * time.Second
	if v, ok := description["sleep_seconds"].(float64); ok {
		sleep = time.Duration(v * float64(time.Second))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sleep):
	}
	return nil
}

// Error always fails; used to exercise the error_fail path end to end.
func Error(ctx context.Context, env *worker.Env, attempt *model.TaskExecutionAttempt, task *model.Task, description map[string]interface{}) error {
	return &model.HandlerError{TaskType: "error", Cause: fmt.Errorf("task designed to fail")}
}

// inputFilename reads the filename declared for a semantic input role.
func inputFilename(description map[string]interface{}, semanticType string) (string, error) {
	inputs, ok := description["inputs"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("task declares no inputs")
	}
	filename, ok := inputs[semanticType].(string)
	if !ok {
		return "", fmt.Errorf("task declares no input %q", semanticType)
	}
	return filename, nil
}

// outputFilename reads the filename declared for a semantic output role.
func outputFilename(description map[string]interface{}, semanticType string) (string, error) {
	outputs, ok := description["outputs"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("task declares no outputs")
	}
	filename, ok := outputs[semanticType].(string)
	if !ok {
		return "", fmt.Errorf("task declares no output %q", semanticType)
	}
	return filename, nil
}

// openInput resolves a semantic input to the on-disk path of its latest
// QC-passing version. The scheduler has already gated on a passing
// version existing, so a miss here means the dependency was deleted
// between scheduling and execution.
func openInput(ctx context.Context, env *worker.Env, task *model.Task, description map[string]interface{}, semanticType string) (string, error) {
	filename, err := inputFilename(description, semanticType)
	if err != nil {
		return "", err
	}
	product, err := env.Store.FindFileProductByPath(ctx, task.WorkingDirectory, filename)
	if err != nil {
		return "", err
	}
	if product == nil {
		return "", &model.DependencyMissingError{Kind: "file_input", Name: task.WorkingDirectory + "/" + filename}
	}
	version, err := env.Files.ResolveVersion(ctx, product.ProductID, nil, true)
	if err != nil {
		return "", err
	}
	if version == nil {
		return "", &model.DependencyMissingError{Kind: "file_input", Name: task.WorkingDirectory + "/" + filename + " (no QC-passing version)"}
	}
	return env.Files.AbsolutePath(ctx, version)
}

// publishOutput registers a scratch file as a new version of the task's
// declared output product.
func publishOutput(ctx context.Context, env *worker.Env, task *model.Task, attemptID int64, description map[string]interface{}, semanticType, sourcePath string, preserve bool) (int64, error) {
	filename, err := outputFilename(description, semanticType)
	if err != nil {
		return 0, err
	}
	product, err := env.Store.FindFileProductByPath(ctx, task.WorkingDirectory, filename)
	if err != nil {
		return 0, err
	}
	if product == nil {
		return 0, &model.DependencyMissingError{Kind: "file_output", Name: task.WorkingDirectory + "/" + filename + " (not pre-registered)"}
	}
	return env.Files.RegisterVersion(ctx, product.ProductID, attemptID, sourcePath, preserve)
}

// scratchDir makes a per-attempt scratch directory under the env's
// scratch root; the caller removes it when done.
func scratchDir(env *worker.Env, attemptID int64) (string, func(), error) {
	dir, err := os.MkdirTemp(env.ScratchRoot, fmt.Sprintf("attempt-%d-", attemptID))
	if err != nil {
		return "", nil, err
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// setAttemptMetadata records a numeric measurement against an attempt.
func setAttemptMetadata(ctx context.Context, env *worker.Env, attemptID int64, keyword string, value float64) error {
	return env.Store.UpsertMetadata(ctx, model.MetadataItem{
		Scope:     model.ScopeAttempt,
		ScopeID:   attemptID,
		Keyword:   keyword,
		Value:     model.NumberValue(value),
		Timestamp: time.Now(),
	})
}
