// Copyright 2025 James Ross
package leaf

import (
	"context"
	"math"
	"path/filepath"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/worker"
)

// SynthesisPSLS is the lightcurve-synthesis stand-in. The real PSLS
// kernel lives in its own worker container; this handler reproduces its
// contract: read duration/cadence (and optionally a planet period and
// transit depth) from the task description, produce a lightcurve file
// under the declared "lightcurve" output, and record the raster shape
// as attempt metadata.
func SynthesisPSLS(ctx context.Context, env *worker.Env, attempt *model.TaskExecutionAttempt, task *model.Task, description map[string]interface{}) error {
	durationDays := 1.0
	if v, ok := description["duration"].(float64); ok {
		durationDays = v
	}
	cadenceSeconds := 900.0
	if v, ok := description["cadence"].(float64); ok {
		cadenceSeconds = v
	}
	periodDays := 0.0
	if v, ok := description["planet_period"].(float64); ok {
		periodDays = v
	}
	depth := 0.0
	if v, ok := description["transit_depth"].(float64); ok {
		depth = v
	}

	cadenceDays := cadenceSeconds / 86400.0
	n := int(math.Round(durationDays / cadenceDays))
	if n < 1 {
		n = 1
	}
	lc := &lightcurve{
		times:  make([]float64, n),
		fluxes: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		t := float64(i) * cadenceDays
		flux := 1.0
		if periodDays > 0 && depth > 0 {
			// Box-shaped transit, 2% of the period wide, centred on phase 0.
			phase := math.Mod(t, periodDays) / periodDays
			if phase < 0.01 || phase > 0.99 {
				flux -= depth
			}
		}
		lc.times[i] = t
		lc.fluxes[i] = flux
	}

	dir, cleanup, err := scratchDir(env, attempt.AttemptID)
	if err != nil {
		return err
	}
	defer cleanup()

	filename, err := outputFilename(description, "lightcurve")
	if err != nil {
		return err
	}
	tmpPath := filepath.Join(dir, filepath.Base(filename))
	if err := lc.write(tmpPath); err != nil {
		return err
	}
	if _, err := publishOutput(ctx, env, task, attempt.AttemptID, description, "lightcurve", tmpPath, false); err != nil {
		return err
	}

	if err := setAttemptMetadata(ctx, env, attempt.AttemptID, "synthesis_points", float64(n)); err != nil {
		return err
	}
	return setAttemptMetadata(ctx, env, attempt.AttemptID, "synthesis_duration_days", durationDays)
}

// Multiply reads two declared lightcurve inputs, multiplies their flux
// columns sample-wise, and publishes the product under the declared
// "lightcurve" output.
func Multiply(ctx context.Context, env *worker.Env, attempt *model.TaskExecutionAttempt, task *model.Task, description map[string]interface{}) error {
	path1, err := openInput(ctx, env, task, description, "lightcurve_1")
	if err != nil {
		return err
	}
	path2, err := openInput(ctx, env, task, description, "lightcurve_2")
	if err != nil {
		return err
	}
	lc1, err := readLightcurve(path1)
	if err != nil {
		return err
	}
	lc2, err := readLightcurve(path2)
	if err != nil {
		return err
	}
	product, err := multiplyLightcurves(lc1, lc2)
	if err != nil {
		return &model.HandlerError{TaskType: "multiply", Cause: err}
	}

	dir, cleanup, err := scratchDir(env, attempt.AttemptID)
	if err != nil {
		return err
	}
	defer cleanup()

	filename, err := outputFilename(description, "lightcurve")
	if err != nil {
		return err
	}
	tmpPath := filepath.Join(dir, filepath.Base(filename))
	if err := product.write(tmpPath); err != nil {
		return err
	}
	if _, err := publishOutput(ctx, env, task, attempt.AttemptID, description, "lightcurve", tmpPath, false); err != nil {
		return err
	}
	return setAttemptMetadata(ctx, env, attempt.AttemptID, "multiply_points", float64(product.length()))
}
