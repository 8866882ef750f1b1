// Copyright 2025 James Ross
package leaf

import (
	"context"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/worker"
)

// Verify reads the declared lightcurve input and records its bounding
// box as attempt metadata: verification_time_min/max and
// verification_flux_min/max, all numeric. Downstream tasks gate on
// these through requires_metadata_from.
func Verify(ctx context.Context, env *worker.Env, attempt *model.TaskExecutionAttempt, task *model.Task, description map[string]interface{}) error {
	path, err := openInput(ctx, env, task, description, "lightcurve")
	if err != nil {
		return err
	}
	lc, err := readLightcurve(path)
	if err != nil {
		return err
	}

	timeMin, timeMax := lc.times[0], lc.times[0]
	fluxMin, fluxMax := lc.fluxes[0], lc.fluxes[0]
	for i := range lc.times {
		if lc.times[i] < timeMin {
			timeMin = lc.times[i]
		}
		if lc.times[i] > timeMax {
			timeMax = lc.times[i]
		}
		if lc.fluxes[i] < fluxMin {
			fluxMin = lc.fluxes[i]
		}
		if lc.fluxes[i] > fluxMax {
			fluxMax = lc.fluxes[i]
		}
	}

	measurements := map[string]float64{
		"verification_time_min": timeMin,
		"verification_time_max": timeMax,
		"verification_flux_min": fluxMin,
		"verification_flux_max": fluxMax,
	}
	for keyword, value := range measurements {
		if err := setAttemptMetadata(ctx, env, attempt.AttemptID, keyword, value); err != nil {
			return err
		}
	}
	env.Logf(ctx, attempt.AttemptID, "info", "verified lightcurve of task %d: %d samples, t in [%g, %g]",
		task.TaskID, lc.length(), timeMin, timeMax)
	return nil
}
