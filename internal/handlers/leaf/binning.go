// Copyright 2025 James Ross
package leaf

import (
	"context"
	"math"
	"path/filepath"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/worker"
)

// binCadenceTolerance is the fractional deviation BinningQC accepts
// between the requested bin width and the mean cadence of the output.
const binCadenceTolerance = 0.05

// Binning resamples the declared lightcurve input onto a coarser raster
// of the requested cadence (seconds) and publishes the result under the
// declared "lightcurve" output. The requested and achieved cadences are
// recorded as attempt metadata for the QC pass.
func Binning(ctx context.Context, env *worker.Env, attempt *model.TaskExecutionAttempt, task *model.Task, description map[string]interface{}) error {
	cadenceSeconds, ok := description["cadence"].(float64)
	if !ok || cadenceSeconds <= 0 {
		return &model.HandlerError{TaskType: "binning", Cause: errMissingCadence}
	}
	cadenceDays := cadenceSeconds / 86400.0

	path, err := openInput(ctx, env, task, description, "lightcurve")
	if err != nil {
		return err
	}
	lc, err := readLightcurve(path)
	if err != nil {
		return err
	}
	binned, err := rebin(lc, cadenceDays)
	if err != nil {
		return &model.HandlerError{TaskType: "binning", Cause: err}
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
	if err := binned.write(tmpPath); err != nil {
		return err
	}
	if _, err := publishOutput(ctx, env, task, attempt.AttemptID, description, "lightcurve", tmpPath, false); err != nil {
		return err
	}

	if err := setAttemptMetadata(ctx, env, attempt.AttemptID, "bin_cadence_requested_days", cadenceDays); err != nil {
		return err
	}
	return setAttemptMetadata(ctx, env, attempt.AttemptID, "bin_points", float64(binned.length()))
}

var errMissingCadence = &model.DependencyMissingError{Kind: "description", Name: "cadence (seconds)"}

// BinningQC re-reads each output version and checks two things: the
// time column is strictly monotonic, and the mean cadence is within
// tolerance of the requested bin width. Versions that fail are marked
// failed rather than deleted; the rows stay diagnosable.
func BinningQC(ctx context.Context, env *worker.Env, attempt *model.TaskExecutionAttempt, handlerFailed bool) (bool, error) {
	versions, err := env.Store.ListVersionsByAttempt(ctx, attempt.AttemptID)
	if err != nil {
		return false, err
	}

	attemptMeta, err := env.Store.GetMetadata(ctx, model.ScopeAttempt, attempt.AttemptID)
	if err != nil {
		return false, err
	}
	requested := 0.0
	if v, ok := attemptMeta["bin_cadence_requested_days"]; ok {
		requested, _ = v.Float64()
	}

	allPassed := !handlerFailed
	for _, v := range versions {
		verdict := model.QCPassed
		if handlerFailed || !binnedVersionOK(ctx, env, v, requested) {
			verdict = model.QCFailed
			allPassed = false
		}
		if err := env.Store.SetVersionQC(ctx, v.ProductVersionID, verdict); err != nil {
			return false, err
		}
	}
	return allPassed, nil
}

func binnedVersionOK(ctx context.Context, env *worker.Env, v *model.FileProductVersion, requestedCadenceDays float64) bool {
	path, err := env.Files.AbsolutePath(ctx, v)
	if err != nil {
		return false
	}
	lc, err := readLightcurve(path)
	if err != nil {
		return false
	}
	for i := 1; i < lc.length(); i++ {
		if lc.times[i] <= lc.times[i-1] {
			return false
		}
	}
	if requestedCadenceDays > 0 && lc.length() > 1 {
		mean := (lc.times[lc.length()-1] - lc.times[0]) / float64(lc.length()-1)
		if math.Abs(mean-requestedCadenceDays)/requestedCadenceDays > binCadenceTolerance {
			return false
		}
	}
	return true
}
