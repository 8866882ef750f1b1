// Copyright 2025 James Ross
package leaf

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/worker"
)

// IngestExternalLCs registers externally supplied lightcurve files as
// file products without computing anything. The source files are
// preserved in place (copied, not moved, into the repository), since
// they belong to whoever staged them.
func IngestExternalLCs(ctx context.Context, env *worker.Env, attempt *model.TaskExecutionAttempt, task *model.Task, description map[string]interface{}) error {
	raw, ok := description["paths"]
	if !ok {
		return fmt.Errorf("ingest_external_lcs requires a 'paths' list")
	}
	paths, ok := raw.([]interface{})
	if !ok {
		return fmt.Errorf("paths has incorrect type %T", raw)
	}

	ingested := 0
	for _, entry := range paths {
		sourcePath, ok := entry.(string)
		if !ok {
			return fmt.Errorf("path entry has incorrect type %T", entry)
		}
		filename := filepath.Base(sourcePath)

		product, err := env.Store.FindFileProductByPath(ctx, task.WorkingDirectory, filename)
		if err != nil {
			return err
		}
		if product == nil {
			now := time.Now()
			productID, err := env.Files.Register(ctx, &model.FileProduct{
				GeneratorTask: task.TaskID,
				Directory:     task.WorkingDirectory,
				Filename:      filename,
				SemanticType:  "lightcurve",
				PlannedTime:   &now,
			})
			if err != nil {
				return err
			}
			product = &model.FileProduct{ProductID: productID}
		}

		if _, err := env.Files.RegisterVersion(ctx, product.ProductID, attempt.AttemptID, sourcePath, true); err != nil {
			return err
		}
		ingested++
	}
	return setAttemptMetadata(ctx, env, attempt.AttemptID, "ingested_count", float64(ingested))
}
