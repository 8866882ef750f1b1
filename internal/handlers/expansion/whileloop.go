// Copyright 2025 James Ross
package expansion

import (
	"context"
	"fmt"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/worker"
)

// WhileLoop is the check-before-body counterpart of DoWhileLoop: the
// repeat criterion is evaluated on every invocation, including the
// first, so a criterion that is false up front runs the body zero
// times. Otherwise the materialisation is identical: body plus an
// appended copy of this loop task with the counter incremented.
func WhileLoop(ctx context.Context, env *worker.Env, attempt *model.TaskExecutionAttempt, task *model.Task, description map[string]interface{}) error {
	list, ok, err := taskList(description, "task_list")
	if err != nil || !ok {
		return err
	}

	iterationName, ok := description["iteration_name"].(string)
	if !ok {
		return fmt.Errorf("while loop requires a string 'iteration_name' field")
	}
	counterName := iterationName + "_index"

	metadata, err := worker.GatherMetadata(ctx, env.Store, task)
	if err != nil {
		return err
	}
	counter := 0.0
	if v, ok := metadata[counterName]; ok {
		if f, ok := v.Float64(); ok {
			counter = f
		}
	}

	repeat, err := evalCriterion(description, metadata)
	if err != nil {
		return err
	}
	if !repeat {
		env.Logf(ctx, attempt.AttemptID, "info", "while loop completed after iteration %d", int(counter))
		return nil
	}

	body := append([]interface{}{}, list...)
	body = append(body, map[string]interface{}{
		"task":                         "execution_while_loop",
		"iteration_name":               iterationName,
		"requires_metadata_from":       description["requires_metadata_from_child"],
		"requires_metadata_from_child": description["requires_metadata_from_child"],
		"repeat_criterion":             description["repeat_criterion"],
		"task_list":                    list,
	})

	extra := map[string]model.MetadataValue{counterName: model.NumberValue(counter + 1)}
	childID, err := materialiseChain(ctx, env, task, body, extra)
	if err != nil {
		return err
	}
	env.Logf(ctx, attempt.AttemptID, "info", "while loop iteration %d materialised chain %d", int(counter)+1, childID)
	return nil
}
