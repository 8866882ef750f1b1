// Copyright 2025 James Ross
package expansion

import (
	"context"
	"fmt"

	"github.com/dcf21/eas-orchestrator/internal/expr"
	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/worker"
)

// DoWhileLoop runs its body at least once; the exit test runs AFTER the
// body on iterations >= 1. Each invocation materialises a child chain
// consisting of the loop body plus an appended copy of this same loop
// task with the iteration counter incremented, so the chain handler
// wires the appended loop task to wait on the body's metadata before
// the criterion is re-evaluated. The task tree therefore grows by one
// level per iteration, matching the source pipeline's shape.
func DoWhileLoop(ctx context.Context, env *worker.Env, attempt *model.TaskExecutionAttempt, task *model.Task, description map[string]interface{}) error {
	list, ok, err := taskList(description, "task_list")
	if err != nil || !ok {
		return err
	}

	iterationName, ok := description["iteration_name"].(string)
	if !ok {
		return fmt.Errorf("do while loop requires a string 'iteration_name' field")
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

	// The criterion stays opaque through description evaluation; it is
	// resolved here, and only once the loop body has run at least once,
	// because it typically reads metadata the body's children produce.
	if counter > 0 {
		repeat, err := evalCriterion(description, metadata)
		if err != nil {
			return err
		}
		if !repeat {
			env.Logf(ctx, attempt.AttemptID, "info", "do loop completed after iteration %d", int(counter))
			return nil
		}
		env.Logf(ctx, attempt.AttemptID, "info", "do loop continuing after iteration %d", int(counter))
	} else {
		env.Logf(ctx, attempt.AttemptID, "info", "entering do loop for the first time")
	}

	body := append([]interface{}{}, list...)
	body = append(body, map[string]interface{}{
		"task":                         "execution_do_while_loop",
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
	env.Logf(ctx, attempt.AttemptID, "info", "do loop iteration %d materialised chain %d", int(counter)+1, childID)
	return nil
}

func evalCriterion(description map[string]interface{}, metadata map[string]model.MetadataValue) (bool, error) {
	raw, ok := description["repeat_criterion"].(string)
	if !ok {
		return false, fmt.Errorf("repeat_criterion must be an expression string, got %T", description["repeat_criterion"])
	}
	v, err := expr.EvaluateExpression(raw, metadata)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}
