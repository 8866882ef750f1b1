// Copyright 2025 James Ross
package expansion

import (
	"context"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/worker"
)

// Conditional evaluates its criterion (already resolved by the time the
// description reaches the handler) and materialises a single child
// chain from the selected branch. A missing branch is a no-op, so a
// conditional without task_list_else simply does nothing when false.
func Conditional(ctx context.Context, env *worker.Env, attempt *model.TaskExecutionAttempt, task *model.Task, description map[string]interface{}) error {
	branch := "task_list"
	if !truthy(description["criterion"]) {
		branch = "task_list_else"
	}

	list, ok, err := taskList(description, branch)
	if err != nil || !ok {
		return err
	}

	childID, err := materialiseChain(ctx, env, task, list, nil)
	if err != nil {
		return err
	}
	env.Logf(ctx, attempt.AttemptID, "info", "conditional selected %s, materialised chain %d", branch, childID)
	return nil
}
