// Copyright 2025 James Ross

// Package expansion implements the control-flow task types. From the
// worker's perspective these are ordinary leaf handlers; their only
// side-effect is to materialise child tasks in the Store, declare the
// children's file and metadata dependencies, and mark them fully
// configured. The Scheduler takes over from there.
package expansion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dcf21/eas-orchestrator/internal/expr"
	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/obs"
	"github.com/dcf21/eas-orchestrator/internal/worker"
)

// Register installs all control-flow handlers into the dispatch table.
// None of them has a bespoke QC pass: expansion produces no file
// versions, so DefaultQC reduces to "handler completed".
func Register(reg *worker.Registry) {
	reg.Register("execution_chain", Chain, nil)
	reg.Register("execution_conditional", Conditional, nil)
	reg.Register("execution_for_loop", ForLoop, nil)
	reg.Register("execution_while_loop", WhileLoop, nil)
	reg.Register("execution_do_while_loop", DoWhileLoop, nil)
}

// taskList extracts and type-checks a description's task_list. A
// missing list is not an error: the source pipeline treats an empty
// control-flow construct as a no-op.
func taskList(description map[string]interface{}, key string) ([]interface{}, bool, error) {
	raw, ok := description[key]
	if !ok {
		return nil, false, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, false, fmt.Errorf("%s has incorrect type %T", key, raw)
	}
	return list, true, nil
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case nil:
		return false
	default:
		return true
	}
}

// materialiseChain creates one child execution_chain task under parent,
// carrying the parent's task metadata plus extra bindings, with
// task_description = {"task_list": body}. The child has no file or
// metadata dependencies of its own, so it is marked fully configured in
// the same operation and becomes schedulable immediately.
func materialiseChain(ctx context.Context, env *worker.Env, parent *model.Task, body []interface{}, extra map[string]model.MetadataValue) (int64, error) {
	description, err := json.Marshal(map[string]interface{}{"task_list": body})
	if err != nil {
		return 0, err
	}

	childID, err := env.Store.CreateTask(ctx, &model.Task{
		ParentTask:       &parent.TaskID,
		TaskType:         "execution_chain",
		JobName:          parent.JobName,
		WorkingDirectory: parent.WorkingDirectory,
		CreatedTime:      time.Now(),
	})
	if err != nil {
		return 0, err
	}

	if err := copyTaskMetadata(ctx, env, parent.TaskID, childID); err != nil {
		return 0, err
	}
	for k, v := range extra {
		if err := upsertTaskMetadata(ctx, env, childID, k, v); err != nil {
			return 0, err
		}
	}
	if err := upsertTaskMetadata(ctx, env, childID, "task_description", model.TextValue(string(description))); err != nil {
		return 0, err
	}

	if err := env.Store.MarkTaskConfigured(ctx, childID); err != nil {
		return 0, err
	}
	obs.TasksExpanded.WithLabelValues("execution_chain").Inc()
	return childID, nil
}

// copyTaskMetadata propagates a parent task's metadata to a child, the
// way the source pipeline spreads **task.metadata into each subtask.
// task_description is skipped; the child gets its own.
func copyTaskMetadata(ctx context.Context, env *worker.Env, fromTask, toTask int64) error {
	metadata, err := env.Store.GetMetadata(ctx, model.ScopeTask, fromTask)
	if err != nil {
		return err
	}
	for k, v := range metadata {
		if k == "task_description" {
			continue
		}
		if err := upsertTaskMetadata(ctx, env, toTask, k, v); err != nil {
			return err
		}
	}
	return nil
}

func upsertTaskMetadata(ctx context.Context, env *worker.Env, taskID int64, keyword string, value model.MetadataValue) error {
	return env.Store.UpsertMetadata(ctx, model.MetadataItem{
		Scope:     model.ScopeTask,
		ScopeID:   taskID,
		Keyword:   keyword,
		Value:     value,
		Timestamp: time.Now(),
	})
}

// metadataValueOf converts an evaluated expression result into the
// tagged metadata form.
func metadataValueOf(v interface{}) model.MetadataValue {
	switch t := v.(type) {
	case float64:
		return model.NumberValue(t)
	case int:
		return model.NumberValue(float64(t))
	case bool:
		if t {
			return model.NumberValue(1)
		}
		return model.NumberValue(0)
	case string:
		return model.NewMetadataValue(t)
	default:
		return model.TextValue(fmt.Sprintf("%v", t))
	}
}

// evalField resolves one raw scalar from an unevaluated (opaque)
// subtask descriptor against the given metadata context, expecting a
// string result.
func evalField(raw interface{}, metadata map[string]model.MetadataValue) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("expected string field, got %T", raw)
	}
	v, err := expr.EvaluateExpression(s, metadata)
	if err != nil {
		return "", err
	}
	out, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q evaluated to %T, expected string", s, v)
	}
	return out, nil
}
