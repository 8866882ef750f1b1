// Copyright 2025 James Ross
package expansion

import (
	"context"
	"fmt"
	"math"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/worker"
)

// ForLoop materialises one child chain per parameter value. The loop
// variable is bound into each child's metadata under the declared name,
// alongside a zero-based {name}_index counter.
func ForLoop(ctx context.Context, env *worker.Env, attempt *model.TaskExecutionAttempt, task *model.Task, description map[string]interface{}) error {
	list, ok, err := taskList(description, "task_list")
	if err != nil || !ok {
		return err
	}

	name, ok := description["name"].(string)
	if !ok {
		return fmt.Errorf("for loop requires a string 'name' field")
	}

	values, err := loopValues(description)
	if err != nil {
		return err
	}

	for i, value := range values {
		extra := map[string]model.MetadataValue{
			name:            metadataValueOf(value),
			name + "_index": model.NumberValue(float64(i)),
		}
		childID, err := materialiseChain(ctx, env, task, list, extra)
		if err != nil {
			return err
		}
		env.Logf(ctx, attempt.AttemptID, "info", "for loop iteration %d: %s=%v, chain %d", i, name, value, childID)
	}
	return nil
}

// loopValues reads the iteration values from whichever of values /
// linear_range / log_range the description supplies.
func loopValues(description map[string]interface{}) ([]interface{}, error) {
	if raw, ok := description["values"]; ok {
		values, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("values has incorrect type %T", raw)
		}
		return values, nil
	}
	if raw, ok := description["linear_range"]; ok {
		min, max, count, err := rangeSpec(raw)
		if err != nil {
			return nil, err
		}
		return linspace(min, max, count), nil
	}
	if raw, ok := description["log_range"]; ok {
		min, max, count, err := rangeSpec(raw)
		if err != nil {
			return nil, err
		}
		if min <= 0 || max <= 0 {
			return nil, fmt.Errorf("log_range bounds must be positive")
		}
		out := linspace(math.Log10(min), math.Log10(max), count)
		for i, v := range out {
			out[i] = math.Pow(10, v.(float64))
		}
		return out, nil
	}
	return nil, fmt.Errorf("iteration values should be specified as either <values>, <linear_range> or <log_range>")
}

func rangeSpec(raw interface{}) (min, max float64, count int, err error) {
	spec, ok := raw.([]interface{})
	if !ok || len(spec) != 3 {
		return 0, 0, 0, fmt.Errorf("range must be [min, max, count]")
	}
	nums := make([]float64, 3)
	for i, v := range spec {
		f, ok := v.(float64)
		if !ok {
			return 0, 0, 0, fmt.Errorf("range element %d has incorrect type %T", i, v)
		}
		nums[i] = f
	}
	count = int(nums[2])
	if count < 1 {
		return 0, 0, 0, fmt.Errorf("range count must be >= 1")
	}
	return nums[0], nums[1], count, nil
}

func linspace(min, max float64, count int) []interface{} {
	out := make([]interface{}, count)
	if count == 1 {
		out[0] = min
		return out
	}
	step := (max - min) / float64(count-1)
	for i := range out {
		out[i] = min + step*float64(i)
	}
	return out
}
