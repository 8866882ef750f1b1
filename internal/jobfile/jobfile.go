// Copyright 2025 James Ross

// Package jobfile turns a user's job description file into a root task.
// The file is JSON or YAML describing an execution_chain; it is parsed
// only far enough to validate its shape, then re-serialised as JSON
// into the root task's task_description metadata, where the expansion
// handler picks it up.
package jobfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/store"
)

// Submit reads the job file at path and inserts a single root
// execution_chain task, fully configured and ready for the scheduler.
// Returns the new task id.
func Submit(ctx context.Context, st store.Store, path, jobName string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read job file: %w", err)
	}
	return SubmitBytes(ctx, st, data, jobName)
}

// SubmitBytes is Submit without the file read, for callers that already
// hold the description.
func SubmitBytes(ctx context.Context, st store.Store, data []byte, jobName string) (int64, error) {
	description, err := decode(data)
	if err != nil {
		return 0, err
	}
	if _, ok := description["task_list"]; !ok {
		return 0, fmt.Errorf("job description has no task_list")
	}

	workingDirectory := ""
	if wd, ok := description["working_directory"].(string); ok {
		workingDirectory = wd
	}
	if jobName == "" {
		if jn, ok := description["job_name"].(string); ok {
			jobName = jn
		}
	}

	// Stored canonically as JSON regardless of the submitted syntax.
	canonical, err := json.Marshal(description)
	if err != nil {
		return 0, err
	}

	taskID, err := st.CreateTask(ctx, &model.Task{
		TaskType:         "execution_chain",
		JobName:          jobName,
		WorkingDirectory: workingDirectory,
		CreatedTime:      time.Now(),
	})
	if err != nil {
		return 0, err
	}
	if err := st.UpsertMetadata(ctx, model.MetadataItem{
		Scope:     model.ScopeTask,
		ScopeID:   taskID,
		Keyword:   "task_description",
		Value:     model.TextValue(string(canonical)),
		Timestamp: time.Now(),
	}); err != nil {
		return 0, err
	}
	// A submission-wide id every descendant task inherits, so runs of
	// the same job file stay distinguishable in diagnostics.
	if err := st.UpsertMetadata(ctx, model.MetadataItem{
		Scope:     model.ScopeTask,
		ScopeID:   taskID,
		Keyword:   "job_uuid",
		Value:     model.TextValue(uuid.NewString()),
		Timestamp: time.Now(),
	}); err != nil {
		return 0, err
	}
	if err := st.MarkTaskConfigured(ctx, taskID); err != nil {
		return 0, err
	}
	return taskID, nil
}

// decode accepts JSON first (the common case) and falls back to YAML.
// yaml.v3 decodes map keys as interface{}, so the tree is normalised to
// map[string]interface{} throughout, matching what encoding/json
// produces and what the expression evaluator walks.
func decode(data []byte) (map[string]interface{}, error) {
	var viaJSON map[string]interface{}
	if err := json.Unmarshal(data, &viaJSON); err == nil {
		return viaJSON, nil
	}
	var viaYAML map[string]interface{}
	if err := yaml.Unmarshal(data, &viaYAML); err != nil {
		return nil, fmt.Errorf("job description is neither valid JSON nor YAML: %w", err)
	}
	normalised, err := normalise(viaYAML)
	if err != nil {
		return nil, err
	}
	return normalised.(map[string]interface{}), nil
}

// normalise rewrites a YAML-decoded tree into the JSON-shaped form:
// string-keyed maps and float64 numbers.
func normalise(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			nv, err := normalise(val)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string map key %v", k)
			}
			nv, err := normalise(val)
			if err != nil {
				return nil, err
			}
			out[ks] = nv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			nv, err := normalise(val)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	default:
		return v, nil
	}
}
