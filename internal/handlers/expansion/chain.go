// Copyright 2025 James Ross
package expansion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/obs"
	"github.com/dcf21/eas-orchestrator/internal/worker"
)

// Chain materialises the subtasks of an execution_chain, in declared
// order. Each subtask descriptor is serialised verbatim into the
// child's task_description; its expressions are resolved again when the
// child itself runs, against the child's own metadata context. What IS
// resolved here is everything the chain needs to wire dependencies:
// task type, names, working directory, input products, metadata
// predecessors, and declared outputs.
func Chain(ctx context.Context, env *worker.Env, attempt *model.TaskExecutionAttempt, task *model.Task, description map[string]interface{}) error {
	list, ok, err := taskList(description, "task_list")
	if err != nil || !ok {
		return err
	}

	metadata, err := worker.GatherMetadata(ctx, env.Store, task)
	if err != nil {
		return err
	}

	// Lookup table of previously generated siblings, indexed by task
	// name, so later siblings can declare requires_metadata_from.
	previousTaskNames := map[string]int64{}

	for _, entry := range list {
		subtask, ok := entry.(map[string]interface{})
		if !ok {
			return fmt.Errorf("task descriptor has incorrect type %T", entry)
		}
		if _, ok := subtask["task"]; !ok {
			return fmt.Errorf("task descriptor has missing field 'task'")
		}

		subtaskType, err := evalField(subtask["task"], metadata)
		if err != nil {
			return err
		}

		jobName := task.JobName
		if raw, ok := subtask["job_name"]; ok {
			if jobName, err = evalField(raw, metadata); err != nil {
				return err
			}
		}

		taskName := ""
		if raw, ok := subtask["name"]; ok {
			if taskName, err = evalField(raw, metadata); err != nil {
				return err
			}
		}

		workingDirectory := task.WorkingDirectory
		if raw, ok := subtask["working_directory"]; ok {
			if workingDirectory, err = evalField(raw, metadata); err != nil {
				return err
			}
		}

		fileInputs, err := resolveInputs(ctx, env, subtask, workingDirectory, subtaskType, metadata)
		if err != nil {
			return err
		}

		metadataInputs, err := resolveMetadataInputs(subtask, previousTaskNames, metadata)
		if err != nil {
			return err
		}

		fileOutputs, err := resolveOutputs(ctx, env, subtask, workingDirectory, metadata)
		if err != nil {
			return err
		}

		descriptionJSON, err := json.Marshal(subtask)
		if err != nil {
			return err
		}

		childID, err := env.Store.CreateTask(ctx, &model.Task{
			ParentTask:       &task.TaskID,
			TaskType:         subtaskType,
			JobName:          jobName,
			TaskName:         taskName,
			WorkingDirectory: workingDirectory,
			CreatedTime:      time.Now(),
		})
		if err != nil {
			return err
		}
		if taskName != "" {
			previousTaskNames[taskName] = childID
		}

		if err := copyTaskMetadata(ctx, env, task.TaskID, childID); err != nil {
			return err
		}
		if err := upsertTaskMetadata(ctx, env, childID, "task_description", model.TextValue(string(descriptionJSON))); err != nil {
			return err
		}

		for _, in := range fileInputs {
			in.TaskID = childID
			if err := env.Store.AddFileInput(ctx, in); err != nil {
				return err
			}
		}
		for _, pred := range metadataInputs {
			if err := env.Store.AddMetadataInput(ctx, model.MetadataInput{TaskID: childID, PredecessorTask: pred}); err != nil {
				return err
			}
		}
		for _, out := range fileOutputs {
			out.GeneratorTask = childID
			if _, err := env.Files.Register(ctx, &out); err != nil {
				return err
			}
		}

		if err := env.Store.MarkTaskConfigured(ctx, childID); err != nil {
			return err
		}
		obs.TasksExpanded.WithLabelValues(subtaskType).Inc()
		env.Logf(ctx, attempt.AttemptID, "info", "materialised subtask %d <%s> name=%q", childID, subtaskType, taskName)
	}
	return nil
}

// resolveInputs maps each {semantic_type: filename} entry of the
// subtask's inputs to an existing FileProduct in the working directory.
func resolveInputs(ctx context.Context, env *worker.Env, subtask map[string]interface{}, workingDirectory, subtaskType string, metadata map[string]model.MetadataValue) ([]model.FileInput, error) {
	raw, ok := subtask["inputs"]
	if !ok {
		return nil, nil
	}
	inputs, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("inputs has incorrect type %T", raw)
	}
	var out []model.FileInput
	for semanticRaw, filenameRaw := range inputs {
		semanticType, err := evalField(semanticRaw, metadata)
		if err != nil {
			return nil, err
		}
		filename, err := evalField(filenameRaw, metadata)
		if err != nil {
			return nil, err
		}
		product, err := env.Store.FindFileProductByPath(ctx, workingDirectory, filename)
		if err != nil {
			return nil, err
		}
		if product == nil {
			return nil, &model.DependencyMissingError{
				Kind: "file_input",
				Name: fmt.Sprintf("task <%s> input <%s/%s>", subtaskType, workingDirectory, filename),
			}
		}
		out = append(out, model.FileInput{InputProductID: product.ProductID, SemanticType: semanticType})
	}
	return out, nil
}

// resolveMetadataInputs maps requires_metadata_from names to the task
// ids of earlier siblings in this chain.
func resolveMetadataInputs(subtask map[string]interface{}, previousTaskNames map[string]int64, metadata map[string]model.MetadataValue) ([]int64, error) {
	raw, ok := subtask["requires_metadata_from"]
	if !ok {
		return nil, nil
	}
	names, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("requires_metadata_from has incorrect type %T", raw)
	}
	var out []int64
	for _, nameRaw := range names {
		name, err := evalField(nameRaw, metadata)
		if err != nil {
			return nil, err
		}
		id, ok := previousTaskNames[name]
		if !ok {
			return nil, &model.DependencyMissingError{Kind: "metadata_input", Name: name}
		}
		out = append(out, id)
	}
	return out, nil
}

// resolveOutputs checks each declared output does not already exist and
// prepares a FileProduct row for it, so downstream siblings can declare
// it as an input before it is ever generated.
func resolveOutputs(ctx context.Context, env *worker.Env, subtask map[string]interface{}, workingDirectory string, metadata map[string]model.MetadataValue) ([]model.FileProduct, error) {
	raw, ok := subtask["outputs"]
	if !ok {
		return nil, nil
	}
	outputs, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("outputs has incorrect type %T", raw)
	}
	now := time.Now()
	var out []model.FileProduct
	for semanticRaw, filenameRaw := range outputs {
		semanticType, err := evalField(semanticRaw, metadata)
		if err != nil {
			return nil, err
		}
		filename, err := evalField(filenameRaw, metadata)
		if err != nil {
			return nil, err
		}
		existing, err := env.Store.FindFileProductByPath(ctx, workingDirectory, filename)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, &model.OutputCollisionError{Directory: workingDirectory, Filename: filename}
		}
		out = append(out, model.FileProduct{
			Directory:    workingDirectory,
			Filename:     filename,
			SemanticType: semanticType,
			PlannedTime:  &now,
		})
	}
	return out, nil
}
