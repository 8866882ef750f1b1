// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dcf21/eas-orchestrator/internal/model"
)

// Dump reads every table into a Snapshot, in dependency order, for the
// store-dump CLI operation. There being no dump format mandated upstream,
// this mirrors the table layout directly so Restore can replay it with a
// single pass of inserts (see DESIGN.md).
func (s *sqlStore) Dump(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Resources: map[string][]model.ContainerResources{}}

	ttRows, err := s.q.QueryContext(ctx, `SELECT task_type_name FROM task_types ORDER BY task_type_name`)
	if err != nil {
		return nil, wrap("dump task types", err)
	}
	var names []string
	for ttRows.Next() {
		var name string
		if err := ttRows.Scan(&name); err != nil {
			ttRows.Close()
			return nil, wrap("dump task types", err)
		}
		names = append(names, name)
	}
	ttRows.Close()
	for _, name := range names {
		tt, resources, err := s.GetTaskType(ctx, name)
		if err != nil {
			return nil, err
		}
		if tt != nil {
			snap.TaskTypes = append(snap.TaskTypes, *tt)
			snap.Resources[name] = resources
		}
	}

	hostRows, err := s.q.QueryContext(ctx, `SELECT host_id, hostname FROM worker_hosts ORDER BY host_id`)
	if err != nil {
		return nil, wrap("dump hosts", err)
	}
	for hostRows.Next() {
		var h model.WorkerHost
		if err := hostRows.Scan(&h.HostID, &h.Hostname); err != nil {
			hostRows.Close()
			return nil, wrap("dump hosts", err)
		}
		snap.Hosts = append(snap.Hosts, h)
	}
	hostRows.Close()

	taskRows, err := s.q.QueryContext(ctx, `SELECT task_id, parent_task, task_type, job_name, task_name, working_directory, created_time, fully_configured FROM tasks ORDER BY task_id`)
	if err != nil {
		return nil, wrap("dump tasks", err)
	}
	for taskRows.Next() {
		var t model.Task
		var parent sql.NullInt64
		if err := taskRows.Scan(&t.TaskID, &parent, &t.TaskType, &t.JobName, &t.TaskName, &t.WorkingDirectory, &t.CreatedTime, &t.FullyConfigured); err != nil {
			taskRows.Close()
			return nil, wrap("dump tasks", err)
		}
		if parent.Valid {
			t.ParentTask = &parent.Int64
		}
		snap.Tasks = append(snap.Tasks, t)
	}
	taskRows.Close()

	fiRows, err := s.q.QueryContext(ctx, `SELECT task_id, input_product_id, semantic_type FROM task_file_inputs ORDER BY task_id`)
	if err != nil {
		return nil, wrap("dump file inputs", err)
	}
	for fiRows.Next() {
		var f model.FileInput
		if err := fiRows.Scan(&f.TaskID, &f.InputProductID, &f.SemanticType); err != nil {
			fiRows.Close()
			return nil, wrap("dump file inputs", err)
		}
		snap.FileInputs = append(snap.FileInputs, f)
	}
	fiRows.Close()

	miRows, err := s.q.QueryContext(ctx, `SELECT task_id, predecessor_task FROM task_metadata_inputs ORDER BY task_id`)
	if err != nil {
		return nil, wrap("dump metadata inputs", err)
	}
	for miRows.Next() {
		var m model.MetadataInput
		if err := miRows.Scan(&m.TaskID, &m.PredecessorTask); err != nil {
			miRows.Close()
			return nil, wrap("dump metadata inputs", err)
		}
		snap.MetaInputs = append(snap.MetaInputs, m)
	}
	miRows.Close()

	attRows, err := s.q.QueryContext(ctx, `SELECT `+attemptColumns+` FROM attempts ORDER BY attempt_id`)
	if err != nil {
		return nil, wrap("dump attempts", err)
	}
	for attRows.Next() {
		a, err := s.scanAttemptRow(attRows.Scan)
		if err != nil {
			attRows.Close()
			return nil, wrap("dump attempts", err)
		}
		snap.Attempts = append(snap.Attempts, *a)
	}
	attRows.Close()

	prodRows, err := s.q.QueryContext(ctx, `SELECT `+productColumns+` FROM file_products WHERE NOT deleted ORDER BY product_id`)
	if err != nil {
		return nil, wrap("dump products", err)
	}
	for prodRows.Next() {
		p, err := s.scanProduct(prodRows.Scan)
		if err != nil {
			prodRows.Close()
			return nil, wrap("dump products", err)
		}
		snap.Products = append(snap.Products, *p)
	}
	prodRows.Close()

	verRows, err := s.q.QueryContext(ctx, `SELECT `+versionColumns+` FROM file_product_versions ORDER BY product_version_id`)
	if err != nil {
		return nil, wrap("dump versions", err)
	}
	for verRows.Next() {
		v, err := s.scanVersion(verRows.Scan)
		if err != nil {
			verRows.Close()
			return nil, wrap("dump versions", err)
		}
		snap.Versions = append(snap.Versions, *v)
	}
	verRows.Close()

	metaRows, err := s.q.QueryContext(ctx, `SELECT m.scope, m.scope_id, k.keyword, m.value_number, m.value_text, m.timestamp
		FROM metadata_items m JOIN metadata_keywords k ON k.keyword_id = m.keyword_id ORDER BY m.metadata_id`)
	if err != nil {
		return nil, wrap("dump metadata", err)
	}
	for metaRows.Next() {
		var item model.MetadataItem
		var num sql.NullFloat64
		var text sql.NullString
		if err := metaRows.Scan(&item.Scope, &item.ScopeID, &item.Keyword, &num, &text, &item.Timestamp); err != nil {
			metaRows.Close()
			return nil, wrap("dump metadata", err)
		}
		if num.Valid {
			item.Value = model.NumberValue(num.Float64)
		} else {
			item.Value = model.TextValue(text.String)
		}
		snap.Metadata = append(snap.Metadata, item)
	}
	metaRows.Close()

	logRows, err := s.q.QueryContext(ctx, `SELECT log_id, attempt_id, timestamp, severity, message FROM log_messages ORDER BY log_id`)
	if err != nil {
		return nil, wrap("dump logs", err)
	}
	for logRows.Next() {
		var m model.LogMessage
		var attempt sql.NullInt64
		if err := logRows.Scan(&m.LogID, &attempt, &m.Timestamp, &m.Severity, &m.Message); err != nil {
			logRows.Close()
			return nil, wrap("dump logs", err)
		}
		if attempt.Valid {
			m.AttemptID = &attempt.Int64
		}
		snap.Logs = append(snap.Logs, m)
	}
	logRows.Close()

	return snap, nil
}

// Restore replays a Snapshot into an empty, already-initialised schema,
// preserving the original integer ids (so that task/attempt/product
// cross-references captured in the dump remain valid). Tables are
// inserted in dependency order: task types before tasks, tasks before
// attempts and file inputs, products before versions, everything before
// metadata and logs. The whole replay is one transaction: a failed
// restore leaves the target store untouched.
func (s *sqlStore) Restore(ctx context.Context, snap *Snapshot) error {
	return s.WithTx(ctx, func(st Store) error {
		scoped := st.(*sqlStore)
		for _, tt := range snap.TaskTypes {
			if err := scoped.RegisterTaskType(ctx, tt, snap.Resources[tt.Name]); err != nil {
				return err
			}
		}
		for _, h := range snap.Hosts {
			q := fmt.Sprintf(`INSERT INTO worker_hosts (host_id, hostname) VALUES (%s)`, scoped.phList(2))
			if _, err := scoped.q.ExecContext(ctx, q, h.HostID, h.Hostname); err != nil {
				return wrap("restore host", err)
			}
		}
		for _, t := range snap.Tasks {
			q := fmt.Sprintf(`INSERT INTO tasks (task_id, parent_task, task_type, job_name, task_name, working_directory, created_time, fully_configured)
				VALUES (%s)`, scoped.phList(8))
			if _, err := scoped.q.ExecContext(ctx, q, t.TaskID, t.ParentTask, t.TaskType, t.JobName, t.TaskName, t.WorkingDirectory, t.CreatedTime, t.FullyConfigured); err != nil {
				return wrap("restore task", err)
			}
		}
		for _, f := range snap.FileInputs {
			if err := scoped.AddFileInput(ctx, f); err != nil {
				return err
			}
		}
		for _, m := range snap.MetaInputs {
			if err := scoped.AddMetadataInput(ctx, m); err != nil {
				return err
			}
		}
		for _, a := range snap.Attempts {
			q := fmt.Sprintf(`INSERT INTO attempts (attempt_id, task_id, state, error_fail, error_text, all_products_passed_qc,
				queued_time, start_time, end_time, latest_heartbeat, run_time_wall_clock, run_time_cpu, run_time_cpu_inc_children, host_id)
				VALUES (%s)`, scoped.phList(14))
			if _, err := scoped.q.ExecContext(ctx, q, a.AttemptID, a.TaskID, string(a.State), a.ErrorFail, a.ErrorText, a.AllProductsPassedQC,
				a.QueuedTime, a.StartTime, a.EndTime, a.LatestHeartbeat, a.RunTimeWallClock, a.RunTimeCPU, a.RunTimeCPUIncChildren, a.HostID); err != nil {
				return wrap("restore attempt", err)
			}
		}
		for _, p := range snap.Products {
			q := fmt.Sprintf(`INSERT INTO file_products (product_id, generator_task, directory, filename, semantic_type, mime_type, planned_time)
				VALUES (%s)`, scoped.phList(7))
			if _, err := scoped.q.ExecContext(ctx, q, p.ProductID, p.GeneratorTask, p.Directory, p.Filename, p.SemanticType, p.MimeType, p.PlannedTime); err != nil {
				return wrap("restore product", err)
			}
		}
		for _, v := range snap.Versions {
			q := fmt.Sprintf(`INSERT INTO file_product_versions
				(product_version_id, product_id, generated_by_task_execution, repository_id, created_time, modified_time, file_md5, file_size, passed_qc)
				VALUES (%s)`, scoped.phList(9))
			if _, err := scoped.q.ExecContext(ctx, q, v.ProductVersionID, v.ProductID, v.GeneratedByTaskExecution, v.RepositoryID,
				v.CreatedTime, v.ModifiedTime, v.FileMD5, v.FileSize, int(v.PassedQC)); err != nil {
				return wrap("restore version", err)
			}
		}
		for _, item := range snap.Metadata {
			if err := scoped.UpsertMetadata(ctx, item); err != nil {
				return err
			}
		}
		for _, m := range snap.Logs {
			if err := scoped.AppendLog(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
}
