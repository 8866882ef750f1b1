// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dcf21/eas-orchestrator/internal/model"
)

// queryer is the slice of database/sql shared by *sql.DB and *sql.Tx,
// so every query below runs identically in autocommit and inside a
// transaction scope.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqlStore is the shared database/sql-backed implementation used by
// both PostgresStore and SQLiteStore. The two differ only in driver
// name, DSN handling, and placeholder/identity syntax; every query
// below is written against a dialect so the rest of the logic is
// exercised identically by both backends' tests.
//
// q is the handle queries run on: the pool itself in autocommit, or the
// open *sql.Tx inside a WithTx scope.
type sqlStore struct {
	db            *sql.DB
	q             queryer
	autoincrement string
	numberedArgs  bool // true for $1,$2,... (Postgres); false for ? (SQLite)
}

// WithTx runs fn against a transaction-scoped view of the store: every
// Store call fn makes on its argument lands in one sql.Tx, committed
// when fn returns nil and rolled back when it errors. Calls made inside
// an existing WithTx scope join that scope rather than nesting. The
// scoped Store must not be retained after fn returns, and Close/WithTx
// on it are no-ops over the same underlying pool.
func (s *sqlStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin tx", err)
	}
	scoped := *s
	scoped.q = tx
	if err := fn(&scoped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return wrap("commit tx", tx.Commit())
}

func (s *sqlStore) ph(n int) string {
	if s.numberedArgs {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// phList returns a comma-joined placeholder list starting at 1.
func (s *sqlStore) phList(count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = s.ph(i + 1)
	}
	return strings.Join(parts, ", ")
}

func (s *sqlStore) Init(ctx context.Context) error {
	return s.WithTx(ctx, func(st Store) error {
		scoped := st.(*sqlStore)
		schema := RenderSchema(s.autoincrement)
		for _, stmt := range strings.Split(schema, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := scoped.q.ExecContext(ctx, stmt); err != nil {
				return &model.StoreError{Op: "init schema", Cause: err}
			}
		}
		return nil
	})
}

func (s *sqlStore) Close() error { return s.db.Close() }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &model.StoreError{Op: op, Cause: err}
}

// insertReturningID runs an INSERT and reports the generated id. lib/pq
// does not implement sql.Result.LastInsertId, so Postgres inserts are
// given a RETURNING clause and read back via QueryRow; SQLite uses the
// ordinary Exec/LastInsertId path.
func (s *sqlStore) insertReturningID(ctx context.Context, query, idColumn string, args ...interface{}) (int64, error) {
	if s.numberedArgs {
		var id int64
		err := s.q.QueryRowContext(ctx, query+" RETURNING "+idColumn, args...).Scan(&id)
		return id, err
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// --- tasks ---

func (s *sqlStore) CreateTask(ctx context.Context, t *model.Task) (int64, error) {
	q := fmt.Sprintf(`INSERT INTO tasks (parent_task, task_type, job_name, task_name, working_directory, created_time, fully_configured)
		VALUES (%s)`, s.phList(7))
	id, err := s.insertReturningID(ctx, q, "task_id", t.ParentTask, t.TaskType, t.JobName, t.TaskName, t.WorkingDirectory, t.CreatedTime, t.FullyConfigured)
	return id, wrap("create task", err)
}

func (s *sqlStore) scanTask(row *sql.Row) (*model.Task, error) {
	var t model.Task
	var parent sql.NullInt64
	if err := row.Scan(&t.TaskID, &parent, &t.TaskType, &t.JobName, &t.TaskName, &t.WorkingDirectory, &t.CreatedTime, &t.FullyConfigured); err != nil {
		return nil, err
	}
	if parent.Valid {
		t.ParentTask = &parent.Int64
	}
	return &t, nil
}

func (s *sqlStore) GetTask(ctx context.Context, taskID int64) (*model.Task, error) {
	q := fmt.Sprintf(`SELECT task_id, parent_task, task_type, job_name, task_name, working_directory, created_time, fully_configured
		FROM tasks WHERE task_id = %s`, s.ph(1))
	t, err := s.scanTask(s.q.QueryRowContext(ctx, q, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get task", err)
	}
	return t, nil
}

func (s *sqlStore) ListChildTasks(ctx context.Context, parentTaskID int64) ([]*model.Task, error) {
	q := fmt.Sprintf(`SELECT task_id, parent_task, task_type, job_name, task_name, working_directory, created_time, fully_configured
		FROM tasks WHERE parent_task = %s ORDER BY task_id ASC`, s.ph(1))
	rows, err := s.q.QueryContext(ctx, q, parentTaskID)
	if err != nil {
		return nil, wrap("list child tasks", err)
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		var t model.Task
		var parent sql.NullInt64
		if err := rows.Scan(&t.TaskID, &parent, &t.TaskType, &t.JobName, &t.TaskName, &t.WorkingDirectory, &t.CreatedTime, &t.FullyConfigured); err != nil {
			return nil, wrap("list child tasks", err)
		}
		if parent.Valid {
			t.ParentTask = &parent.Int64
		}
		out = append(out, &t)
	}
	return out, wrap("list child tasks", rows.Err())
}

func (s *sqlStore) ListTasksByType(ctx context.Context, taskType string) ([]*model.Task, error) {
	q := fmt.Sprintf(`SELECT task_id, parent_task, task_type, job_name, task_name, working_directory, created_time, fully_configured
		FROM tasks WHERE task_type = %s ORDER BY task_id ASC`, s.ph(1))
	rows, err := s.q.QueryContext(ctx, q, taskType)
	if err != nil {
		return nil, wrap("list tasks by type", err)
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		var t model.Task
		var parent sql.NullInt64
		if err := rows.Scan(&t.TaskID, &parent, &t.TaskType, &t.JobName, &t.TaskName, &t.WorkingDirectory, &t.CreatedTime, &t.FullyConfigured); err != nil {
			return nil, wrap("list tasks by type", err)
		}
		if parent.Valid {
			t.ParentTask = &parent.Int64
		}
		out = append(out, &t)
	}
	return out, wrap("list tasks by type", rows.Err())
}

// ListRootTasks returns every task with no parent, task_id ascending.
func (s *sqlStore) ListRootTasks(ctx context.Context) ([]*model.Task, error) {
	q := `SELECT task_id, parent_task, task_type, job_name, task_name, working_directory, created_time, fully_configured
		FROM tasks WHERE parent_task IS NULL ORDER BY task_id ASC`
	return s.queryTasks(ctx, "list root tasks", q)
}

// ListAllTasks returns the whole task table, task_id ascending; used by
// the diagnostics views, which assemble the tree in memory.
func (s *sqlStore) ListAllTasks(ctx context.Context) ([]*model.Task, error) {
	q := `SELECT task_id, parent_task, task_type, job_name, task_name, working_directory, created_time, fully_configured
		FROM tasks ORDER BY task_id ASC`
	return s.queryTasks(ctx, "list all tasks", q)
}

func (s *sqlStore) queryTasks(ctx context.Context, op, q string, args ...interface{}) ([]*model.Task, error) {
	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		var t model.Task
		var parent sql.NullInt64
		if err := rows.Scan(&t.TaskID, &parent, &t.TaskType, &t.JobName, &t.TaskName, &t.WorkingDirectory, &t.CreatedTime, &t.FullyConfigured); err != nil {
			return nil, wrap(op, err)
		}
		if parent.Valid {
			t.ParentTask = &parent.Int64
		}
		out = append(out, &t)
	}
	return out, wrap(op, rows.Err())
}

// ListFullyConfiguredTasks returns every task ready for eligibility
// scanning, ordered by task_id ascending so older tasks drain first
// (spec.md §4.5's fairness rule).
func (s *sqlStore) ListFullyConfiguredTasks(ctx context.Context) ([]*model.Task, error) {
	q := `SELECT task_id, parent_task, task_type, job_name, task_name, working_directory, created_time, fully_configured
		FROM tasks WHERE fully_configured ORDER BY task_id ASC`
	rows, err := s.q.QueryContext(ctx, q)
	if err != nil {
		return nil, wrap("list fully configured tasks", err)
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		var t model.Task
		var parent sql.NullInt64
		if err := rows.Scan(&t.TaskID, &parent, &t.TaskType, &t.JobName, &t.TaskName, &t.WorkingDirectory, &t.CreatedTime, &t.FullyConfigured); err != nil {
			return nil, wrap("list fully configured tasks", err)
		}
		if parent.Valid {
			t.ParentTask = &parent.Int64
		}
		out = append(out, &t)
	}
	return out, wrap("list fully configured tasks", rows.Err())
}

func (s *sqlStore) MarkTaskConfigured(ctx context.Context, taskID int64) error {
	q := fmt.Sprintf(`UPDATE tasks SET fully_configured = TRUE WHERE task_id = %s`, s.ph(1))
	_, err := s.q.ExecContext(ctx, q, taskID)
	return wrap("mark task configured", err)
}

func (s *sqlStore) AddFileInput(ctx context.Context, in model.FileInput) error {
	q := fmt.Sprintf(`INSERT INTO task_file_inputs (task_id, input_product_id, semantic_type) VALUES (%s)`, s.phList(3))
	_, err := s.q.ExecContext(ctx, q, in.TaskID, in.InputProductID, in.SemanticType)
	return wrap("add file input", err)
}

func (s *sqlStore) AddMetadataInput(ctx context.Context, in model.MetadataInput) error {
	q := fmt.Sprintf(`INSERT INTO task_metadata_inputs (task_id, predecessor_task) VALUES (%s)`, s.phList(2))
	_, err := s.q.ExecContext(ctx, q, in.TaskID, in.PredecessorTask)
	return wrap("add metadata input", err)
}

func (s *sqlStore) ListFileInputs(ctx context.Context, taskID int64) ([]model.FileInput, error) {
	q := fmt.Sprintf(`SELECT task_id, input_product_id, semantic_type FROM task_file_inputs WHERE task_id = %s`, s.ph(1))
	rows, err := s.q.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, wrap("list file inputs", err)
	}
	defer rows.Close()
	var out []model.FileInput
	for rows.Next() {
		var f model.FileInput
		if err := rows.Scan(&f.TaskID, &f.InputProductID, &f.SemanticType); err != nil {
			return nil, wrap("list file inputs", err)
		}
		out = append(out, f)
	}
	return out, wrap("list file inputs", rows.Err())
}

func (s *sqlStore) ListMetadataInputs(ctx context.Context, taskID int64) ([]model.MetadataInput, error) {
	q := fmt.Sprintf(`SELECT task_id, predecessor_task FROM task_metadata_inputs WHERE task_id = %s`, s.ph(1))
	rows, err := s.q.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, wrap("list metadata inputs", err)
	}
	defer rows.Close()
	var out []model.MetadataInput
	for rows.Next() {
		var m model.MetadataInput
		if err := rows.Scan(&m.TaskID, &m.PredecessorTask); err != nil {
			return nil, wrap("list metadata inputs", err)
		}
		out = append(out, m)
	}
	return out, wrap("list metadata inputs", rows.Err())
}

// --- attempts ---

func (s *sqlStore) scanAttemptRow(scan func(dest ...interface{}) error) (*model.TaskExecutionAttempt, error) {
	var a model.TaskExecutionAttempt
	var start, end, heartbeat sql.NullTime
	var wall, cpu, cpuInc sql.NullFloat64
	var host sql.NullInt64
	if err := scan(&a.AttemptID, &a.TaskID, &a.State, &a.ErrorFail, &a.ErrorText, &a.AllProductsPassedQC,
		&a.QueuedTime, &start, &end, &heartbeat, &wall, &cpu, &cpuInc, &host); err != nil {
		return nil, err
	}
	if start.Valid {
		a.StartTime = &start.Time
	}
	if end.Valid {
		a.EndTime = &end.Time
	}
	if heartbeat.Valid {
		a.LatestHeartbeat = &heartbeat.Time
	}
	if wall.Valid {
		a.RunTimeWallClock = &wall.Float64
	}
	if cpu.Valid {
		a.RunTimeCPU = &cpu.Float64
	}
	if cpuInc.Valid {
		a.RunTimeCPUIncChildren = &cpuInc.Float64
	}
	if host.Valid {
		a.HostID = &host.Int64
	}
	return &a, nil
}

const attemptColumns = `attempt_id, task_id, state, error_fail, error_text, all_products_passed_qc,
	queued_time, start_time, end_time, latest_heartbeat, run_time_wall_clock, run_time_cpu, run_time_cpu_inc_children, host_id`

func (s *sqlStore) CreateAttempt(ctx context.Context, a *model.TaskExecutionAttempt) (int64, error) {
	q := fmt.Sprintf(`INSERT INTO attempts (task_id, state, queued_time) VALUES (%s)`, s.phList(3))
	id, err := s.insertReturningID(ctx, q, "attempt_id", a.TaskID, string(AttemptQueuedDefault(a.State)), a.QueuedTime)
	return id, wrap("create attempt", err)
}

// AttemptQueuedDefault defaults an unset state to queued; kept as a
// tiny helper since Go has no notion of a zero-value enum default.
func AttemptQueuedDefault(s model.AttemptState) model.AttemptState {
	if s == "" {
		return model.AttemptQueued
	}
	return s
}

func (s *sqlStore) GetAttempt(ctx context.Context, attemptID int64) (*model.TaskExecutionAttempt, error) {
	q := fmt.Sprintf(`SELECT %s FROM attempts WHERE attempt_id = %s`, attemptColumns, s.ph(1))
	row := s.q.QueryRowContext(ctx, q, attemptID)
	a, err := s.scanAttemptRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get attempt", err)
	}
	return a, nil
}

func (s *sqlStore) ListAttempts(ctx context.Context, taskID int64) ([]*model.TaskExecutionAttempt, error) {
	q := fmt.Sprintf(`SELECT %s FROM attempts WHERE task_id = %s ORDER BY attempt_id ASC`, attemptColumns, s.ph(1))
	rows, err := s.q.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, wrap("list attempts", err)
	}
	defer rows.Close()
	var out []*model.TaskExecutionAttempt
	for rows.Next() {
		a, err := s.scanAttemptRow(rows.Scan)
		if err != nil {
			return nil, wrap("list attempts", err)
		}
		out = append(out, a)
	}
	return out, wrap("list attempts", rows.Err())
}

func (s *sqlStore) ListRunningAttempts(ctx context.Context) ([]*model.TaskExecutionAttempt, error) {
	q := fmt.Sprintf(`SELECT %s FROM attempts WHERE state = %s ORDER BY attempt_id ASC`, attemptColumns, s.ph(1))
	rows, err := s.q.QueryContext(ctx, q, string(model.AttemptRunning))
	if err != nil {
		return nil, wrap("list running attempts", err)
	}
	defer rows.Close()
	var out []*model.TaskExecutionAttempt
	for rows.Next() {
		a, err := s.scanAttemptRow(rows.Scan)
		if err != nil {
			return nil, wrap("list running attempts", err)
		}
		out = append(out, a)
	}
	return out, wrap("list running attempts", rows.Err())
}

func (s *sqlStore) ListStalledAttempts(ctx context.Context, maxAge time.Duration, now time.Time) ([]*model.TaskExecutionAttempt, error) {
	running, err := s.ListRunningAttempts(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.TaskExecutionAttempt
	for _, a := range running {
		if a.IsStalled(now, maxAge) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ResetOwnStaleAttempts resets any attempt this host believes it owns
// back to queued before it starts claiming, per the source scheduler's
// practice of clearing its own stale running rows on worker startup
// (a worker that crashed and restarted should not leave orphaned
// "running" rows under its own host id).
func (s *sqlStore) ResetOwnStaleAttempts(ctx context.Context, hostID int64) (int, error) {
	q := fmt.Sprintf(`UPDATE attempts SET state = %s, host_id = NULL WHERE state = %s AND host_id = %s`,
		s.ph(1), s.ph(2), s.ph(3))
	res, err := s.q.ExecContext(ctx, q, string(model.AttemptQueued), string(model.AttemptRunning), hostID)
	if err != nil {
		return 0, wrap("reset own stale attempts", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap("reset own stale attempts", err)
}

// ClaimAttempt implements the CAS-guarded single-owner claim: find the
// oldest queued attempt for taskType, conditionally flip it to running
// under hostID, then re-read to confirm this host actually won it. The
// conditional UPDATE is what prevents two workers from claiming the
// same attempt; the re-SELECT is what tells this caller whether it won.
func (s *sqlStore) ClaimAttempt(ctx context.Context, taskType string, hostID int64) (*model.TaskExecutionAttempt, error) {
	selectCandidate := fmt.Sprintf(`SELECT a.attempt_id FROM attempts a
		JOIN tasks t ON t.task_id = a.task_id
		WHERE t.task_type = %s AND a.state = %s
		ORDER BY a.queued_time ASC LIMIT 1`, s.ph(1), s.ph(2))

	for {
		row := s.q.QueryRowContext(ctx, selectCandidate, taskType, string(model.AttemptQueued))
		var candidate int64
		if err := row.Scan(&candidate); err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, wrap("claim attempt", err)
		}

		claim := fmt.Sprintf(`UPDATE attempts SET state = %s, host_id = %s WHERE attempt_id = %s AND state = %s`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4))
		res, err := s.q.ExecContext(ctx, claim, string(model.AttemptRunning), hostID, candidate, string(model.AttemptQueued))
		if err != nil {
			return nil, wrap("claim attempt", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, wrap("claim attempt", err)
		}
		if n == 0 {
			// Lost the race to another worker; try the next candidate.
			continue
		}

		confirm := fmt.Sprintf(`SELECT %s FROM attempts WHERE attempt_id = %s AND host_id = %s`, attemptColumns, s.ph(1), s.ph(2))
		a, err := s.scanAttemptRow(s.q.QueryRowContext(ctx, confirm, candidate, hostID).Scan)
		if err != nil {
			return nil, wrap("claim attempt", err)
		}
		return a, nil
	}
}

// ClaimSpecificAttempt is the Broker queue's counterpart to ClaimAttempt:
// the Broker already chose which attempt id to hand the caller (by
// popping it off a Redis list), so this only needs the conditional
// UPDATE + re-SELECT half of the CAS dance, not the candidate scan.
func (s *sqlStore) ClaimSpecificAttempt(ctx context.Context, attemptID, hostID int64) (*model.TaskExecutionAttempt, error) {
	claim := fmt.Sprintf(`UPDATE attempts SET state = %s, host_id = %s WHERE attempt_id = %s AND state = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	res, err := s.q.ExecContext(ctx, claim, string(model.AttemptRunning), hostID, attemptID, string(model.AttemptQueued))
	if err != nil {
		return nil, wrap("claim specific attempt", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, wrap("claim specific attempt", err)
	}
	if n == 0 {
		return nil, nil
	}
	confirm := fmt.Sprintf(`SELECT %s FROM attempts WHERE attempt_id = %s AND host_id = %s`, attemptColumns, s.ph(1), s.ph(2))
	a, err := s.scanAttemptRow(s.q.QueryRowContext(ctx, confirm, attemptID, hostID).Scan)
	if err != nil {
		return nil, wrap("claim specific attempt", err)
	}
	return a, nil
}

func (s *sqlStore) StartAttempt(ctx context.Context, attemptID int64, start time.Time) error {
	q := fmt.Sprintf(`UPDATE attempts SET start_time = %s, latest_heartbeat = %s WHERE attempt_id = %s`, s.ph(1), s.ph(2), s.ph(3))
	_, err := s.q.ExecContext(ctx, q, start, start, attemptID)
	return wrap("start attempt", err)
}

func (s *sqlStore) Heartbeat(ctx context.Context, attemptID int64, at time.Time) error {
	q := fmt.Sprintf(`UPDATE attempts SET latest_heartbeat = %s WHERE attempt_id = %s AND state = %s`, s.ph(1), s.ph(2), s.ph(3))
	_, err := s.q.ExecContext(ctx, q, at, attemptID, string(model.AttemptRunning))
	return wrap("heartbeat", err)
}

func (s *sqlStore) FinishAttempt(ctx context.Context, r AttemptResult) error {
	q := fmt.Sprintf(`UPDATE attempts SET state = %s, error_fail = %s, error_text = %s, all_products_passed_qc = %s,
		end_time = %s, run_time_wall_clock = %s, run_time_cpu = %s, run_time_cpu_inc_children = %s
		WHERE attempt_id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))
	_, err := s.q.ExecContext(ctx, q, string(model.AttemptFinished), r.ErrorFail, r.ErrorText, r.AllProductsPassedQC,
		r.EndTime, r.RunTimeWallClock, r.RunTimeCPU, r.RunTimeCPUIncChildren, r.AttemptID)
	return wrap("finish attempt", err)
}

// RequeueAttempt is the Embedded queue's Publish: the attempt goes back
// to queued, not running, not finished, with no owning host, per
// spec.md §4.2's publish guarantee.
func (s *sqlStore) RequeueAttempt(ctx context.Context, attemptID int64) error {
	q := fmt.Sprintf(`UPDATE attempts SET state = %s, host_id = NULL WHERE attempt_id = %s`, s.ph(1), s.ph(2))
	_, err := s.q.ExecContext(ctx, q, string(model.AttemptQueued), attemptID)
	return wrap("requeue attempt", err)
}

func (s *sqlStore) CountQueuedByType(ctx context.Context, taskType string) (int64, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM attempts a JOIN tasks t ON t.task_id = a.task_id
		WHERE t.task_type = %s AND a.state = %s`, s.ph(1), s.ph(2))
	var n int64
	err := s.q.QueryRowContext(ctx, q, taskType, string(model.AttemptQueued)).Scan(&n)
	return n, wrap("count queued", err)
}

func (s *sqlStore) ListQueuedAttemptIDsByType(ctx context.Context, taskType string) ([]int64, error) {
	q := fmt.Sprintf(`SELECT a.attempt_id FROM attempts a JOIN tasks t ON t.task_id = a.task_id
		WHERE t.task_type = %s AND a.state = %s ORDER BY a.queued_time ASC`, s.ph(1), s.ph(2))
	rows, err := s.q.QueryContext(ctx, q, taskType, string(model.AttemptQueued))
	if err != nil {
		return nil, wrap("list queued", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("list queued", err)
		}
		out = append(out, id)
	}
	return out, wrap("list queued", rows.Err())
}

// --- hosts ---

func (s *sqlStore) RegisterHost(ctx context.Context, hostname string) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(st Store) error {
		scoped := st.(*sqlStore)
		q := fmt.Sprintf(`SELECT host_id FROM worker_hosts WHERE hostname = %s`, scoped.ph(1))
		err := scoped.q.QueryRowContext(ctx, q, hostname).Scan(&id)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return wrap("register host", err)
		}
		ins := fmt.Sprintf(`INSERT INTO worker_hosts (hostname) VALUES (%s)`, scoped.ph(1))
		id, err = scoped.insertReturningID(ctx, ins, "host_id", hostname)
		return wrap("register host", err)
	})
	return id, err
}

// --- file products & versions ---

func (s *sqlStore) RegisterFileProduct(ctx context.Context, p *model.FileProduct) (int64, error) {
	q := fmt.Sprintf(`INSERT INTO file_products (generator_task, directory, filename, semantic_type, mime_type, planned_time)
		VALUES (%s)`, s.phList(6))
	id, err := s.insertReturningID(ctx, q, "product_id", p.GeneratorTask, p.Directory, p.Filename, p.SemanticType, p.MimeType, p.PlannedTime)
	return id, wrap("register file product", err)
}

func (s *sqlStore) scanProduct(scan func(dest ...interface{}) error) (*model.FileProduct, error) {
	var p model.FileProduct
	var planned sql.NullTime
	if err := scan(&p.ProductID, &p.GeneratorTask, &p.Directory, &p.Filename, &p.SemanticType, &p.MimeType, &planned); err != nil {
		return nil, err
	}
	if planned.Valid {
		p.PlannedTime = &planned.Time
	}
	return &p, nil
}

const productColumns = `product_id, generator_task, directory, filename, semantic_type, mime_type, planned_time`

func (s *sqlStore) GetFileProduct(ctx context.Context, productID int64) (*model.FileProduct, error) {
	q := fmt.Sprintf(`SELECT %s FROM file_products WHERE product_id = %s AND NOT deleted`, productColumns, s.ph(1))
	p, err := s.scanProduct(s.q.QueryRowContext(ctx, q, productID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get file product", err)
	}
	return p, nil
}

func (s *sqlStore) FindFileProductByPath(ctx context.Context, directory, filename string) (*model.FileProduct, error) {
	q := fmt.Sprintf(`SELECT %s FROM file_products WHERE directory = %s AND filename = %s AND NOT deleted`,
		productColumns, s.ph(1), s.ph(2))
	p, err := s.scanProduct(s.q.QueryRowContext(ctx, q, directory, filename).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find file product", err)
	}
	return p, nil
}

func (s *sqlStore) RegisterFileProductVersion(ctx context.Context, v *model.FileProductVersion) (int64, error) {
	q := fmt.Sprintf(`INSERT INTO file_product_versions
		(product_id, generated_by_task_execution, repository_id, created_time, modified_time, file_md5, file_size, passed_qc)
		VALUES (%s)`, s.phList(8))
	id, err := s.insertReturningID(ctx, q, "product_version_id", v.ProductID, v.GeneratedByTaskExecution, v.RepositoryID, v.CreatedTime, v.ModifiedTime,
		v.FileMD5, v.FileSize, int(v.PassedQC))
	return id, wrap("register file product version", err)
}

func (s *sqlStore) SetVersionQC(ctx context.Context, versionID int64, verdict model.QCVerdict) error {
	q := fmt.Sprintf(`UPDATE file_product_versions SET passed_qc = %s WHERE product_version_id = %s`, s.ph(1), s.ph(2))
	_, err := s.q.ExecContext(ctx, q, int(verdict), versionID)
	return wrap("set version qc", err)
}

func (s *sqlStore) UpdateVersion(ctx context.Context, versionID int64, modifiedTime time.Time, fileMD5 string, fileSize int64) error {
	q := fmt.Sprintf(`UPDATE file_product_versions SET modified_time = %s, file_md5 = %s, file_size = %s WHERE product_version_id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	_, err := s.q.ExecContext(ctx, q, modifiedTime, fileMD5, fileSize, versionID)
	return wrap("update version", err)
}

func (s *sqlStore) DeleteVersion(ctx context.Context, versionID int64) error {
	q := fmt.Sprintf(`DELETE FROM file_product_versions WHERE product_version_id = %s`, s.ph(1))
	_, err := s.q.ExecContext(ctx, q, versionID)
	return wrap("delete version", err)
}

// DeleteProduct cascades in one transaction: either the version rows
// disappear and the product is marked deleted together, or neither
// happens. A partial state here would leave an active product whose
// versions are gone, which downstream file-input gating would read as
// "never satisfiable".
func (s *sqlStore) DeleteProduct(ctx context.Context, productID int64) error {
	return s.WithTx(ctx, func(st Store) error {
		scoped := st.(*sqlStore)
		del := fmt.Sprintf(`DELETE FROM file_product_versions WHERE product_id = %s`, scoped.ph(1))
		if _, err := scoped.q.ExecContext(ctx, del, productID); err != nil {
			return wrap("delete product versions", err)
		}
		q := fmt.Sprintf(`UPDATE file_products SET deleted = TRUE WHERE product_id = %s`, scoped.ph(1))
		_, err := scoped.q.ExecContext(ctx, q, productID)
		return wrap("delete product", err)
	})
}

const versionColumns = `product_version_id, product_id, generated_by_task_execution, repository_id, created_time, modified_time, file_md5, file_size, passed_qc`

func (s *sqlStore) scanVersion(scan func(dest ...interface{}) error) (*model.FileProductVersion, error) {
	var v model.FileProductVersion
	var verdict int
	if err := scan(&v.ProductVersionID, &v.ProductID, &v.GeneratedByTaskExecution, &v.RepositoryID,
		&v.CreatedTime, &v.ModifiedTime, &v.FileMD5, &v.FileSize, &verdict); err != nil {
		return nil, err
	}
	v.PassedQC = model.QCVerdict(verdict)
	return &v, nil
}

// LatestPassedVersion returns the newest passing version in insertion
// order. Ordering is by product_version_id, not modified_time:
// UpdateVersion rewrites modified_time, which would otherwise let an
// in-place refresh of an old version leapfrog a newer one (and ties on
// the timestamp are nondeterministic).
func (s *sqlStore) LatestPassedVersion(ctx context.Context, productID int64) (*model.FileProductVersion, error) {
	q := fmt.Sprintf(`SELECT %s FROM file_product_versions WHERE product_id = %s AND passed_qc = %s
		ORDER BY product_version_id DESC LIMIT 1`, versionColumns, s.ph(1), s.ph(2))
	v, err := s.scanVersion(s.q.QueryRowContext(ctx, q, productID, int(model.QCPassed)).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("latest passed version", err)
	}
	return v, nil
}

func (s *sqlStore) GetVersion(ctx context.Context, versionID int64) (*model.FileProductVersion, error) {
	q := fmt.Sprintf(`SELECT %s FROM file_product_versions WHERE product_version_id = %s`, versionColumns, s.ph(1))
	v, err := s.scanVersion(s.q.QueryRowContext(ctx, q, versionID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get version", err)
	}
	return v, nil
}

func (s *sqlStore) VersionByAttempt(ctx context.Context, productID, attemptID int64) (*model.FileProductVersion, error) {
	q := fmt.Sprintf(`SELECT %s FROM file_product_versions WHERE product_id = %s AND generated_by_task_execution = %s
		ORDER BY product_version_id DESC LIMIT 1`, versionColumns, s.ph(1), s.ph(2))
	v, err := s.scanVersion(s.q.QueryRowContext(ctx, q, productID, attemptID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("version by attempt", err)
	}
	return v, nil
}

func (s *sqlStore) ListVersions(ctx context.Context, productID int64) ([]*model.FileProductVersion, error) {
	q := fmt.Sprintf(`SELECT %s FROM file_product_versions WHERE product_id = %s ORDER BY product_version_id ASC`, versionColumns, s.ph(1))
	rows, err := s.q.QueryContext(ctx, q, productID)
	if err != nil {
		return nil, wrap("list versions", err)
	}
	defer rows.Close()
	var out []*model.FileProductVersion
	for rows.Next() {
		v, err := s.scanVersion(rows.Scan)
		if err != nil {
			return nil, wrap("list versions", err)
		}
		out = append(out, v)
	}
	return out, wrap("list versions", rows.Err())
}

// ListVersionsByAttempt returns every version a given attempt generated,
// in insertion order; the QC pass walks this to set per-version verdicts.
func (s *sqlStore) ListVersionsByAttempt(ctx context.Context, attemptID int64) ([]*model.FileProductVersion, error) {
	q := fmt.Sprintf(`SELECT %s FROM file_product_versions WHERE generated_by_task_execution = %s ORDER BY product_version_id ASC`, versionColumns, s.ph(1))
	rows, err := s.q.QueryContext(ctx, q, attemptID)
	if err != nil {
		return nil, wrap("list versions by attempt", err)
	}
	defer rows.Close()
	var out []*model.FileProductVersion
	for rows.Next() {
		v, err := s.scanVersion(rows.Scan)
		if err != nil {
			return nil, wrap("list versions by attempt", err)
		}
		out = append(out, v)
	}
	return out, wrap("list versions by attempt", rows.Err())
}

// --- metadata ---

func (s *sqlStore) keywordID(ctx context.Context, keyword string) (int64, error) {
	var id int64
	q := fmt.Sprintf(`SELECT keyword_id FROM metadata_keywords WHERE keyword = %s`, s.ph(1))
	err := s.q.QueryRowContext(ctx, q, keyword).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	ins := fmt.Sprintf(`INSERT INTO metadata_keywords (keyword) VALUES (%s)`, s.ph(1))
	return s.insertReturningID(ctx, ins, "keyword_id", keyword)
}

func (s *sqlStore) UpsertMetadata(ctx context.Context, item model.MetadataItem) error {
	return s.WithTx(ctx, func(st Store) error {
		scoped := st.(*sqlStore)
		kwID, err := scoped.keywordID(ctx, item.Keyword)
		if err != nil {
			return wrap("upsert metadata", err)
		}
		q := fmt.Sprintf(`INSERT INTO metadata_items (scope, scope_id, keyword_id, value_number, value_text, timestamp)
			VALUES (%s)
			ON CONFLICT (scope, scope_id, keyword_id) DO UPDATE SET value_number = excluded.value_number, value_text = excluded.value_text, timestamp = excluded.timestamp`,
			scoped.phList(6))
		_, err = scoped.q.ExecContext(ctx, q, string(item.Scope), item.ScopeID, kwID, item.Value.Number, item.Value.Text, item.Timestamp)
		return wrap("upsert metadata", err)
	})
}

func (s *sqlStore) GetMetadata(ctx context.Context, scope model.MetadataScope, scopeID int64) (map[string]model.MetadataValue, error) {
	q := fmt.Sprintf(`SELECT k.keyword, m.value_number, m.value_text FROM metadata_items m
		JOIN metadata_keywords k ON k.keyword_id = m.keyword_id
		WHERE m.scope = %s AND m.scope_id = %s`, s.ph(1), s.ph(2))
	rows, err := s.q.QueryContext(ctx, q, string(scope), scopeID)
	if err != nil {
		return nil, wrap("get metadata", err)
	}
	defer rows.Close()
	out := make(map[string]model.MetadataValue)
	for rows.Next() {
		var keyword string
		var num sql.NullFloat64
		var text sql.NullString
		if err := rows.Scan(&keyword, &num, &text); err != nil {
			return nil, wrap("get metadata", err)
		}
		if num.Valid {
			out[keyword] = model.NumberValue(num.Float64)
		} else {
			out[keyword] = model.TextValue(text.String)
		}
	}
	return out, wrap("get metadata", rows.Err())
}

// --- logs ---

func (s *sqlStore) AppendLog(ctx context.Context, msg model.LogMessage) error {
	q := fmt.Sprintf(`INSERT INTO log_messages (attempt_id, timestamp, severity, message) VALUES (%s)`, s.phList(4))
	_, err := s.q.ExecContext(ctx, q, msg.AttemptID, msg.Timestamp, msg.Severity, msg.Message)
	return wrap("append log", err)
}

func (s *sqlStore) ListLogs(ctx context.Context, attemptID int64) ([]model.LogMessage, error) {
	q := fmt.Sprintf(`SELECT log_id, attempt_id, timestamp, severity, message FROM log_messages WHERE attempt_id = %s ORDER BY log_id ASC`, s.ph(1))
	rows, err := s.q.QueryContext(ctx, q, attemptID)
	if err != nil {
		return nil, wrap("list logs", err)
	}
	defer rows.Close()
	var out []model.LogMessage
	for rows.Next() {
		var m model.LogMessage
		var attempt sql.NullInt64
		if err := rows.Scan(&m.LogID, &attempt, &m.Timestamp, &m.Severity, &m.Message); err != nil {
			return nil, wrap("list logs", err)
		}
		if attempt.Valid {
			m.AttemptID = &attempt.Int64
		}
		out = append(out, m)
	}
	return out, wrap("list logs", rows.Err())
}

// --- task type catalogue ---

func (s *sqlStore) RegisterTaskType(ctx context.Context, tt model.TaskType, resources []model.ContainerResources) error {
	return s.WithTx(ctx, func(st Store) error {
		scoped := st.(*sqlStore)
		q := fmt.Sprintf(`INSERT INTO task_types (task_type_name) VALUES (%s) ON CONFLICT (task_type_name) DO NOTHING`, scoped.ph(1))
		if _, err := scoped.q.ExecContext(ctx, q, tt.Name); err != nil {
			return wrap("register task type", err)
		}
		for _, r := range resources {
			cq := fmt.Sprintf(`INSERT INTO task_type_containers (task_type_name, container_name, cpu, gpu, memory_gb)
				VALUES (%s)
				ON CONFLICT (task_type_name, container_name) DO UPDATE SET cpu = excluded.cpu, gpu = excluded.gpu, memory_gb = excluded.memory_gb`,
				scoped.phList(5))
			if _, err := scoped.q.ExecContext(ctx, cq, tt.Name, r.Container, r.CPU, r.GPU, r.MemoryGB); err != nil {
				return wrap("register task type container", err)
			}
		}
		return nil
	})
}

func (s *sqlStore) GetTaskType(ctx context.Context, name string) (*model.TaskType, []model.ContainerResources, error) {
	q := fmt.Sprintf(`SELECT container_name, cpu, gpu, memory_gb FROM task_type_containers WHERE task_type_name = %s ORDER BY container_name ASC`, s.ph(1))
	rows, err := s.q.QueryContext(ctx, q, name)
	if err != nil {
		return nil, nil, wrap("get task type", err)
	}
	defer rows.Close()
	var resources []model.ContainerResources
	var containers []string
	for rows.Next() {
		var r model.ContainerResources
		if err := rows.Scan(&r.Container, &r.CPU, &r.GPU, &r.MemoryGB); err != nil {
			return nil, nil, wrap("get task type", err)
		}
		resources = append(resources, r)
		containers = append(containers, r.Container)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, wrap("get task type", err)
	}
	if len(containers) == 0 {
		return nil, nil, nil
	}
	return &model.TaskType{Name: name, Containers: containers}, resources, nil
}
