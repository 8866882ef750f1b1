// Copyright 2025 James Ross

// Package diagnostics assembles read-only reporting views over the
// Store: the job tree, progress summaries, timing tables, pass/fail
// tallies, and the error log. Each view is a plain struct that renders
// to text for the CLI and marshals to JSON for the HTTP read API.
package diagnostics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/store"
)

// TreeNode is one task in the rendered job tree.
type TreeNode struct {
	TaskID      int64       `json:"task_id"`
	TaskType    string      `json:"task_type"`
	TaskName    string      `json:"task_name,omitempty"`
	JobName     string      `json:"job_name,omitempty"`
	State       string      `json:"state"`
	AttemptsRun int         `json:"attempts"`
	Children    []*TreeNode `json:"children,omitempty"`
}

// snapshot is the in-memory join of tasks and their attempts the views
// are computed from.
type snapshot struct {
	tasks    []*model.Task
	attempts map[int64][]*model.TaskExecutionAttempt
}

func load(ctx context.Context, st store.Store) (*snapshot, error) {
	tasks, err := st.ListAllTasks(ctx)
	if err != nil {
		return nil, err
	}
	snap := &snapshot{tasks: tasks, attempts: make(map[int64][]*model.TaskExecutionAttempt, len(tasks))}
	for _, t := range tasks {
		attempts, err := st.ListAttempts(ctx, t.TaskID)
		if err != nil {
			return nil, err
		}
		snap.attempts[t.TaskID] = attempts
	}
	return snap, nil
}

// taskState summarises a task's attempts into one word: waiting (never
// attempted), queued, running, done, or failed (latest attempt failed).
func taskState(attempts []*model.TaskExecutionAttempt) string {
	if len(attempts) == 0 {
		return "waiting"
	}
	latest := attempts[len(attempts)-1]
	switch latest.State {
	case model.AttemptQueued:
		return "queued"
	case model.AttemptRunning:
		return "running"
	default:
		if latest.ErrorFail {
			return "failed"
		}
		return "done"
	}
}

// Tree builds the job tree. When runningOnly is true, only subtrees
// containing a queued or running task are kept.
func Tree(ctx context.Context, st store.Store, runningOnly bool) ([]*TreeNode, error) {
	snap, err := load(ctx, st)
	if err != nil {
		return nil, err
	}

	nodes := make(map[int64]*TreeNode, len(snap.tasks))
	var roots []*TreeNode
	for _, t := range snap.tasks {
		attempts := snap.attempts[t.TaskID]
		nodes[t.TaskID] = &TreeNode{
			TaskID:      t.TaskID,
			TaskType:    t.TaskType,
			TaskName:    t.TaskName,
			JobName:     t.JobName,
			State:       taskState(attempts),
			AttemptsRun: len(attempts),
		}
	}
	for _, t := range snap.tasks {
		node := nodes[t.TaskID]
		if t.ParentTask == nil {
			roots = append(roots, node)
			continue
		}
		if parent, ok := nodes[*t.ParentTask]; ok {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	if runningOnly {
		roots = pruneIdle(roots)
	}
	return roots, nil
}

func pruneIdle(nodes []*TreeNode) []*TreeNode {
	var out []*TreeNode
	for _, n := range nodes {
		n.Children = pruneIdle(n.Children)
		if len(n.Children) > 0 || n.State == "queued" || n.State == "running" {
			out = append(out, n)
		}
	}
	return out
}

// RenderTree formats the tree the way the CLI prints it.
func RenderTree(roots []*TreeNode) string {
	var b strings.Builder
	var walk func(n *TreeNode, depth int)
	walk = func(n *TreeNode, depth int) {
		name := n.TaskType
		if n.TaskName != "" {
			name += " <" + n.TaskName + ">"
		}
		fmt.Fprintf(&b, "%s%-8s %6d  %s (attempts: %d)\n",
			strings.Repeat("  ", depth), n.State, n.TaskID, name, n.AttemptsRun)
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
	return b.String()
}

// ProgressRow is one task type's tally across the whole store.
type ProgressRow struct {
	TaskType string `json:"task_type"`
	Waiting  int    `json:"waiting"`
	Queued   int    `json:"queued"`
	Running  int    `json:"running"`
	Done     int    `json:"done"`
	Failed   int    `json:"failed"`
}

// Progress tallies every task by type and summary state.
func Progress(ctx context.Context, st store.Store) ([]ProgressRow, error) {
	snap, err := load(ctx, st)
	if err != nil {
		return nil, err
	}
	byType := map[string]*ProgressRow{}
	for _, t := range snap.tasks {
		row, ok := byType[t.TaskType]
		if !ok {
			row = &ProgressRow{TaskType: t.TaskType}
			byType[t.TaskType] = row
		}
		switch taskState(snap.attempts[t.TaskID]) {
		case "waiting":
			row.Waiting++
		case "queued":
			row.Queued++
		case "running":
			row.Running++
		case "failed":
			row.Failed++
		default:
			row.Done++
		}
	}
	return sortedRows(byType), nil
}

func sortedRows(byType map[string]*ProgressRow) []ProgressRow {
	names := make([]string, 0, len(byType))
	for name := range byType {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]ProgressRow, 0, len(names))
	for _, name := range names {
		out = append(out, *byType[name])
	}
	return out
}

// RenderProgress formats the progress table.
func RenderProgress(rows []ProgressRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-28s %8s %8s %8s %8s %8s\n", "task_type", "waiting", "queued", "running", "done", "failed")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-28s %8d %8d %8d %8d %8d\n", r.TaskType, r.Waiting, r.Queued, r.Running, r.Done, r.Failed)
	}
	return b.String()
}

// TimingRow aggregates finished attempts' wall-clock cost per task type.
type TimingRow struct {
	TaskType  string  `json:"task_type"`
	Attempts  int     `json:"attempts"`
	TotalSecs float64 `json:"total_seconds"`
	MinSecs   float64 `json:"min_seconds"`
	MeanSecs  float64 `json:"mean_seconds"`
	MaxSecs   float64 `json:"max_seconds"`
}

// Timings aggregates run_time_wall_clock over finished attempts.
func Timings(ctx context.Context, st store.Store) ([]TimingRow, error) {
	snap, err := load(ctx, st)
	if err != nil {
		return nil, err
	}
	byType := map[string]*TimingRow{}
	for _, t := range snap.tasks {
		for _, a := range snap.attempts[t.TaskID] {
			if a.State != model.AttemptFinished || a.RunTimeWallClock == nil {
				continue
			}
			row, ok := byType[t.TaskType]
			if !ok {
				row = &TimingRow{TaskType: t.TaskType, MinSecs: *a.RunTimeWallClock}
				byType[t.TaskType] = row
			}
			wall := *a.RunTimeWallClock
			row.Attempts++
			row.TotalSecs += wall
			if wall < row.MinSecs {
				row.MinSecs = wall
			}
			if wall > row.MaxSecs {
				row.MaxSecs = wall
			}
		}
	}
	names := make([]string, 0, len(byType))
	for name := range byType {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]TimingRow, 0, len(names))
	for _, name := range names {
		row := byType[name]
		row.MeanSecs = row.TotalSecs / float64(row.Attempts)
		out = append(out, *row)
	}
	return out, nil
}

// RenderTimings formats the timing table.
func RenderTimings(rows []TimingRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-28s %8s %10s %10s %10s %10s\n", "task_type", "attempts", "total_s", "min_s", "mean_s", "max_s")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-28s %8d %10.2f %10.2f %10.2f %10.2f\n", r.TaskType, r.Attempts, r.TotalSecs, r.MinSecs, r.MeanSecs, r.MaxSecs)
	}
	return b.String()
}

// PassFailRow tallies attempt outcomes per task type.
type PassFailRow struct {
	TaskType string `json:"task_type"`
	Passed   int    `json:"passed"`
	Failed   int    `json:"failed"`
	QCFailed int    `json:"qc_failed"`
}

// PassFail tallies finished attempts: error_fail counts as failed,
// otherwise all_products_passed_qc decides passed vs qc_failed.
func PassFail(ctx context.Context, st store.Store) ([]PassFailRow, error) {
	snap, err := load(ctx, st)
	if err != nil {
		return nil, err
	}
	byType := map[string]*PassFailRow{}
	for _, t := range snap.tasks {
		for _, a := range snap.attempts[t.TaskID] {
			if a.State != model.AttemptFinished {
				continue
			}
			row, ok := byType[t.TaskType]
			if !ok {
				row = &PassFailRow{TaskType: t.TaskType}
				byType[t.TaskType] = row
			}
			switch {
			case a.ErrorFail:
				row.Failed++
			case a.AllProductsPassedQC:
				row.Passed++
			default:
				row.QCFailed++
			}
		}
	}
	names := make([]string, 0, len(byType))
	for name := range byType {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]PassFailRow, 0, len(names))
	for _, name := range names {
		out = append(out, *byType[name])
	}
	return out, nil
}

// RenderPassFail formats the pass/fail table.
func RenderPassFail(rows []PassFailRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-28s %8s %8s %10s\n", "task_type", "passed", "failed", "qc_failed")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-28s %8d %8d %10d\n", r.TaskType, r.Passed, r.Failed, r.QCFailed)
	}
	return b.String()
}

// ErrorEntry is one failed attempt with its diagnostic context.
type ErrorEntry struct {
	AttemptID int64     `json:"attempt_id"`
	TaskID    int64     `json:"task_id"`
	TaskType  string    `json:"task_type"`
	EndTime   time.Time `json:"end_time,omitempty"`
	ErrorText string    `json:"error_text"`
	Logs      []string  `json:"logs,omitempty"`
}

// Errors lists every attempt that finished with error_fail, newest
// last, each with its stored log stream.
func Errors(ctx context.Context, st store.Store) ([]ErrorEntry, error) {
	snap, err := load(ctx, st)
	if err != nil {
		return nil, err
	}
	var out []ErrorEntry
	for _, t := range snap.tasks {
		for _, a := range snap.attempts[t.TaskID] {
			if !a.ErrorFail {
				continue
			}
			entry := ErrorEntry{
				AttemptID: a.AttemptID,
				TaskID:    t.TaskID,
				TaskType:  t.TaskType,
				ErrorText: a.ErrorText,
			}
			if a.EndTime != nil {
				entry.EndTime = *a.EndTime
			}
			logs, err := st.ListLogs(ctx, a.AttemptID)
			if err != nil {
				return nil, err
			}
			for _, msg := range logs {
				entry.Logs = append(entry.Logs, fmt.Sprintf("[%s] %s", msg.Severity, msg.Message))
			}
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptID < out[j].AttemptID })
	return out, nil
}

// RenderErrors formats the error log.
func RenderErrors(entries []ErrorEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "attempt %d (task %d, %s): %s\n", e.AttemptID, e.TaskID, e.TaskType, e.ErrorText)
		for _, line := range e.Logs {
			fmt.Fprintf(&b, "    %s\n", line)
		}
	}
	if b.Len() == 0 {
		return "no failed attempts\n"
	}
	return b.String()
}
