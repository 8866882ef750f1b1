// Copyright 2025 James Ross

// Package worker implements the per-process worker loop: it polls the
// capability queues for attempts, claims one at a time, times and
// heartbeats the execution, dispatches to a statically registered
// handler for the task's type, runs the type's QC pass, and reports the
// terminal state back to the Store.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dcf21/eas-orchestrator/internal/fileregistry"
	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/store"
)

// Env is the set of collaborators a handler may touch. Handlers must
// publish output files through Files, never by writing into the
// repository directly.
type Env struct {
	Store       store.Store
	Files       *fileregistry.Registry
	Log         *zap.Logger
	MaxLogLen   int
	ScratchRoot string
}

// Logf appends a (truncated) log message to the Store, tied to an
// attempt, and mirrors it to the process logger.
func (e *Env) Logf(ctx context.Context, attemptID int64, severity, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	e.Log.Info(msg, zap.Int64("attempt_id", attemptID), zap.String("severity", severity))
	_ = e.Store.AppendLog(ctx, model.LogMessage{
		AttemptID: &attemptID,
		Timestamp: time.Now(),
		Severity:  severity,
		Message:   model.TruncateMessage(msg, e.MaxLogLen),
	})
}

// Handler executes one attempt of a task. description is the task's
// task_description, already resolved by the expression evaluator (with
// task_list left opaque). A returned error marks the attempt error_fail;
// QC still runs afterwards.
type Handler func(ctx context.Context, env *Env, attempt *model.TaskExecutionAttempt, task *model.Task, description map[string]interface{}) error

// QCHandler is a task-type-specific post-pass. It sets passed_qc on the
// versions the attempt generated and reports whether every product
// passed. Types without their own QC get DefaultQC.
type QCHandler func(ctx context.Context, env *Env, attempt *model.TaskExecutionAttempt, handlerFailed bool) (bool, error)

// Registration couples a handler with its optional QC pass.
type Registration struct {
	Handler Handler
	QC      QCHandler
}

// Registry is the static task_type to handler dispatch table, replacing
// the source pipeline's executable-file-per-type convention. It is
// populated once at process start and read-only afterwards; the lock
// only guards against misuse in tests that register concurrently.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Registration
}

// NewRegistry returns an empty dispatch table.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Registration)}
}

// Register adds a handler for taskType. qc may be nil, in which case
// DefaultQC applies.
func (r *Registry) Register(taskType string, h Handler, qc QCHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = Registration{Handler: h, QC: qc}
}

// Lookup returns the registration for taskType.
func (r *Registry) Lookup(taskType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[taskType]
	return reg, ok
}

// Types lists every registered task type.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}

// DefaultQC marks every version the attempt generated as passed and
// reports all_products_passed_qc true unless the handler failed. Most
// leaf types have no independent quality check beyond "the handler
// completed and its files were registered".
func DefaultQC(ctx context.Context, env *Env, attempt *model.TaskExecutionAttempt, handlerFailed bool) (bool, error) {
	versions, err := env.Store.ListVersionsByAttempt(ctx, attempt.AttemptID)
	if err != nil {
		return false, err
	}
	for _, v := range versions {
		verdict := model.QCPassed
		if handlerFailed {
			verdict = model.QCFailed
		}
		if err := env.Store.SetVersionQC(ctx, v.ProductVersionID, verdict); err != nil {
			return false, err
		}
	}
	return !handlerFailed, nil
}
