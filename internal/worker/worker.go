// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dcf21/eas-orchestrator/internal/breaker"
	"github.com/dcf21/eas-orchestrator/internal/config"
	"github.com/dcf21/eas-orchestrator/internal/expr"
	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/obs"
	"github.com/dcf21/eas-orchestrator/internal/queue"
	"github.com/dcf21/eas-orchestrator/internal/store"
)

// Worker polls its capability queues round-robin and executes one
// attempt at a time. Parallelism comes from running more worker
// processes, not from concurrency inside one loop; the only background
// activity is the heartbeat ticker.
type Worker struct {
	cfg          *config.Config
	st           store.Store
	q            queue.Queue
	env          *Env
	reg          *Registry
	log          *zap.Logger
	cb           *breaker.CircuitBreaker
	capabilities []string
	hostID       int64
}

// New assembles a Worker. capabilities is the set of task_type names
// this worker image may execute, read once at startup from the TaskType
// catalogue.
func New(cfg *config.Config, st store.Store, q queue.Queue, env *Env, reg *Registry, capabilities []string, log *zap.Logger) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	return &Worker{cfg: cfg, st: st, q: q, env: env, reg: reg, log: log, cb: cb, capabilities: capabilities}
}

// Run is the main loop: drain every capability queue, then sleep a poll
// interval, until the context is cancelled. The host id is interned on
// first call so stalled-claim recovery (EmbeddedQueue's reset step) can
// recognise this host's own orphans across restarts.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.registerHost(ctx); err != nil {
		return err
	}

	go w.breakerStateUpdater(ctx)

	for ctx.Err() == nil {
		if _, err := w.DrainOnce(ctx); err != nil {
			w.log.Error("worker drain error", zap.Error(err))
		}
		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.Worker.PollInterval):
		}
	}
	return nil
}

func (w *Worker) registerHost(ctx context.Context) error {
	id, err := w.st.RegisterHost(ctx, w.cfg.Worker.Hostname)
	if err != nil {
		return fmt.Errorf("register host: %w", err)
	}
	w.hostID = id
	for _, tt := range w.capabilities {
		if err := w.q.Declare(ctx, tt); err != nil {
			return fmt.Errorf("declare queue %s: %w", tt, err)
		}
	}
	return nil
}

// HostID reports the interned id for this worker's hostname; zero until
// Run or DrainOnce has interned it.
func (w *Worker) HostID() int64 { return w.hostID }

// DrainOnce visits each capability queue in order and keeps claiming
// until every queue reports empty. Returns how many attempts were
// processed. Exported so tests and the CLI can single-step the loop.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	if w.hostID == 0 {
		if err := w.registerHost(ctx); err != nil {
			return 0, err
		}
	}
	processed := 0
	for _, taskType := range w.capabilities {
		for ctx.Err() == nil {
			if !w.cb.Allow() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			attemptID, ok, err := w.q.FetchClaim(ctx, taskType, true, w.hostID)
			if err != nil {
				w.cb.Record(false)
				var transient *model.QueueTransientError
				if errors.As(err, &transient) {
					w.log.Warn("queue transient error", zap.String("queue", taskType), zap.Error(err))
					break
				}
				return processed, err
			}
			if !ok {
				break
			}
			ok = w.processAttempt(ctx, attemptID)
			prev := w.cb.State()
			w.cb.Record(ok)
			if curr := w.cb.State(); prev != curr && curr == breaker.Open {
				obs.CircuitBreakerTrips.Inc()
			}
			processed++
		}
	}
	return processed, ctx.Err()
}

// processAttempt runs one claimed attempt end to end. It never lets a
// handler or QC failure escape: the worker must survive to serve the
// next attempt. Returns false when the attempt failed.
func (w *Worker) processAttempt(ctx context.Context, attemptID int64) bool {
	obs.WorkerActive.Set(1)
	defer obs.WorkerActive.Set(0)

	log := w.log.With(zap.Int64("attempt_id", attemptID))

	attempt, err := w.claimInStore(ctx, attemptID)
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		return false
	}
	if attempt == nil {
		// Another worker owns it; the broker redelivered, or the claim
		// CAS lost. Give up this candidate.
		log.Debug("attempt not claimable, skipping")
		return true
	}

	task, err := w.st.GetTask(ctx, attempt.TaskID)
	if err != nil || task == nil {
		log.Error("task lookup failed", zap.Error(err))
		w.finish(ctx, attempt, nil, true, "task lookup failed", false)
		return false
	}
	log = log.With(zap.Int64("task_id", task.TaskID), zap.String("task_type", task.TaskType))

	timer, err := StartTimer(ctx, w.st, attemptID)
	if err != nil {
		log.Error("start timer failed", zap.Error(err))
		return false
	}
	hb := StartHeartbeat(ctx, w.st, attemptID, w.cfg.Heartbeat.Cadence, log)

	handlerErr := w.runHandler(ctx, attempt, task, log)

	reg, _ := w.reg.Lookup(task.TaskType)
	qc := reg.QC
	if qc == nil {
		qc = DefaultQC
	}
	passed, qcErr := w.runQC(ctx, qc, attempt, handlerErr != nil)
	if qcErr != nil {
		log.Error("qc handler failed", zap.Error(qcErr))
		w.env.Logf(ctx, attemptID, "error", "qc failed: %v", qcErr)
		passed = false
	}

	hb.Stop()
	end, wall, cpu, cpuInc := timer.Stop()

	errText := ""
	if handlerErr != nil {
		errText = handlerErr.Error()
		w.env.Logf(ctx, attemptID, "error", "handler failed: %v", handlerErr)
	}
	result := store.AttemptResult{
		AttemptID:             attemptID,
		ErrorFail:             handlerErr != nil,
		ErrorText:             errText,
		AllProductsPassedQC:   passed,
		EndTime:               end,
		RunTimeWallClock:      wall,
		RunTimeCPU:            cpu,
		RunTimeCPUIncChildren: cpuInc,
	}
	if err := w.st.FinishAttempt(ctx, result); err != nil {
		log.Error("finish attempt failed", zap.Error(err))
		return false
	}
	obs.AttemptsFinished.WithLabelValues(task.TaskType, fmt.Sprintf("%t", handlerErr != nil)).Inc()
	log.Info("attempt finished",
		zap.Bool("error_fail", handlerErr != nil),
		zap.Bool("all_products_passed_qc", passed),
		zap.Float64("wall_clock_s", wall))
	return handlerErr == nil
}

// claimInStore performs the Store-side half of the claim. The Embedded
// queue has already flipped the row to running under our host id; the
// Broker queue only acknowledged the message, so the conditional UPDATE
// happens here, after the ack, per the queue contract.
func (w *Worker) claimInStore(ctx context.Context, attemptID int64) (*model.TaskExecutionAttempt, error) {
	a, err := w.st.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, nil
	}
	switch a.State {
	case model.AttemptQueued:
		return w.st.ClaimSpecificAttempt(ctx, attemptID, w.hostID)
	case model.AttemptRunning:
		if a.HostID != nil && *a.HostID == w.hostID {
			return a, nil
		}
		return nil, nil
	default:
		return nil, nil
	}
}

func (w *Worker) runHandler(ctx context.Context, attempt *model.TaskExecutionAttempt, task *model.Task, log *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &model.HandlerError{TaskType: task.TaskType, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	reg, ok := w.reg.Lookup(task.TaskType)
	if !ok {
		return &model.HandlerError{TaskType: task.TaskType, Cause: fmt.Errorf("no handler registered")}
	}

	description, err := w.evaluatedDescription(ctx, task)
	if err != nil {
		return err
	}
	return reg.Handler(ctx, w.env, attempt, task, description)
}

func (w *Worker) runQC(ctx context.Context, qc QCHandler, attempt *model.TaskExecutionAttempt, handlerFailed bool) (passed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			passed, err = false, fmt.Errorf("qc panic: %v", r)
		}
	}()
	return qc(ctx, w.env, attempt, handlerFailed)
}

// evaluatedDescription decodes the task's task_description metadata and
// resolves its expressions against the task's metadata context, which
// merges the task's own metadata with that of its declared
// metadata-input predecessors (latest attempt whose products all passed
// QC, so the values the scheduler gated on are the values seen here).
func (w *Worker) evaluatedDescription(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
	metadata, err := GatherMetadata(ctx, w.st, task)
	if err != nil {
		return nil, err
	}
	raw, ok := metadata["task_description"]
	if !ok {
		return map[string]interface{}{}, nil
	}
	var tree map[string]interface{}
	if err := json.Unmarshal([]byte(raw.String()), &tree); err != nil {
		return nil, fmt.Errorf("decode task_description: %w", err)
	}
	evaluated, err := expr.EvaluateInStructure(tree, metadata)
	if err != nil {
		obs.ExpressionErrors.Inc()
		return nil, err
	}
	out, ok := evaluated.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("task_description must be a map, got %T", evaluated)
	}
	return out, nil
}

// GatherMetadata assembles the expression environment for a task: its
// own task-scope metadata, overlaid with each metadata-input
// predecessor's task metadata and the attempt metadata of that
// predecessor's most recent fully-QC-passed attempt. Predecessor values
// overwrite inherited ones, since they are the fresher measurement.
func GatherMetadata(ctx context.Context, st store.Store, task *model.Task) (map[string]model.MetadataValue, error) {
	out, err := st.GetMetadata(ctx, model.ScopeTask, task.TaskID)
	if err != nil {
		return nil, err
	}
	inputs, err := st.ListMetadataInputs(ctx, task.TaskID)
	if err != nil {
		return nil, err
	}
	for _, in := range inputs {
		predMeta, err := st.GetMetadata(ctx, model.ScopeTask, in.PredecessorTask)
		if err != nil {
			return nil, err
		}
		for k, v := range predMeta {
			if k == "task_description" {
				continue
			}
			out[k] = v
		}
		attempts, err := st.ListAttempts(ctx, in.PredecessorTask)
		if err != nil {
			return nil, err
		}
		for i := len(attempts) - 1; i >= 0; i-- {
			if !attempts[i].AllProductsPassedQC {
				continue
			}
			attemptMeta, err := st.GetMetadata(ctx, model.ScopeAttempt, attempts[i].AttemptID)
			if err != nil {
				return nil, err
			}
			for k, v := range attemptMeta {
				out[k] = v
			}
			break
		}
	}
	return out, nil
}

func (w *Worker) finish(ctx context.Context, attempt *model.TaskExecutionAttempt, timer *TaskTimer, errorFail bool, errText string, passed bool) {
	end := time.Now()
	var wall, cpu, cpuInc float64
	if timer != nil {
		end, wall, cpu, cpuInc = timer.Stop()
	}
	_ = w.st.FinishAttempt(ctx, store.AttemptResult{
		AttemptID:             attempt.AttemptID,
		ErrorFail:             errorFail,
		ErrorText:             errText,
		AllProductsPassedQC:   passed,
		EndTime:               end,
		RunTimeWallClock:      wall,
		RunTimeCPU:            cpu,
		RunTimeCPUIncChildren: cpuInc,
	})
}

func (w *Worker) breakerStateUpdater(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch w.cb.State() {
			case breaker.Closed:
				obs.CircuitBreakerState.Set(0)
			case breaker.HalfOpen:
				obs.CircuitBreakerState.Set(1)
			case breaker.Open:
				obs.CircuitBreakerState.Set(2)
			}
		}
	}
}
