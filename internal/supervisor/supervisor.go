// Copyright 2025 James Ross

// Package supervisor is the lightweight periodic process that recomputes
// heartbeat liveness and progress summaries. It holds no authoritative
// state and never mutates attempts: stalled attempts are surfaced, not
// killed, and rescheduling is an operator action.
package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dcf21/eas-orchestrator/internal/config"
	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/obs"
	"github.com/dcf21/eas-orchestrator/internal/store"
)

// Supervisor periodically sweeps the attempt table for stalled claims
// and publishes summary metrics.
type Supervisor struct {
	cfg *config.Config
	st  store.Store
	log *zap.Logger
}

// New returns a Supervisor reading through st.
func New(cfg *config.Config, st store.Store, log *zap.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, st: st, log: log}
}

// Run sweeps once per heartbeat cadence until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	interval := s.cfg.Heartbeat.Cadence
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ScanOnce(ctx, time.Now()); err != nil {
				s.log.Error("supervisor scan error", zap.Error(err))
			}
		}
	}
}

// ScanOnce recomputes the stalled set as of now and returns it. Every
// stalled attempt is logged on each scan, with enough context for an
// operator to decide whether to reschedule the task.
func (s *Supervisor) ScanOnce(ctx context.Context, now time.Time) ([]*model.TaskExecutionAttempt, error) {
	stalled, err := s.st.ListStalledAttempts(ctx, s.cfg.Heartbeat.MaxAge, now)
	if err != nil {
		return nil, err
	}
	obs.AttemptsStalled.Set(float64(len(stalled)))
	for _, a := range stalled {
		fields := []zap.Field{
			zap.Int64("attempt_id", a.AttemptID),
			zap.Int64("task_id", a.TaskID),
		}
		if a.HostID != nil {
			fields = append(fields, zap.Int64("host_id", *a.HostID))
		}
		if a.LatestHeartbeat != nil {
			fields = append(fields, zap.Duration("heartbeat_age", now.Sub(*a.LatestHeartbeat)))
		}
		s.log.Warn("stalled attempt", fields...)
	}
	return stalled, nil
}
