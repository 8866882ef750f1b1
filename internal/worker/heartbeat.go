// Copyright 2025 James Ross
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dcf21/eas-orchestrator/internal/store"
)

// Heartbeat bumps an attempt's latest_heartbeat on a fixed cadence from
// its own goroutine. It is the cooperative in-process replacement for
// the source pipeline's heartbeat child process: cancellation is an
// explicit channel close on scope exit, and Stop blocks until the
// goroutine has drained, so no bump can land after the attempt is
// reported finished.
type Heartbeat struct {
	stop chan struct{}
	done chan struct{}
}

// StartHeartbeat bumps latest_heartbeat once every cadence; the first
// bump lands one cadence after the call.
func StartHeartbeat(ctx context.Context, st store.Store, attemptID int64, cadence time.Duration, log *zap.Logger) *Heartbeat {
	h := &Heartbeat{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Heartbeat(ctx, attemptID, time.Now()); err != nil {
					log.Warn("heartbeat update failed", zap.Int64("attempt_id", attemptID), zap.Error(err))
				}
			}
		}
	}()
	return h
}

// Stop cancels the ticker and waits for the goroutine to exit.
func (h *Heartbeat) Stop() {
	close(h.stop)
	<-h.done
}
