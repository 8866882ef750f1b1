// Copyright 2025 James Ross
package worker

import (
	"context"
	"syscall"
	"time"

	"github.com/dcf21/eas-orchestrator/internal/store"
)

// TaskTimer records an attempt's start time when created and, on Stop,
// its wall-clock duration plus two CPU measures: this process's CPU
// time, and CPU time including reaped child processes. The CPU deltas
// come from getrusage, so they cover everything the process did between
// Start and Stop, not just the handler goroutine; with one attempt in
// flight at a time per worker process that is the measure we want.
type TaskTimer struct {
	attemptID int64
	start     time.Time
	cpuSelf0  float64
	cpuKids0  float64
}

func rusageSeconds(who int) float64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(who, &ru); err != nil {
		return 0
	}
	utime := float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6
	stime := float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6
	return utime + stime
}

// StartTimer stamps start_time (and the first heartbeat) on the attempt
// row and snapshots the CPU counters.
func StartTimer(ctx context.Context, st store.Store, attemptID int64) (*TaskTimer, error) {
	t := &TaskTimer{
		attemptID: attemptID,
		start:     time.Now(),
		cpuSelf0:  rusageSeconds(syscall.RUSAGE_SELF),
		cpuKids0:  rusageSeconds(syscall.RUSAGE_CHILDREN),
	}
	if err := st.StartAttempt(ctx, attemptID, t.start); err != nil {
		return nil, err
	}
	return t, nil
}

// Stop returns the end time and the three run-time measures.
func (t *TaskTimer) Stop() (end time.Time, wall, cpu, cpuIncChildren float64) {
	end = time.Now()
	wall = end.Sub(t.start).Seconds()
	cpu = rusageSeconds(syscall.RUSAGE_SELF) - t.cpuSelf0
	cpuIncChildren = cpu + rusageSeconds(syscall.RUSAGE_CHILDREN) - t.cpuKids0
	return end, wall, cpu, cpuIncChildren
}
