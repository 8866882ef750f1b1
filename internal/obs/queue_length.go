// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// QueueLengther is the minimal slice of queue.Queue this updater needs;
// declared locally so obs never imports the queue package.
type QueueLengther interface {
	Length(ctx context.Context, name string) (int64, error)
}

// StartQueueLengthUpdater samples each named task-type queue's length on
// interval and updates the queue_length gauge.
func StartQueueLengthUpdater(ctx context.Context, q QueueLengther, taskTypes []string, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, tt := range taskTypes {
					n, err := q.Length(ctx, tt)
					if err != nil {
						log.Debug("queue length poll error", String("queue", tt), Err(err))
						continue
					}
					QueueLength.WithLabelValues(tt).Set(float64(n))
				}
			}
		}
	}()
}
