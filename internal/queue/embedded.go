// Copyright 2025 James Ross
package queue

import (
	"context"
	"fmt"

	"github.com/dcf21/eas-orchestrator/internal/store"
)

// EmbeddedQueue is a view over attempt rows in the Store: the queue of a
// task_type IS the set of its attempts whose state is queued, ordered by
// queued_time. There is no separate queue storage to declare or close.
//
// Grounded line-for-line on original_source's
// TaskQueueSql.queue_fetch_and_acknowledge: reset own stale running rows,
// select the oldest queued candidate, conditionally flip it to running,
// re-select to confirm ownership.
type EmbeddedQueue struct {
	st store.Store
}

// NewEmbeddedQueue wraps st as a Queue.
func NewEmbeddedQueue(st store.Store) *EmbeddedQueue {
	return &EmbeddedQueue{st: st}
}

func (q *EmbeddedQueue) Declare(ctx context.Context, name string) error { return nil }

func (q *EmbeddedQueue) Length(ctx context.Context, name string) (int64, error) {
	return q.st.CountQueuedByType(ctx, name)
}

func (q *EmbeddedQueue) Publish(ctx context.Context, name string, attemptID int64) error {
	return q.st.RequeueAttempt(ctx, attemptID)
}

func (q *EmbeddedQueue) FetchClaim(ctx context.Context, name string, ack bool, hostID int64) (int64, bool, error) {
	if ack {
		if _, err := q.st.ResetOwnStaleAttempts(ctx, hostID); err != nil {
			return 0, false, err
		}
		a, err := q.st.ClaimAttempt(ctx, name, hostID)
		if err != nil {
			return 0, false, err
		}
		if a == nil {
			return 0, false, nil
		}
		return a.AttemptID, true, nil
	}
	ids, err := q.st.ListQueuedAttemptIDsByType(ctx, name)
	if err != nil {
		return 0, false, err
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[0], false, nil
}

func (q *EmbeddedQueue) List(ctx context.Context, name string) ([]int64, error) {
	return q.st.ListQueuedAttemptIDsByType(ctx, name)
}

func (q *EmbeddedQueue) Close() error { return nil }

// EmbeddedBackendFactory constructs EmbeddedQueue instances. config must
// be a store.Store.
type EmbeddedBackendFactory struct{}

func (EmbeddedBackendFactory) Validate(config interface{}) error {
	if _, ok := config.(store.Store); !ok {
		return fmt.Errorf("embedded queue backend requires a store.Store config value")
	}
	return nil
}

func (f EmbeddedBackendFactory) Create(config interface{}) (Queue, error) {
	if err := f.Validate(config); err != nil {
		return nil, err
	}
	return NewEmbeddedQueue(config.(store.Store)), nil
}
