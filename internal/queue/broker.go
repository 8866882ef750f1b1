// Copyright 2025 James Ross
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dcf21/eas-orchestrator/internal/model"
)

// BrokerQueue is an external message bus backed by Redis lists, grounded
// on the teacher's own worker loop (internal/worker/worker.go) which is
// itself a Redis-list broker: Publish is LPush, FetchClaim is
// BRPopLPush onto a per-host processing list, List is LRange. Message
// bodies are the decimal ASCII of attempt_id.
//
// Ack-on-fetch: BRPopLPush already removes the id from the source list
// and atomically deposits it on the processing list, which is the
// broker's acknowledgement. A crash between FetchClaim returning and the
// caller's Store write may leak the attempt on the processing list; that
// is covered by heartbeat-staleness, not by this queue (spec.md §4.2,
// §5).
type BrokerQueue struct {
	rdb          *redis.Client
	fetchTimeout time.Duration
}

// NewBrokerQueue wraps rdb. fetchTimeout bounds BRPopLPush's blocking wait.
func NewBrokerQueue(rdb *redis.Client, fetchTimeout time.Duration) *BrokerQueue {
	if fetchTimeout <= 0 {
		fetchTimeout = time.Second
	}
	return &BrokerQueue{rdb: rdb, fetchTimeout: fetchTimeout}
}

func listKey(name string) string { return "eas:queue:" + name }

// Declare is idempotent: Redis lists come into existence on first LPush,
// so there is nothing to create up front.
func (q *BrokerQueue) Declare(ctx context.Context, name string) error { return nil }

func (q *BrokerQueue) Length(ctx context.Context, name string) (int64, error) {
	n, err := q.rdb.LLen(ctx, listKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

func (q *BrokerQueue) Publish(ctx context.Context, name string, attemptID int64) error {
	if err := q.rdb.LPush(ctx, listKey(name), strconv.FormatInt(attemptID, 10)).Err(); err != nil {
		return fmt.Errorf("queue publish: %w", err)
	}
	return nil
}

// FetchClaim pops the oldest waiting id (the right end of the list, as
// Publish pushes on the left) via BRPopLPush. hostID selects which
// processing list the id is deposited on; ack controls whether the pop
// happens at all (ack=false degrades to a non-destructive peek at that
// same id via LIndex, leaving the queue unchanged).
func (q *BrokerQueue) FetchClaim(ctx context.Context, name string, ack bool, hostID int64) (int64, bool, error) {
	if !ack {
		raw, err := q.rdb.LIndex(ctx, listKey(name), -1).Result()
		if err == redis.Nil {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("queue peek: %w", err)
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("queue peek: malformed id %q: %w", raw, err)
		}
		return id, false, nil
	}

	proc := fmt.Sprintf("eas:queue:%s:processing:%d", name, hostID)
	raw, err := q.rdb.BRPopLPush(ctx, listKey(name), proc, q.fetchTimeout).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		// Broker unreachable is transient: the worker retreats to its
		// poll loop rather than dying.
		return 0, false, &model.QueueTransientError{Cause: err}
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("queue fetch claim: malformed id %q: %w", raw, err)
	}
	if err := q.rdb.LRem(ctx, proc, 1, raw).Err(); err != nil {
		return id, true, fmt.Errorf("queue fetch claim: ack: %w", err)
	}
	return id, true, nil
}

func (q *BrokerQueue) List(ctx context.Context, name string) ([]int64, error) {
	raws, err := q.rdb.LRange(ctx, listKey(name), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue list: %w", err)
	}
	out := make([]int64, 0, len(raws))
	for _, raw := range raws {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (q *BrokerQueue) Close() error { return q.rdb.Close() }

// BrokerBackendFactory constructs BrokerQueue instances. config must be
// a *BrokerConfig.
type BrokerBackendFactory struct{}

// BrokerConfig is the opaque config value the Registry passes through to
// BrokerBackendFactory.Create.
type BrokerConfig struct {
	Client       *redis.Client
	FetchTimeout time.Duration
}

func (BrokerBackendFactory) Validate(config interface{}) error {
	cfg, ok := config.(*BrokerConfig)
	if !ok {
		return fmt.Errorf("broker queue backend requires a *BrokerConfig value")
	}
	if cfg.Client == nil {
		return fmt.Errorf("broker queue backend requires a non-nil redis client")
	}
	return nil
}

func (f BrokerBackendFactory) Create(config interface{}) (Queue, error) {
	if err := f.Validate(config); err != nil {
		return nil, err
	}
	cfg := config.(*BrokerConfig)
	return NewBrokerQueue(cfg.Client, cfg.FetchTimeout), nil
}
