// Copyright 2025 James Ross
package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*BrokerQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewBrokerQueue(rdb, time.Second), mr
}

func TestBrokerQueuePublishFetchClaim(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestBroker(t)

	require.NoError(t, q.Declare(ctx, "binning"))
	require.NoError(t, q.Publish(ctx, "binning", 42))

	n, err := q.Length(ctx, "binning")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	id, ok, err := q.FetchClaim(ctx, "binning", true, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), id)

	n, err = q.Length(ctx, "binning")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestBrokerQueueFetchClaimEmpty(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestBroker(t)
	q.fetchTimeout = 10 * time.Millisecond

	id, ok, err := q.FetchClaim(ctx, "binning", true, 7)
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, id)
}

func TestBrokerQueueListIsNonDestructive(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestBroker(t)

	require.NoError(t, q.Publish(ctx, "binning", 1))
	require.NoError(t, q.Publish(ctx, "binning", 2))

	ids, err := q.List(ctx, "binning")
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{1, 2}, ids)

	n, err := q.Length(ctx, "binning")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestBrokerQueuePeekWithoutAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestBroker(t)
	require.NoError(t, q.Publish(ctx, "binning", 9))

	id, ok, err := q.FetchClaim(ctx, "binning", false, 0)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(9), id)

	n, err := q.Length(ctx, "binning")
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "peek must not consume the queue")
}
