package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"submission-dispatcher/internal/config"
)

func newTestQueue(t *testing.T, cfg config.Config) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueueWithClient(client, cfg)
}

func TestLaneMapping(t *testing.T) {
	q := newTestQueue(t, config.Config{PriorityQueues: []string{"high", "default", "low"}})

	assert.Equal(t, "high", q.Lane(0))
	assert.Equal(t, "high", q.Lane(1))
	assert.Equal(t, "default", q.Lane(2))
	assert.Equal(t, "low", q.Lane(3))
	assert.Equal(t, "low", q.Lane(9))
}

func TestDequeueHonoursPriorityAndCarriesMeta(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, config.Config{PriorityQueues: []string{"high", "default", "low"}})

	require.NoError(t, q.Enqueue(ctx, "job-low", "cust-1", 10, 3))
	require.NoError(t, q.Enqueue(ctx, "job-high", "cust-2", 25, 1))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	msg, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "job-high", msg.JobID)
	assert.Equal(t, "cust-2", msg.CustomerID)
	assert.Equal(t, 25, msg.PackageSize)
	assert.Equal(t, 1, msg.Priority)
	assert.Equal(t, 1, msg.Deliveries)

	inflight, err := q.InFlight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, inflight)

	require.NoError(t, q.Ack(ctx, msg.JobID))
	inflight, err = q.InFlight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, inflight)

	msg, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "job-low", msg.JobID)

	msg, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg, "empty queue yields no message")
}

func TestExpiredLeaseIsRedeliveredThenDeadLettered(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, config.Config{
		PriorityQueues:    []string{"default"},
		VisibilityTimeout: time.Second,
		MaxDeliveries:     2,
	})

	require.NoError(t, q.Enqueue(ctx, "job-1", "cust", 3, 2))

	msg, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 1, msg.Deliveries)

	// Lease not yet expired: nothing to requeue.
	requeued, dead, err := q.RequeueExpired(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, requeued)
	assert.Empty(t, dead)

	requeued, dead, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, requeued)
	assert.Empty(t, dead)

	msg, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 2, msg.Deliveries)
	assert.Equal(t, "cust", msg.CustomerID)

	requeued, dead, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 100)
	require.NoError(t, err)
	assert.Empty(t, requeued)
	require.Len(t, dead, 1)
	assert.Equal(t, "job-1", dead[0].JobID)

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)

	entries, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "job-1", entries[0].JobID)
	assert.Equal(t, 2, entries[0].Deliveries)
}

func TestConcurrentSweepersRequeueExpiredLeaseOnce(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, config.Config{VisibilityTimeout: time.Second, MaxDeliveries: 3})

	require.NoError(t, q.Enqueue(ctx, "job-1", "cust", 3, 2))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		total atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			requeued, _, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 100)
			assert.NoError(t, err)
			total.Add(int64(len(requeued)))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, total.Load())
	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
	inflight, err := q.InFlight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, inflight)
}

func TestConcurrentSweepersDeadLetterOnce(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, config.Config{VisibilityTimeout: time.Second, MaxDeliveries: 1})

	require.NoError(t, q.Enqueue(ctx, "job-1", "cust", 3, 2))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 100)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "delivery attempts exhausted", entries[0].Reason)
	assert.Equal(t, 1, entries[0].Deliveries)
	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)
}

func TestCancelRemovesReadyMessages(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, config.Config{})

	require.NoError(t, q.Enqueue(ctx, "job-1", "cust", 3, 2))
	require.NoError(t, q.Cancel(ctx, "job-1"))

	msg, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestDLQPushPeekRemove(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, config.Config{})

	require.NoError(t, q.DLQPush(ctx, DeadLetter{JobID: "job-1", Directory: "yelp", Reason: "retries exhausted"}))
	require.NoError(t, q.DLQPush(ctx, DeadLetter{JobID: "job-2", Directory: "bing", Reason: "retries exhausted"}))
	require.NoError(t, q.DLQPush(ctx, DeadLetter{JobID: "job-1", Directory: "google", Reason: "retries exhausted"}))
	require.NoError(t, q.Client().RPush(ctx, "queue:dlq", "job-3").Err())

	entries, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "yelp", entries[0].Directory)
	assert.Equal(t, "job-3", entries[3].JobID)
	assert.Equal(t, "unknown", entries[3].Reason)

	removed, err := q.DLQRemove(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err = q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "job-2", entries[0].JobID)
}
