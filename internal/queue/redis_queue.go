package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"submission-dispatcher/internal/config"
)

// Message is a dispatch message as handed to a consumer.
type Message struct {
	JobID       string
	CustomerID  string
	PackageSize int
	Priority    int
	Deliveries  int
}

// DeadLetter is an entry in the dead-letter list, kept for manual inspection.
type DeadLetter struct {
	JobID      string    `json:"job_id"`
	Directory  string    `json:"directory,omitempty"`
	Reason     string    `json:"reason"`
	Deliveries int       `json:"deliveries,omitempty"`
	At         time.Time `json:"at"`
}

// RedisQueue coordinates ready and in-flight dispatch messages in Redis.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	jobMetaPrefix  string
	visibilityTTL  time.Duration
	maxDeliveries  int
	dlqKey         string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient builds a queue on an existing client.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	maxDeliveries := cfg.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = 3
	}
	name := cfg.QueueName
	if name == "" {
		name = "dispatch"
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    fmt.Sprintf("queue:%s:inflight", name),
		jobMetaPrefix:  fmt.Sprintf("queue:%s:jobmeta:", name),
		visibilityTTL:  visibility,
		maxDeliveries:  maxDeliveries,
		dlqKey:         dlq,
	}
}

// Client exposes the underlying Redis client so other components can share the connection pool.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Close releases the Redis connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) readyKey(lane string) string {
	return fmt.Sprintf("queue:ready:%s", lane)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Lane maps a priority level (lower is more urgent) onto a ready lane.
func (q *RedisQueue) Lane(priority int) string {
	idx := priority - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(q.priorityQueues) {
		idx = len(q.priorityQueues) - 1
	}
	return q.priorityQueues[idx]
}

// Enqueue publishes a dispatch message for a job.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, customerID string, packageSize, priority int) error {
	lane := q.Lane(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID),
		"customer_id", customerID,
		"package_size", packageSize,
		"priority", priority,
		"lane", lane,
		"deliveries", 0,
	)
	pipe.RPush(ctx, q.readyKey(lane), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// DequeueWithLease pops a message from the ready lanes (priority order) and places it
// into in-flight with a visibility timeout. It returns nil when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*Message, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, keys, deadline, q.jobMetaPrefix).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return nil, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	jobID, ok := arr[0].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected job id type from dequeue script: %T", arr[0])
	}
	deliveries, _ := arr[1].(int64)

	meta, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read message meta: %w", err)
	}
	return &Message{
		JobID:       jobID,
		CustomerID:  meta["customer_id"],
		PackageSize: atoi(meta["package_size"]),
		Priority:    atoi(meta["priority"]),
		Deliveries:  int(deliveries),
	}, nil
}

// Ack removes a message from in-flight tracking along with its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out. Messages that reached the delivery
// cap are moved to the dead-letter list instead of being made visible again.
// The scan and the moves run as one script, so concurrent sweepers never
// redeliver the same lease twice.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (requeued []string, dead []DeadLetter, err error) {
	if limit <= 0 {
		limit = 100
	}
	at := now.UTC()
	res, err := requeueScript.Run(ctx, q.client,
		[]string{q.inflightKey, q.dlqKey},
		now.UnixMilli(), limit, q.jobMetaPrefix, q.readyKey(""), q.Lane(0), q.maxDeliveries, at.Format(time.RFC3339Nano),
	).Result()
	if err == redis.Nil {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr)%3 != 0 {
		return nil, nil, fmt.Errorf("unexpected reply from requeue script: %T", res)
	}
	for i := 0; i < len(arr); i += 3 {
		id, _ := arr[i].(string)
		outcome, _ := arr[i+1].(string)
		deliveries, _ := arr[i+2].(int64)
		if outcome == "dead" {
			dead = append(dead, DeadLetter{
				JobID:      id,
				Reason:     "delivery attempts exhausted",
				Deliveries: int(deliveries),
				At:         at,
			})
			continue
		}
		requeued = append(requeued, id)
	}
	return requeued, dead, nil
}

// Cancel removes a job's messages from the ready lanes and in-flight set.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, dl DeadLetter) error {
	if dl.At.IsZero() {
		dl.At = time.Now().UTC()
	}
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return q.client.RPush(ctx, q.dlqKey, raw).Err()
}

// DLQPeek reads up to count dead-lettered entries, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	raws, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		out = append(out, parseDeadLetter(raw))
	}
	return out, nil
}

// DLQRemove drops every dead-letter entry for a job and returns how many were removed.
func (q *RedisQueue) DLQRemove(ctx context.Context, jobID string) (int, error) {
	raws, err := q.client.LRange(ctx, q.dlqKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, raw := range raws {
		if parseDeadLetter(raw).JobID != jobID {
			continue
		}
		n, err := q.client.LRem(ctx, q.dlqKey, 1, raw).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	return removed, nil
}

// ReadyDepth returns the total length of all ready lanes.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InFlight returns the number of leased, unacknowledged messages.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

func parseDeadLetter(raw string) DeadLetter {
	var dl DeadLetter
	if err := json.Unmarshal([]byte(raw), &dl); err != nil || dl.JobID == "" {
		// plain job ids are accepted for entries pushed by hand
		dl = DeadLetter{JobID: raw, Reason: "unknown"}
	}
	return dl
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// KEYS: inflight, dlq.
// ARGV: now ms, limit, meta prefix, ready prefix, fallback lane, max deliveries, now text.
// Replies with flat (job, "ready"|"dead", deliveries) triples.
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, job in ipairs(ids) do
  redis.call('ZREM', KEYS[1], job)
  local meta = ARGV[3] .. job
  local deliveries = tonumber(redis.call('HGET', meta, 'deliveries') or '0') or 0
  if deliveries >= tonumber(ARGV[6]) then
    redis.call('RPUSH', KEYS[2], cjson.encode({job_id = job, reason = 'delivery attempts exhausted', deliveries = deliveries, at = ARGV[7]}))
    redis.call('DEL', meta)
    table.insert(out, job)
    table.insert(out, 'dead')
  else
    local lane = redis.call('HGET', meta, 'lane')
    if not lane then
      lane = ARGV[5]
    end
    redis.call('RPUSH', ARGV[4] .. lane, job)
    table.insert(out, job)
    table.insert(out, 'ready')
  end
  table.insert(out, deliveries)
end
return out
`)

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    local n = redis.call('HINCRBY', ARGV[2] .. job, 'deliveries', 1)
    return {job, n}
  end
end
return nil
`)
