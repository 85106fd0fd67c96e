package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/cratere/internal/designer"
)

// ExportJob is the stream payload of an async export. The session is a
// snapshot taken at enqueue time; later edits do not affect the job.
type ExportJob struct {
	JobID      string            `json:"job_id"`
	Session    *designer.Session `json:"session"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Message is a job read from the stream, acked by ID once handled.
type Message struct {
	ID  string
	Job ExportJob
}

// RedisQueue implements Redis Streams + consumer groups.
type RedisQueue struct {
	client *redis.Client
	Stream string
	Group  string
}

// NewRedisQueue ensures the stream and consumer group exist.
func NewRedisQueue(ctx context.Context, c *redis.Client, stream, group string) (*RedisQueue, error) {
	q := &RedisQueue{client: c, Stream: stream, Group: group}
	// MKSTREAM creates the stream if missing
	if err := c.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("xgroup create: %w", err)
	}
	return q, nil
}

func isBusyGroupErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// EnqueueExport adds a job to the stream as a single-field entry {data: <json>}.
func (q *RedisQueue) EnqueueExport(ctx context.Context, job ExportJob) (string, error) {
	if job.JobID == "" || job.Session == nil {
		return "", errors.New("export job needs an id and a session")
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	b, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.Stream,
		Values: map[string]any{"data": string(b)},
	}).Result()
}

// Dequeue blocks up to timeout for one new message for consumer. It returns
// nil, nil when nothing arrived. Messages stay pending until Ack.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*Message, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: consumer,
		Streams:  []string{q.Stream, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}
	return decode(res[0].Messages[0])
}

// ClaimStale takes over one message left pending by a dead consumer for
// longer than minIdle.
func (q *RedisQueue) ClaimStale(ctx context.Context, consumer string, minIdle time.Duration) (*Message, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.Stream,
		Group:    q.Group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return decode(msgs[0])
}

func decode(msg redis.XMessage) (*Message, error) {
	var raw []byte
	switch t := msg.Values["data"].(type) {
	case string:
		raw = []byte(t)
	case []byte:
		raw = t
	default:
		return &Message{ID: msg.ID}, fmt.Errorf("message %s has no data field", msg.ID)
	}
	var job ExportJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return &Message{ID: msg.ID}, fmt.Errorf("decode message %s: %w", msg.ID, err)
	}
	return &Message{ID: msg.ID, Job: job}, nil
}

// Ack marks a message as processed.
func (q *RedisQueue) Ack(ctx context.Context, msgID string) error {
	if msgID == "" {
		return nil
	}
	return q.client.XAck(ctx, q.Stream, q.Group, msgID).Err()
}

// Depths returns the stream length and the number of pending (delivered,
// unacked) messages for metrics.
func (q *RedisQueue) Depths(ctx context.Context) (int64, int64, error) {
	pipe := q.client.Pipeline()
	xlen := pipe.XLen(ctx, q.Stream)
	pending := pipe.XPending(ctx, q.Stream, q.Group)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, err
	}
	var p int64
	if v, err := pending.Result(); err == nil && v != nil {
		p = v.Count
	}
	return xlen.Val(), p, nil
}
