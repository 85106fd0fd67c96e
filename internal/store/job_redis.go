package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Export job states.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// JobStatus is the externally visible state of an async export.
type JobStatus struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id,omitempty"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message,omitempty"`
	Filename    string     `json:"filename,omitempty"`
	Location    string     `json:"location,omitempty"`
	Pages       int        `json:"pages,omitempty"`
	FailedSlots []string   `json:"failed_slots,omitempty"`
	Start       *time.Time `json:"start_time,omitempty"`
	End         *time.Time `json:"end_time,omitempty"`
}

// Done reports whether the job reached a final state.
func (s JobStatus) Done() bool { return s.Status == StatusSuccess || s.Status == StatusFailed }

type RedisJobs struct {
	client *redis.Client
	keyNS  string
	ttl    time.Duration
}

func NewRedisJobs(c *redis.Client, ttl time.Duration) *RedisJobs {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisJobs{client: c, keyNS: "export", ttl: ttl}
}

func (s *RedisJobs) key(jobID string) string { return fmt.Sprintf("%s:%s:status", s.keyNS, jobID) }

func (s *RedisJobs) Set(ctx context.Context, st JobStatus) error {
	m := map[string]interface{}{
		"session_id": st.SessionID,
		"status":     st.Status,
		"progress":   st.Progress,
		"message":    st.Message,
		"filename":   st.Filename,
		"location":   st.Location,
		"pages":      st.Pages,
	}
	if st.Start != nil {
		m["start"] = st.Start.Format(time.RFC3339Nano)
	}
	if st.End != nil {
		m["end"] = st.End.Format(time.RFC3339Nano)
	}
	if len(st.FailedSlots) > 0 {
		b, _ := json.Marshal(st.FailedSlots)
		m["failed_slots"] = string(b)
	}
	key := s.key(st.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, m)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// SetProgress updates only the progress field of an existing job.
func (s *RedisJobs) SetProgress(ctx context.Context, jobID string, progress int) error {
	return s.client.HSet(ctx, s.key(jobID), "progress", progress).Err()
}

func (s *RedisJobs) Get(ctx context.Context, jobID string) (JobStatus, bool, error) {
	res, err := s.client.HGetAll(ctx, s.key(jobID)).Result()
	if err != nil {
		return JobStatus{}, false, err
	}
	if len(res) == 0 {
		return JobStatus{}, false, nil
	}
	st := JobStatus{
		ID:        jobID,
		SessionID: res["session_id"],
		Status:    res["status"],
		Message:   res["message"],
		Filename:  res["filename"],
		Location:  res["location"],
	}
	st.Progress, _ = strconv.Atoi(res["progress"])
	st.Pages, _ = strconv.Atoi(res["pages"])
	if v := res["start"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.Start = &t
		}
	}
	if v := res["end"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.End = &t
		}
	}
	if v := res["failed_slots"]; v != "" {
		_ = json.Unmarshal([]byte(v), &st.FailedSlots)
	}
	return st, true, nil
}
