package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/cratere/internal/designer"
	"github.com/local/cratere/internal/layout"
)

const (
	assignPrefix = "a:"
	layoutPrefix = "l:"
)

// RedisSessions keeps each designer session in one hash:
//
//	session:<id>  title, created_at, updated_at, a:<page>-<slot> -> assignment JSON, l:<page> -> kind
type RedisSessions struct {
	client *redis.Client
	keyNS  string
	ttl    time.Duration
}

var _ designer.Store = (*RedisSessions)(nil)

func NewRedisSessions(c *redis.Client, ttl time.Duration) *RedisSessions {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisSessions{client: c, keyNS: "session", ttl: ttl}
}

func (s *RedisSessions) key(id string) string { return fmt.Sprintf("%s:%s", s.keyNS, id) }

// Save replaces the stored session atomically and refreshes its TTL.
func (s *RedisSessions) Save(ctx context.Context, sess *designer.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session without id")
	}
	m := map[string]interface{}{
		"title":      sess.Title,
		"created_at": sess.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": sess.UpdatedAt.Format(time.RFC3339Nano),
	}
	for k, a := range sess.Assignments {
		if a.IsUnset() {
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode assignment %s: %w", k, err)
		}
		m[assignPrefix+k] = string(b)
	}
	for p, kind := range sess.Layouts {
		m[layoutPrefix+strconv.Itoa(p)] = string(kind)
	}

	key := s.key(sess.ID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, m)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisSessions) Load(ctx context.Context, id string) (*designer.Session, error) {
	key := s.key(id)
	res, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if len(res) == 0 {
		return nil, designer.ErrSessionNotFound
	}

	sess := &designer.Session{
		ID:          id,
		Title:       res["title"],
		Assignments: map[string]designer.Assignment{},
		Layouts:     map[int]layout.Kind{},
	}
	if t, err := time.Parse(time.RFC3339Nano, res["created_at"]); err == nil {
		sess.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, res["updated_at"]); err == nil {
		sess.UpdatedAt = t
	}
	for field, v := range res {
		switch {
		case strings.HasPrefix(field, assignPrefix):
			var a designer.Assignment
			if err := json.Unmarshal([]byte(v), &a); err != nil {
				return nil, fmt.Errorf("decode %s: %w", field, err)
			}
			sess.Assignments[strings.TrimPrefix(field, assignPrefix)] = a
		case strings.HasPrefix(field, layoutPrefix):
			p, err := strconv.Atoi(strings.TrimPrefix(field, layoutPrefix))
			if err != nil {
				continue
			}
			sess.Layouts[p] = layout.Kind(v)
		}
	}
	// sliding expiry
	_ = s.client.Expire(ctx, key, s.ttl).Err()
	return sess, nil
}

func (s *RedisSessions) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// Ping checks redis connectivity.
func (s *RedisSessions) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }
