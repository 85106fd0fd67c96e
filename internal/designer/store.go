package designer

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
)

var ErrSessionNotFound = errors.New("session not found")

// Store persists designer sessions between requests.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps sessions in process memory and forgets idle ones after ttl.
type MemoryStore struct {
	cache *cache.Cache
	ttl   time.Duration
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{cache: cache.New(ttl, time.Hour), ttl: ttl}
}

// Load returns a copy; mutating it does not change the stored session until Save.
func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	v, ok := m.cache.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return v.(*Session).Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return errors.New("session without id")
	}
	m.cache.Set(s.ID, s.Clone(), m.ttl)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.cache.Delete(id)
	return nil
}

// Len is the number of live sessions.
func (m *MemoryStore) Len() int { return m.cache.ItemCount() }
