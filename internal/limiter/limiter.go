package limiter

import (
	"strings"
	"sync"
)

// Inflight caps concurrent work per key inside this process. Callers that
// cannot get a slot are turned away instead of queued.
type Inflight struct {
	max int
	mu  sync.Mutex
	sem map[string]chan struct{}
}

func New(maxInflight int) *Inflight {
	if maxInflight <= 0 {
		maxInflight = 2
	}
	return &Inflight{max: maxInflight, sem: map[string]chan struct{}{}}
}

// Allow tries to reserve a slot for key.
// Returns a release function and true if allowed; otherwise a no-op and false.
func (l *Inflight) Allow(key string) (func(), bool) {
	key = strings.ToLower(key)
	l.mu.Lock()
	ch, ok := l.sem[key]
	if !ok {
		ch = make(chan struct{}, l.max)
		l.sem[key] = ch
	}
	l.mu.Unlock()
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, true
	default:
		return func() {}, false
	}
}

// InUse reports how many slots of key are taken.
func (l *Inflight) InUse(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.sem[strings.ToLower(key)]; ok {
		return len(ch)
	}
	return 0
}

// Max is the per-key limit.
func (l *Inflight) Max() int { return l.max }
