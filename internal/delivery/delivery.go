// Package delivery deduplicates webhook deliveries so a redelivered push does
// not trigger a second build.
package delivery

import (
	"context"
	"sync"
	"time"
)

// Guard claims delivery ids. Claim reports true only for the first caller
// within the retention window. Release gives a claimed id back so a
// redelivery of a push that was never queued is accepted.
type Guard interface {
	Claim(ctx context.Context, deliveryID string) (bool, error)
	Release(ctx context.Context, deliveryID string) error
	Close() error
}

// Memory is a process-local Guard.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemory returns a Memory guard retaining ids for ttl.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Memory{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (m *Memory) Claim(_ context.Context, deliveryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, expires := range m.seen {
		if !now.Before(expires) {
			delete(m.seen, id)
		}
	}
	if _, ok := m.seen[deliveryID]; ok {
		return false, nil
	}
	m.seen[deliveryID] = now.Add(m.ttl)
	return true, nil
}

func (m *Memory) Release(_ context.Context, deliveryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, deliveryID)
	return nil
}

func (m *Memory) Close() error { return nil }
