package weights

import (
	"context"
	"sync"
	"time"

	"github.com/BearBump/LockerBox/internal/models"
)

// MemoryStore is a process-local SessionStore with the same TTL semantics as the
// Redis store. Only for a single instance.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*memSession
	now      func() time.Time
}

type memSession struct {
	s         models.WeightSession
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemoryStore{
		ttl:      ttl,
		sessions: map[string]*memSession{},
		now:      time.Now,
	}
}

func (m *MemoryStore) Start(ctx context.Context, s models.WeightSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Active = true
	s.Readings = nil
	m.sessions[s.LockerID] = &memSession{s: s, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Append(ctx context.Context, lockerID string, r models.WeightReading) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms := m.live(lockerID)
	if ms == nil || !ms.s.Active {
		return 0, models.ErrSessionInactive
	}
	ms.s.Readings = append(ms.s.Readings, r)
	ms.expiresAt = m.now().Add(m.ttl)
	return len(ms.s.Readings), nil
}

func (m *MemoryStore) Get(ctx context.Context, lockerID string) (*models.WeightSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms := m.live(lockerID)
	if ms == nil {
		return nil, nil
	}
	out := ms.s
	out.Readings = append([]models.WeightReading(nil), ms.s.Readings...)
	return &out, nil
}

func (m *MemoryStore) Deactivate(ctx context.Context, lockerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms := m.live(lockerID); ms != nil {
		ms.s.Active = false
	}
	return nil
}

// live drops an expired session. Caller holds mu.
func (m *MemoryStore) live(lockerID string) *memSession {
	ms, ok := m.sessions[lockerID]
	if !ok {
		return nil
	}
	if !m.now().Before(ms.expiresAt) {
		delete(m.sessions, lockerID)
		return nil
	}
	return ms
}
