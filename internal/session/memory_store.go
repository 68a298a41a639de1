package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process. It does not survive restarts and is
// meant for tests and local tooling.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*PaymentSession
	returns  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*PaymentSession),
		returns:  make(map[string]string),
	}
}

func (m *MemoryStore) Save(_ context.Context, s *PaymentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.UserID] = s.Clone()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, userID string) (*PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID].Clone(), nil
}

func (m *MemoryStore) Clear(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
	return nil
}

func (m *MemoryStore) SaveReturnContext(_ context.Context, userID, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returns[userID] = location
	return nil
}

func (m *MemoryStore) TakeReturnContext(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	location := m.returns[userID]
	delete(m.returns, userID)
	return location, nil
}

func (m *MemoryStore) ListStale(_ context.Context, createdBefore time.Time, offset, limit int) (StalePage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PaymentSession
	for _, s := range m.sessions {
		if s.IsActive() && s.CreatedAt.Before(createdBefore) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return StalePage{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return StalePage{Sessions: out}, nil
}
