package session

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"salescoachdev/coacherr"
)

// Repository persists sessions and their turns.
type Repository interface {
	CreateSession(ctx context.Context, s Session) error
	// GetSession returns coacherr.ErrNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (Session, error)
	// SaveTurn stores the new session state together with the turns it produced, atomically.
	SaveTurn(ctx context.Context, s Session, turns ...Turn) error
	// ListTurns returns the turns of a session in order.
	ListTurns(ctx context.Context, sessionID string) ([]Turn, error)
	// DeleteSession removes a session and everything it owns.
	DeleteSession(ctx context.Context, id string) error
}

// MemoryRepository keeps sessions in process memory. It is used when no database is
// configured and in tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]Session
	turns    map[string][]Turn
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: map[string]Session{}, turns: map[string][]Turn{}}
}

func (m *MemoryRepository) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryRepository) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, coacherr.New(coacherr.KindNotFound, "session.GetSession", fmt.Errorf("session %s", id))
	}
	return s.Clone(), nil
}

func (m *MemoryRepository) SaveTurn(_ context.Context, s Session, turns ...Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return coacherr.New(coacherr.KindNotFound, "session.SaveTurn", fmt.Errorf("session %s", s.ID))
	}
	m.sessions[s.ID] = s.Clone()
	m.turns[s.ID] = append(m.turns[s.ID], turns...)
	return nil
}

func (m *MemoryRepository) ListTurns(_ context.Context, sessionID string) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, coacherr.New(coacherr.KindNotFound, "session.ListTurns", fmt.Errorf("session %s", sessionID))
	}
	return slices.Clone(m.turns[sessionID]), nil
}

func (m *MemoryRepository) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return coacherr.New(coacherr.KindNotFound, "session.DeleteSession", fmt.Errorf("session %s", id))
	}
	delete(m.sessions, id)
	delete(m.turns, id)
	return nil
}
