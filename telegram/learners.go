package telegram

import (
	"context"
	"sync"

	"salescoachdev/database/postgres"
)

var (
	_ Learners = (*MemoryLearners)(nil)
	_ Learners = (*postgres.Database)(nil)
)

// MemoryLearners keeps chat bindings in process memory when no database is configured.
type MemoryLearners struct {
	mu     sync.Mutex
	active map[int64]string
}

func NewMemoryLearners() *MemoryLearners {
	return &MemoryLearners{active: map[int64]string{}}
}

func (m *MemoryLearners) SetupLearner(_ context.Context, args postgres.SetupLearnerProps) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[args.TelegramUserID]; !ok {
		m.active[args.TelegramUserID] = ""
	}
	return nil
}

func (m *MemoryLearners) ActiveSession(_ context.Context, telegramUserID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[telegramUserID], nil
}

func (m *MemoryLearners) SetActiveSession(_ context.Context, telegramUserID int64, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[telegramUserID] = sessionID
	return nil
}
