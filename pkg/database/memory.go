package database

import (
	"context"
	"sort"
	"sync"

	"voicegate-server/pkg/errors"
)

// MemoryStore is an in-process Store used when no database is configured and
// in tests.
type MemoryStore struct {
	mutex    sync.RWMutex
	sessions map[string]*Session
	turns    map[string][]*Turn
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		turns:    make(map[string][]*Turn),
	}
}

// SaveSession inserts or replaces a session.
func (m *MemoryStore) SaveSession(ctx context.Context, session *Session) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

// SaveTurn records a turn and bumps the session's turn counter.
func (m *MemoryStore) SaveTurn(ctx context.Context, turn *Turn) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	copied := *turn
	m.turns[turn.SessionID] = append(m.turns[turn.SessionID], &copied)
	if session, ok := m.sessions[turn.SessionID]; ok {
		session.Turns++
	}
	return nil
}

// GetSession loads a session by ID.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, errors.NewSessionNotFound(id)
	}
	copied := *session
	return &copied, nil
}

// ListTurns returns a session's turns in sequence order.
func (m *MemoryStore) ListTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stored := m.turns[sessionID]
	turns := make([]*Turn, 0, len(stored))
	for _, turn := range stored {
		copied := *turn
		turns = append(turns, &copied)
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].Sequence < turns[j].Sequence })
	return turns, nil
}

// Health always succeeds for the in-memory store.
func (m *MemoryStore) Health() error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
