package database

import (
	"context"
)

// Store persists call sessions and conversation turns.
type Store interface {
	// SaveSession inserts a session or updates its mutable fields.
	SaveSession(ctx context.Context, session *Session) error

	// SaveTurn records a completed conversational turn.
	SaveTurn(ctx context.Context, turn *Turn) error

	// GetSession loads a session by ID.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListTurns returns a session's turns in sequence order.
	ListTurns(ctx context.Context, sessionID string) ([]*Turn, error)

	// Health reports whether the backing store is reachable.
	Health() error

	// Close releases store resources.
	Close() error
}
