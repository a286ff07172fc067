package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
)

const defaultQueryTimeout = 30 * time.Second

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	id VARCHAR(64) PRIMARY KEY,
	caller_id VARCHAR(64) NOT NULL DEFAULT '',
	status VARCHAR(16) NOT NULL DEFAULT 'active',
	language VARCHAR(16) NOT NULL DEFAULT '',
	start_time TIMESTAMP NOT NULL,
	end_time TIMESTAMP NULL,
	duration BIGINT NULL,
	turns INT NOT NULL DEFAULT 0,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
	INDEX idx_sessions_status (status),
	INDEX idx_sessions_start_time (start_time)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

const createTurnsTable = `
CREATE TABLE IF NOT EXISTS turns (
	id VARCHAR(64) PRIMARY KEY,
	session_id VARCHAR(64) NOT NULL,
	sequence INT NOT NULL,
	user_text TEXT NOT NULL,
	ai_text TEXT NOT NULL,
	cached BOOLEAN NOT NULL DEFAULT FALSE,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	timestamp TIMESTAMP NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	INDEX idx_turns_session (session_id, sequence),
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// MySQLStore persists sessions and turns in MySQL.
type MySQLStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewMySQLStore opens a MySQL connection, verifies it and runs migrations.
func NewMySQLStore(dsn string, maxOpen, maxIdle int, logger *logrus.Logger) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &MySQLStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Connected to MySQL database")
	return store, nil
}

func (m *MySQLStore) migrate() error {
	for _, stmt := range []string{createSessionsTable, createTurnsTable} {
		if _, err := m.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

func (m *MySQLStore) getContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), defaultQueryTimeout)
}

// SaveSession inserts or updates a session row.
func (m *MySQLStore) SaveSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, caller_id, status, language, start_time, end_time, duration, turns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			end_time = VALUES(end_time),
			duration = VALUES(duration),
			turns = VALUES(turns)`

	_, err := m.db.ExecContext(ctx, query,
		session.ID,
		session.CallerID,
		session.Status,
		session.Language,
		session.StartTime,
		session.EndTime,
		session.Duration,
		session.Turns,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}

// SaveTurn records a turn and bumps the session's turn counter in one
// transaction.
func (m *MySQLStore) SaveTurn(ctx context.Context, turn *Turn) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, sequence, user_text, ai_text, cached, latency_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID,
		turn.SessionID,
		turn.Sequence,
		turn.UserText,
		turn.AIText,
		turn.Cached,
		turn.LatencyMs,
		turn.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save turn %s: %w", turn.ID, err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE sessions SET turns = turns + 1 WHERE id = ?`, turn.SessionID)
	if err != nil {
		return fmt.Errorf("failed to update turn count for session %s: %w", turn.SessionID, err)
	}

	return tx.Commit()
}

// GetSession loads a session by ID.
func (m *MySQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, caller_id, status, language, start_time, end_time, duration, turns, created_at, updated_at
		FROM sessions WHERE id = ?`

	session := &Session{}
	err := m.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.CallerID,
		&session.Status,
		&session.Language,
		&session.StartTime,
		&session.EndTime,
		&session.Duration,
		&session.Turns,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.NewSessionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return session, nil
}

// ListTurns returns a session's turns in sequence order.
func (m *MySQLStore) ListTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	query := `
		SELECT id, session_id, sequence, user_text, ai_text, cached, latency_ms, timestamp, created_at
		FROM turns WHERE session_id = ? ORDER BY sequence ASC`

	rows, err := m.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		turn := &Turn{}
		err := rows.Scan(
			&turn.ID,
			&turn.SessionID,
			&turn.Sequence,
			&turn.UserText,
			&turn.AIText,
			&turn.Cached,
			&turn.LatencyMs,
			&turn.Timestamp,
			&turn.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// Health checks database reachability.
func (m *MySQLStore) Health() error {
	ctx, cancel := m.getContext()
	defer cancel()

	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (m *MySQLStore) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
