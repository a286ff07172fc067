package database

import (
	"time"
)

// Session status values
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusFailed    = "failed"
)

// Session represents a voice call session
type Session struct {
	ID        string     `db:"id" json:"id"`
	CallerID  string     `db:"caller_id" json:"caller_id"`
	Status    string     `db:"status" json:"status"` // active, completed, failed
	Language  string     `db:"language" json:"language"`
	StartTime time.Time  `db:"start_time" json:"start_time"`
	EndTime   *time.Time `db:"end_time" json:"end_time,omitempty"`
	Duration  *int64     `db:"duration" json:"duration,omitempty"` // seconds
	Turns     int        `db:"turns" json:"turns"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// Turn represents one completed conversational exchange within a session
type Turn struct {
	ID        string    `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`
	Sequence  int       `db:"sequence" json:"sequence"`
	UserText  string    `db:"user_text" json:"user_text"`
	AIText    string    `db:"ai_text" json:"ai_text"`
	Cached    bool      `db:"cached" json:"cached"`
	LatencyMs int64     `db:"latency_ms" json:"latency_ms"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
