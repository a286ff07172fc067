package ratelimit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/metrics"
)

// Store is the counter backend for the sliding window. Implementations must
// be safe for concurrent use; each operation is atomic at the single-key
// level.
type Store interface {
	// Slide discards records older than cutoff, records a request at now, and
	// returns the resulting record count and the oldest remaining timestamp.
	Slide(ctx context.Context, key string, now, cutoff time.Time) (count int, oldest time.Time, err error)

	// Block marks a key blocked for the given duration.
	Block(ctx context.Context, key string, duration time.Duration) error

	// IsBlocked reports whether a key is currently blocked.
	IsBlocked(ctx context.Context, key string) (bool, error)

	// Reset clears all records and any block for a key.
	Reset(ctx context.Context, key string) error
}

// Config holds rate limiter configuration.
type Config struct {
	// Points is the number of requests allowed inside the window
	Points int `json:"points" env:"RATE_LIMIT_POINTS" default:"60"`

	// Window is the trailing interval requests are counted over
	Window time.Duration `json:"window" env:"RATE_LIMIT_WINDOW" default:"60s"`

	// BlockDuration marks a key blocked after a denial, independent of
	// window expiry. Zero disables blocking.
	BlockDuration time.Duration `json:"block_duration" env:"RATE_LIMIT_BLOCK_DURATION" default:"0"`
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

// Limiter implements sliding-window admission control over a counter store.
// On any store error the limiter fails open: keeping the call path alive
// outranks admission accuracy.
type Limiter struct {
	store  Store
	logger *logrus.Logger
	config Config
}

// NewLimiter creates a sliding-window limiter backed by the given store.
func NewLimiter(store Store, config Config, logger *logrus.Logger) *Limiter {
	if config.Points <= 0 {
		config.Points = 60
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}

	return &Limiter{
		store:  store,
		logger: logger,
		config: config,
	}
}

// CheckLimit records a request for the key and decides admission: allowed iff
// the number of requests inside the trailing window (including this one) does
// not exceed the configured points.
func (l *Limiter) CheckLimit(ctx context.Context, key string) Result {
	return l.Check(ctx, key, l.config.Points, l.config.Window)
}

// Check is CheckLimit with explicit points and window.
func (l *Limiter) Check(ctx context.Context, key string, points int, window time.Duration) Result {
	now := time.Now()
	failOpen := Result{Allowed: true, Remaining: 1, ResetTime: now.Add(window)}

	blocked, err := l.store.IsBlocked(ctx, key)
	if err != nil {
		l.logger.WithError(err).WithField("key", key).Error("Rate limit block check failed, failing open")
		return failOpen
	}
	if blocked {
		l.count("denied")
		return Result{Allowed: false, Remaining: 0, ResetTime: now.Add(l.config.BlockDuration)}
	}

	count, oldest, err := l.store.Slide(ctx, key, now, now.Add(-window))
	if err != nil {
		l.logger.WithError(err).WithField("key", key).Error("Rate limit check failed, failing open")
		l.count("error")
		return failOpen
	}

	resetTime := now.Add(window)
	if !oldest.IsZero() {
		resetTime = oldest.Add(window)
	}

	remaining := points - count
	if remaining < 0 {
		remaining = 0
	}

	allowed := count <= points
	if !allowed {
		l.count("denied")
		l.logger.WithFields(logrus.Fields{
			"key":    key,
			"count":  count,
			"points": points,
		}).Warn("Rate limit exceeded")

		if l.config.BlockDuration > 0 {
			if err := l.store.Block(ctx, key, l.config.BlockDuration); err != nil {
				l.logger.WithError(err).WithField("key", key).Error("Failed to block rate limited key")
			}
		}
	} else {
		l.count("allowed")
	}

	return Result{Allowed: allowed, Remaining: remaining, ResetTime: resetTime}
}

// IsBlocked reports whether a key is currently in a block period. Fails open.
func (l *Limiter) IsBlocked(ctx context.Context, key string) bool {
	blocked, err := l.store.IsBlocked(ctx, key)
	if err != nil {
		l.logger.WithError(err).WithField("key", key).Error("Block check failed, failing open")
		return false
	}
	return blocked
}

// Reset clears all records and any block for a key.
func (l *Limiter) Reset(ctx context.Context, key string) {
	if err := l.store.Reset(ctx, key); err != nil {
		l.logger.WithError(err).WithField("key", key).Error("Rate limit reset failed")
	}
}

func (l *Limiter) count(decision string) {
	if metrics.RateLimitDecisions != nil {
		metrics.RateLimitDecisions.WithLabelValues(decision).Inc()
	}
}
