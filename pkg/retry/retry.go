package retry

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
	"voicegate-server/pkg/metrics"
)

// Operation is a fallible remote call executed under retry.
type Operation func(ctx context.Context) error

// Classifier decides whether an error is worth retrying. See
// errors.IsRetryable for the standard taxonomy.
type Classifier func(err error) bool

// Config holds retry executor configuration.
type Config struct {
	// MaxRetries is the ceiling on the per-category consecutive-failure count
	MaxRetries int

	// BackoffBase scales the exponential delay: base * 2^count
	BackoffBase time.Duration
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BackoffBase: time.Second,
	}
}

type counter struct {
	mutex sync.Mutex
	count int
}

// Executor runs fallible operations with bounded exponential retry. The
// consecutive-failure counter is shared process-wide per operation category:
// it throttles categories of operations, not individual calls. Counters clear
// on success and via an explicit Reset.
type Executor struct {
	logger *logrus.Logger
	config Config

	mutex    sync.RWMutex
	counters map[string]*counter
}

// NewExecutor creates a retry executor.
func NewExecutor(config Config, logger *logrus.Logger) *Executor {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Second
	}

	return &Executor{
		logger:   logger,
		config:   config,
		counters: make(map[string]*counter),
	}
}

// Do executes the operation for the given category, retrying blindly on any
// error until the category's failure budget is spent. On success the
// category counter resets; on exhaustion the last error propagates and the
// counter is left for Reset.
func (e *Executor) Do(ctx context.Context, category string, op Operation) error {
	return e.DoIf(ctx, category, nil, op)
}

// DoIf is Do with a classifier consulted before each retry: a failure the
// classifier rejects propagates immediately without spending the budget.
func (e *Executor) DoIf(ctx context.Context, category string, retryable Classifier, op Operation) error {
	c := e.counter(category)

	for {
		err := op(ctx)
		if err == nil {
			e.Reset(category)
			return nil
		}

		if retryable != nil && !retryable(err) {
			e.logger.WithError(err).WithField("category", category).Debug("Error not retryable, propagating")
			return err
		}

		c.mutex.Lock()
		if c.count >= e.config.MaxRetries {
			count := c.count
			c.mutex.Unlock()

			e.logger.WithError(err).WithFields(logrus.Fields{
				"category": category,
				"failures": count,
			}).Error("Operation failed after maximum retries")

			return errors.Wrap(err, "retries exhausted", map[string]interface{}{
				"category": category,
				"failures": count,
			}).WithCode("RETRIES_EXHAUSTED")
		}

		c.count++
		delay := e.config.BackoffBase << uint(c.count-1)
		attempt := c.count
		c.mutex.Unlock()

		if metrics.RetriesTotal != nil {
			metrics.RetriesTotal.WithLabelValues(category).Inc()
		}

		e.logger.WithError(err).WithFields(logrus.Fields{
			"category": category,
			"attempt":  attempt,
			"delay":    delay,
		}).Warn("Retrying operation")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "retry canceled", map[string]interface{}{
				"category": category,
			})
		case <-timer.C:
		}
	}
}

// FailureCount returns the current consecutive-failure count for a category.
func (e *Executor) FailureCount(category string) int {
	c := e.counter(category)
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.count
}

// Reset clears the consecutive-failure count for a category.
func (e *Executor) Reset(category string) {
	c := e.counter(category)
	c.mutex.Lock()
	c.count = 0
	c.mutex.Unlock()
}

func (e *Executor) counter(category string) *counter {
	e.mutex.RLock()
	c, exists := e.counters[category]
	e.mutex.RUnlock()
	if exists {
		return c
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()
	if c, exists = e.counters[category]; exists {
		return c
	}
	c = &counter{}
	e.counters[category] = c
	return c
}
