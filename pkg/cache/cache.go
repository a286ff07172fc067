package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/metrics"
)

const keyPrefix = "reply:"

type fallbackEntry struct {
	value     string
	expiresAt time.Time
}

// ReplyCache caches AI replies keyed by normalized utterance text. Redis is
// the primary backend; an in-memory fallback keeps cache hits possible while
// Redis is unreachable. Cache operations never return errors to callers.
type ReplyCache struct {
	client redis.Cmdable
	logger *logrus.Logger

	mutex    sync.RWMutex
	fallback map[string]fallbackEntry
}

// NewReplyCache creates a reply cache. A nil client produces a purely
// in-memory cache.
func NewReplyCache(client redis.Cmdable, logger *logrus.Logger) *ReplyCache {
	return &ReplyCache{
		client:   client,
		logger:   logger,
		fallback: make(map[string]fallbackEntry),
	}
}

// NormalizeKey canonicalizes an utterance for cache lookup.
func NormalizeKey(utterance string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(utterance)), " ")
}

// Get returns the cached reply for an utterance, if any.
func (c *ReplyCache) Get(ctx context.Context, utterance string) (string, bool) {
	key := keyPrefix + NormalizeKey(utterance)

	if c.client != nil {
		value, err := c.client.Get(ctx, key).Result()
		if err == nil {
			c.observe("hit")
			return value, true
		}
		if err == redis.Nil {
			c.observe("miss")
			return "", false
		}
		c.logger.WithError(err).WithField("key", key).Warn("Reply cache read failed, consulting fallback")
	}

	c.mutex.RLock()
	entry, exists := c.fallback[key]
	c.mutex.RUnlock()

	if !exists || time.Now().After(entry.expiresAt) {
		c.observe("miss")
		return "", false
	}

	c.observe("fallback_hit")
	return entry.value, true
}

// Set stores a reply for an utterance with the given TTL. Failures are
// logged, never propagated.
func (c *ReplyCache) Set(ctx context.Context, utterance, reply string, ttl time.Duration) {
	key := keyPrefix + NormalizeKey(utterance)

	if c.client != nil {
		err := c.client.Set(ctx, key, reply, ttl).Err()
		if err == nil {
			return
		}
		c.logger.WithError(err).WithField("key", key).Warn("Reply cache write failed, storing in fallback")
	}

	c.mutex.Lock()
	c.fallback[key] = fallbackEntry{value: reply, expiresAt: time.Now().Add(ttl)}
	// Lazy expiry sweep to keep the fallback bounded
	if len(c.fallback) > 1024 {
		now := time.Now()
		for k, e := range c.fallback {
			if now.After(e.expiresAt) {
				delete(c.fallback, k)
			}
		}
	}
	c.mutex.Unlock()
}

// Delete removes a cached reply.
func (c *ReplyCache) Delete(ctx context.Context, utterance string) {
	key := keyPrefix + NormalizeKey(utterance)

	if c.client != nil {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Reply cache delete failed")
		}
	}

	c.mutex.Lock()
	delete(c.fallback, key)
	c.mutex.Unlock()
}

func (c *ReplyCache) observe(outcome string) {
	if metrics.ReplyCacheHits != nil {
		metrics.ReplyCacheHits.WithLabelValues(outcome).Inc()
	}
}
