package authz

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedOracle decorates another Oracle with a Redis TTL cache. Join is
// on the hot path for reconnecting clients; the cache keeps those checks
// off the database. Verdicts are cached either way (positive and
// negative); backend errors are never cached.
type CachedOracle struct {
	next   Oracle
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

var _ Oracle = (*CachedOracle)(nil)

func NewCachedOracle(next Oracle, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedOracle {
	return &CachedOracle{
		next:   next,
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "authz_cache")),
	}
}

func cacheKey(subjectID, projectID string) string {
	return "authz:member:" + projectID + ":" + subjectID
}

func (c *CachedOracle) IsMember(ctx context.Context, subjectID, projectID string) (bool, error) {
	key := cacheKey(subjectID, projectID)

	cached, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		return cached == "1", nil
	case err != redis.Nil:
		// Cache being down is not an authorization failure; fall through
		// to the backend.
		c.logger.Warn("membership cache read failed", slog.Any("error", err))
	}

	member, err := c.next.IsMember(ctx, subjectID, projectID)
	if err != nil {
		return false, err
	}

	val := "0"
	if member {
		val = "1"
	}
	if err := c.rdb.Set(ctx, key, val, c.ttl).Err(); err != nil {
		c.logger.Warn("membership cache write failed", slog.Any("error", err))
	}
	return member, nil
}

// Invalidate drops the cached verdict for one (subject, project) pair,
// for use when the membership tables change.
func (c *CachedOracle) Invalidate(ctx context.Context, subjectID, projectID string) error {
	return c.rdb.Del(ctx, cacheKey(subjectID, projectID)).Err()
}
