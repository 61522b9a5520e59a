package redis

import (
	"context"
	"fmt"
	"time"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

const (
	loginFailPrefix = "login_fail:"
	loginLockPrefix = "login_lock:"
)

// LoginLimiter counts failed password logins per key (normalised username) and locks
// the key once the limit is reached.
type LoginLimiter struct {
	client      *client.RedisClient
	maxFailures int
	lockout     time.Duration
}

func NewLoginLimiter(client *client.RedisClient, maxFailures int, lockout time.Duration) *LoginLimiter {
	return &LoginLimiter{client: client, maxFailures: maxFailures, lockout: lockout}
}

// Locked returns the remaining lock time, zero when the key is not locked.
func (l *LoginLimiter) Locked(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	ttl, err := l.client.TTL(ctx, loginLockPrefix+key)
	if err != nil {
		return 0, fmt.Errorf("failed to check login lock: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// RecordFailure counts a failed attempt and reports whether it triggered a lock.
func (l *LoginLimiter) RecordFailure(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	count, err := l.client.IncrWithExpire(ctx, loginFailPrefix+key, l.lockout)
	if err != nil {
		return false, fmt.Errorf("failed to record login failure: %w", err)
	}
	if int(count) < l.maxFailures {
		return false, nil
	}

	if err := l.client.Set(ctx, loginLockPrefix+key, "locked", l.lockout); err != nil {
		return false, fmt.Errorf("failed to set login lock: %w", err)
	}
	_ = l.client.Del(ctx, loginFailPrefix+key)

	util.Warn("Login locked after repeated failures",
		util.String("key", key),
		util.Int64("failures", count),
		util.Duration("lockout", l.lockout))
	return true, nil
}

func (l *LoginLimiter) Reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	return l.client.Del(ctx, loginFailPrefix+key, loginLockPrefix+key)
}
