package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"identity-service/internal/client"
)

type TokenKind string

const (
	// TokenPasswordReset is issued after a successful recovery verification.
	TokenPasswordReset TokenKind = "password_reset"
	// TokenLoginChallenge links a password login to its pending phone 2FA code.
	TokenLoginChallenge TokenKind = "login_challenge"
)

const oneTimePrefix = "ott:"

var consumeScript = goredis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
  return nil
end
redis.call("DEL", KEYS[1])
return v
`)

type OneTimeTokenCache struct {
	client *client.RedisClient
}

func NewOneTimeTokenCache(client *client.RedisClient) *OneTimeTokenCache {
	return &OneTimeTokenCache{client: client}
}

func (c *OneTimeTokenCache) key(kind TokenKind, token string) string {
	return oneTimePrefix + string(kind) + ":" + token
}

// Issue stores value under a new random token.
func (c *OneTimeTokenCache) Issue(ctx context.Context, kind TokenKind, value string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive")
	}
	token, err := newOpaqueToken()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	if err := c.client.Set(ctx, c.key(kind, token), value, ttl); err != nil {
		return "", fmt.Errorf("failed to store one-time token: %w", err)
	}
	return token, nil
}

// Consume returns the stored value and deletes the token in one step.
func (c *OneTimeTokenCache) Consume(ctx context.Context, kind TokenKind, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrTokenInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	res, err := consumeScript.Run(ctx, c.client.Client, []string{c.key(kind, token)}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", ErrTokenInvalid
		}
		return "", fmt.Errorf("failed to consume one-time token: %w", err)
	}
	val, ok := res.(string)
	if !ok || val == "" {
		return "", ErrTokenInvalid
	}
	return val, nil
}

// Peek reads the value without consuming it.
func (c *OneTimeTokenCache) Peek(ctx context.Context, kind TokenKind, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.key(kind, token))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return "", ErrTokenInvalid
		}
		return "", err
	}
	return val, nil
}
