package redis

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"identity-service/internal/client"
)

const (
	refreshPrefix        = "refresh:"
	sessionVersionPrefix = "session_ver:"
	refreshTokenBytes    = 32
)

// SessionCache stores opaque refresh tokens as refresh:<token> -> "<uid>:<ver>".
// RevokeAll bumps session_ver:<uid>, which invalidates every refresh token and every
// access token carrying an older version.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

// rotateScript moves the value of KEYS[1] to KEYS[2] atomically.
var rotateScript = goredis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
  return nil
end
redis.call("DEL", KEYS[1])
redis.call("SET", KEYS[2], v, "PX", ARGV[1])
return v
`)

// Version returns the user's current session version, zero if never revoked.
func (c *SessionCache) Version(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	v, err := c.client.Get(ctx, sessionVersionPrefix+userID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read session version: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt session version for %s: %w", userID, err)
	}
	return n, nil
}

func (c *SessionCache) CreateRefreshToken(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id required")
	}
	ver, err := c.Version(ctx, userID)
	if err != nil {
		return "", err
	}

	token, err := newOpaqueToken()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	if err := c.client.Set(ctx, refreshPrefix+token, fmt.Sprintf("%s:%d", userID, ver), ttl); err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	return token, nil
}

// RotateRefreshToken consumes oldToken and returns its user with a fresh token.
// A token from before the last RevokeAll is rejected.
func (c *SessionCache) RotateRefreshToken(ctx context.Context, oldToken string, ttl time.Duration) (string, string, error) {
	oldToken = strings.TrimSpace(oldToken)
	if oldToken == "" {
		return "", "", ErrTokenInvalid
	}

	newToken, err := newOpaqueToken()
	if err != nil {
		return "", "", err
	}

	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	res, err := rotateScript.Run(opCtx, c.client.Client,
		[]string{refreshPrefix + oldToken, refreshPrefix + newToken}, ttl.Milliseconds()).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", "", ErrTokenInvalid
		}
		return "", "", fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	val, ok := res.(string)
	if !ok {
		return "", "", ErrTokenInvalid
	}

	userID, tokVer, err := parseUIDVer(val)
	if err != nil {
		return "", "", ErrTokenInvalid
	}
	curVer, err := c.Version(ctx, userID)
	if err != nil {
		return "", "", err
	}
	if tokVer != curVer {
		_ = c.client.Del(opCtx, refreshPrefix+newToken)
		return "", "", ErrTokenInvalid
	}
	return userID, newToken, nil
}

// RevokeRefreshToken is idempotent.
func (c *SessionCache) RevokeRefreshToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	return c.client.Del(ctx, refreshPrefix+token)
}

func (c *SessionCache) RevokeAll(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	v, err := c.client.Client.Incr(ctx, sessionVersionPrefix+userID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return v, nil
}

func parseUIDVer(s string) (string, int64, error) {
	uid, ver, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(uid) == "" {
		return "", 0, fmt.Errorf("bad session value")
	}
	n, err := strconv.ParseInt(ver, 10, 64)
	if err != nil {
		return "", 0, err
	}
	return uid, n, nil
}

func newOpaqueToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
