package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"identity-service/internal/client"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

const (
	verifyStepPrefix  = "verify_step:"
	otpAttemptPrefix  = "otp_attempts:"
	otpCooldownPrefix = "otp_cooldown:"
	otpHourlyPrefix   = "otp_hourly:"
	otpHourlyWindow   = time.Hour
	cacheOpTimeout    = 5 * time.Second
)

// VerifyStepCache keeps one pending OTP per (purpose, receiver). A new code for the same
// pair replaces the old one and resets its attempt counter.
type VerifyStepCache struct {
	client *client.RedisClient
}

func NewVerifyStepCache(client *client.RedisClient) *VerifyStepCache {
	return &VerifyStepCache{client: client}
}

func stepKey(purpose, receiver string) string {
	return verifyStepPrefix + purpose + ":" + receiver
}

func (c *VerifyStepCache) Save(ctx context.Context, info *models.VerifyStepInfo) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	ttl := time.Until(info.ValidUntil)
	if ttl <= 0 {
		return fmt.Errorf("verify step already expired")
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode verify step: %w", err)
	}

	key := stepKey(info.Purpose, info.Receiver)
	pipe := c.client.Client.TxPipeline()
	pipe.Set(ctx, key, raw, ttl)
	pipe.Del(ctx, otpAttemptPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to store verify step",
			util.String("purpose", info.Purpose),
			util.String("receiver", util.MaskReceiver(info.Receiver)),
			util.ErrorField(err))
		return fmt.Errorf("failed to store verify step: %w", err)
	}

	util.Debug("Verify step stored",
		util.String("purpose", info.Purpose),
		util.Duration("ttl", ttl))
	return nil
}

func (c *VerifyStepCache) Get(ctx context.Context, purpose, receiver string) (*models.VerifyStepInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, stepKey(purpose, receiver))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, ErrOTPNotFound
		}
		return nil, fmt.Errorf("failed to get verify step: %w", err)
	}

	var info models.VerifyStepInfo
	if err := json.Unmarshal([]byte(val), &info); err != nil {
		return nil, fmt.Errorf("failed to decode verify step: %w", err)
	}
	return &info, nil
}

// Consume deletes the record and reports whether this caller removed it.
// Two concurrent verifications of the same code cannot both win.
func (c *VerifyStepCache) Consume(ctx context.Context, purpose, receiver string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	key := stepKey(purpose, receiver)
	n, err := c.client.Client.Del(ctx, key, otpAttemptPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume verify step: %w", err)
	}
	return n > 0, nil
}

func (c *VerifyStepCache) Delete(ctx context.Context, purpose, receiver string) error {
	_, err := c.Consume(ctx, purpose, receiver)
	return err
}

// IncrementAttempts records a wrong code and returns the running count.
func (c *VerifyStepCache) IncrementAttempts(ctx context.Context, purpose, receiver string, ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, otpAttemptPrefix+stepKey(purpose, receiver), ttl)
	if err != nil {
		return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
	}
	return int(count), nil
}

// AcquireCooldown returns false while a previous send for the pair is still cooling down.
func (c *VerifyStepCache) AcquireCooldown(ctx context.Context, purpose, receiver string, cooldown time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	ok, err := c.client.SetNX(ctx, otpCooldownPrefix+stepKey(purpose, receiver), "1", cooldown)
	if err != nil {
		return false, fmt.Errorf("failed to set OTP cooldown: %w", err)
	}
	return ok, nil
}

// CooldownRemaining is zero when a new code may be sent.
func (c *VerifyStepCache) CooldownRemaining(ctx context.Context, purpose, receiver string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	ttl, err := c.client.TTL(ctx, otpCooldownPrefix+stepKey(purpose, receiver))
	if err != nil {
		return 0, fmt.Errorf("failed to read OTP cooldown: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// CountSend adds one to the receiver's hourly send counter across all purposes.
func (c *VerifyStepCache) CountSend(ctx context.Context, receiver string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, otpHourlyPrefix+receiver, otpHourlyWindow)
	if err != nil {
		return 0, fmt.Errorf("failed to count OTP send: %w", err)
	}
	return int(count), nil
}
