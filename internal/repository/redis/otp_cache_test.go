package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/models"
)

func TestVerifyStepSaveGetConsume(t *testing.T) {
	rc, mr := newTestClient(t)
	cache := NewVerifyStepCache(rc)
	ctx := context.Background()

	info := &models.VerifyStepInfo{
		Purpose:    models.PurposeRegister,
		Channel:    models.ChannelSMS,
		Receiver:   "+15551234567",
		CodeHash:   "hash",
		ValidUntil: time.Now().Add(5 * time.Minute),
		UserID:     "u1",
	}
	require.NoError(t, cache.Save(ctx, info))
	assert.True(t, mr.Exists("verify_step:register:+15551234567"))

	got, err := cache.Get(ctx, models.PurposeRegister, "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "hash", got.CodeHash)

	ok, err := cache.Consume(ctx, models.PurposeRegister, "+15551234567")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.Consume(ctx, models.PurposeRegister, "+15551234567")
	require.NoError(t, err)
	assert.False(t, ok, "second consume must lose")

	_, err = cache.Get(ctx, models.PurposeRegister, "+15551234567")
	assert.ErrorIs(t, err, ErrOTPNotFound)
}

func TestVerifyStepExpires(t *testing.T) {
	rc, mr := newTestClient(t)
	cache := NewVerifyStepCache(rc)
	ctx := context.Background()

	require.NoError(t, cache.Save(ctx, &models.VerifyStepInfo{
		Purpose:    models.PurposeLogin,
		Receiver:   "a@b.co",
		ValidUntil: time.Now().Add(time.Minute),
	}))
	mr.FastForward(2 * time.Minute)

	_, err := cache.Get(ctx, models.PurposeLogin, "a@b.co")
	assert.ErrorIs(t, err, ErrOTPNotFound)

	err = cache.Save(ctx, &models.VerifyStepInfo{Purpose: "x", Receiver: "y", ValidUntil: time.Now().Add(-time.Second)})
	assert.Error(t, err)
}

func TestSaveResetsAttempts(t *testing.T) {
	rc, _ := newTestClient(t)
	cache := NewVerifyStepCache(rc)
	ctx := context.Background()
	info := &models.VerifyStepInfo{Purpose: "login", Receiver: "r", ValidUntil: time.Now().Add(time.Minute)}

	require.NoError(t, cache.Save(ctx, info))
	n, err := cache.IncrementAttempts(ctx, "login", "r", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = cache.IncrementAttempts(ctx, "login", "r", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, cache.Save(ctx, info))
	n, err = cache.IncrementAttempts(ctx, "login", "r", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCooldownAndHourlyCount(t *testing.T) {
	rc, mr := newTestClient(t)
	cache := NewVerifyStepCache(rc)
	ctx := context.Background()

	ok, err := cache.AcquireCooldown(ctx, "login", "r", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.AcquireCooldown(ctx, "login", "r", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err := cache.CooldownRemaining(ctx, "login", "r")
	require.NoError(t, err)
	assert.Greater(t, remaining, time.Duration(0))

	mr.FastForward(61 * time.Second)
	remaining, err = cache.CooldownRemaining(ctx, "login", "r")
	require.NoError(t, err)
	assert.Zero(t, remaining)

	for i := 1; i <= 3; i++ {
		n, err := cache.CountSend(ctx, "r")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	mr.FastForward(time.Hour + time.Second)
	n, err := cache.CountSend(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "hourly window should have reset")
}
