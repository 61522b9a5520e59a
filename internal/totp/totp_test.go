package totp

import (
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	a := NewAuthenticator("Identity")
	key, err := a.Generate("alice")
	require.NoError(t, err)
	assert.Contains(t, key.URL, "otpauth://totp/Identity:alice")

	code, err := totp.GenerateCodeCustom(key.Secret, time.Now().UTC(), totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	assert.NoError(t, a.Validate(code, key.Secret))
	assert.ErrorIs(t, a.Validate("000000x", key.Secret), ErrInvalidCode)
}

func TestValidateRejectsStaleCode(t *testing.T) {
	a := NewAuthenticator("Identity")
	key, err := a.Generate("bob")
	require.NoError(t, err)

	old, err := totp.GenerateCodeCustom(key.Secret, time.Now().UTC().Add(-5*time.Minute), totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	assert.ErrorIs(t, a.Validate(old, key.Secret), ErrInvalidCode)
}
