package totp

import (
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var ErrInvalidCode = errors.New("invalid authenticator code")

// Key is a freshly generated authenticator secret.
type Key struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}

type Authenticator struct {
	issuer string
	now    func() time.Time
}

func NewAuthenticator(issuer string) *Authenticator {
	return &Authenticator{issuer: issuer, now: time.Now}
}

// Generate creates a 160-bit SHA1 secret for accountName.
func (a *Authenticator) Generate(accountName string) (*Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      a.issuer,
		AccountName: accountName,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return &Key{Secret: key.Secret(), URL: key.URL()}, nil
}

// Validate accepts the current code and one period of clock skew either side.
func (a *Authenticator) Validate(code, secret string) error {
	ok, err := totp.ValidateCustom(code, secret, a.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		return ErrInvalidCode
	}
	return nil
}
