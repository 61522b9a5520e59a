package token

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

var (
	ErrTokenInvalid = errors.New("access token invalid")
	ErrTokenExpired = errors.New("access token expired")
)

// Token scopes. An onboarding token only allows finishing registration.
const (
	ScopeFull       = "full"
	ScopeOnboarding = "onboarding"
)

type Claims struct {
	UserID         string   `json:"uid"`
	Roles          []string `json:"roles"`
	Status         int      `json:"status"`
	Scope          string   `json:"scope"`
	SessionVersion int64    `json:"sv"`
	jwt.RegisteredClaims
}

func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Manager signs and verifies RS256 access tokens.
type Manager struct {
	privateKey    *rsa.PrivateKey
	publicKey     *rsa.PublicKey
	issuer        string
	accessTTL     time.Duration
	onboardingTTL time.Duration
	now           func() time.Time
}

// NewManager loads the PEM key pair from the configured paths. Outside production a
// missing pair is replaced by a generated one.
func NewManager(cfg *config.Config) (*Manager, error) {
	m := &Manager{
		issuer:        cfg.JWT.Issuer,
		accessTTL:     cfg.JWT.AccessTTL,
		onboardingTTL: cfg.JWT.OnboardingTTL,
		now:           time.Now,
	}

	if cfg.JWT.PrivateKeyPath == "" || cfg.JWT.PublicKeyPath == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("jwt key paths are required in production")
		}
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		util.Warn("JWT key paths not set, using an ephemeral signing key")
		m.privateKey, m.publicKey = key, &key.PublicKey
		return m, nil
	}

	privPEM, err := os.ReadFile(cfg.JWT.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read jwt private key: %w", err)
	}
	pubPEM, err := os.ReadFile(cfg.JWT.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read jwt public key: %w", err)
	}
	if m.privateKey, err = jwt.ParseRSAPrivateKeyFromPEM(privPEM); err != nil {
		return nil, fmt.Errorf("failed to parse jwt private key: %w", err)
	}
	if m.publicKey, err = jwt.ParseRSAPublicKeyFromPEM(pubPEM); err != nil {
		return nil, fmt.Errorf("failed to parse jwt public key: %w", err)
	}
	return m, nil
}

// NewManagerWithKey is used by tests.
func NewManagerWithKey(key *rsa.PrivateKey, issuer string, accessTTL, onboardingTTL time.Duration) *Manager {
	return &Manager{
		privateKey:    key,
		publicKey:     &key.PublicKey,
		issuer:        issuer,
		accessTTL:     accessTTL,
		onboardingTTL: onboardingTTL,
		now:           time.Now,
	}
}

// Sign issues an access token. The TTL depends on scope.
func (m *Manager) Sign(userID string, roles []string, status int, scope string, sessionVersion int64) (string, time.Time, error) {
	ttl := m.accessTTL
	if scope == ScopeOnboarding {
		ttl = m.onboardingTTL
	}
	now := m.now()
	exp := now.Add(ttl)

	claims := Claims{
		UserID:         userID,
		Roles:          roles,
		Status:         status,
		Scope:          scope,
		SessionVersion: sessionVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, exp, nil
}

func (m *Manager) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return m.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid || claims.UserID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
