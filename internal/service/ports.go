package service

import (
	"context"
	"time"

	"identity-service/internal/models"
	"identity-service/internal/notify"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/search"
	"identity-service/internal/social"
	"identity-service/internal/totp"
)

// The interfaces below are implemented by the scylla and redis repositories and the
// infrastructure clients. Services depend on them so tests can swap in fakes.

type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, userID string) (*models.User, error)
	GetByPhoneHash(ctx context.Context, phoneHash string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByReferralCode(ctx context.Context, code string) (*models.User, error)
	Update(ctx context.Context, user *models.User) error
	UpdateStatus(ctx context.Context, userID string, status int) error
	UpdateRoles(ctx context.Context, userID string, roles []string) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	UpdateKYCStatus(ctx context.Context, userID, status string) error
	ClaimPhone(ctx context.Context, phoneHash, userID string) error
	ReleasePhone(ctx context.Context, phoneHash, userID string) error
	ClaimUsername(ctx context.Context, username, userID string) error
	ReleaseUsername(ctx context.Context, username, userID string) error
	ClaimEmail(ctx context.Context, email, userID string) error
	ReleaseEmail(ctx context.Context, email, userID string) error
	ClaimReferralCode(ctx context.Context, code, userID string) error
}

type KYCStore interface {
	Get(ctx context.Context, userID string) (*models.KYC, error)
	Save(ctx context.Context, k *models.KYC, previous *models.KYC) error
	// Decide fails with scylla.ErrConflict when the stored status no longer equals previous.Status.
	Decide(ctx context.Context, k *models.KYC, previous *models.KYC) error
	ListByStatus(ctx context.Context, status string, limit int, pageToken string) ([]*models.KYC, string, error)
}

type TwoFactorStore interface {
	GetPhone(ctx context.Context, userID string) (*models.TwoFactorAuth, error)
	SetPhone(ctx context.Context, userID string, enabled bool) error
	GetApp(ctx context.Context, userID string) (*models.TwoFactorSecurity, error)
	SaveApp(ctx context.Context, t *models.TwoFactorSecurity) error
	DeleteApp(ctx context.Context, userID string) error
}

type RecoveryStore interface {
	Get(ctx context.Context, userID string) (*models.RecoveryQuestion, error)
	Save(ctx context.Context, q *models.RecoveryQuestion) error
}

type MediaStore interface {
	List(ctx context.Context, userID string) ([]*models.MediaConnect, error)
	Get(ctx context.Context, userID, provider string) (*models.MediaConnect, error)
	FindUserID(ctx context.Context, provider, externalID string) (string, error)
	Create(ctx context.Context, m *models.MediaConnect) error
	Delete(ctx context.Context, m *models.MediaConnect) error
}

type VerifyStepStore interface {
	Save(ctx context.Context, info *models.VerifyStepInfo) error
	Get(ctx context.Context, purpose, receiver string) (*models.VerifyStepInfo, error)
	Consume(ctx context.Context, purpose, receiver string) (bool, error)
	Delete(ctx context.Context, purpose, receiver string) error
	IncrementAttempts(ctx context.Context, purpose, receiver string, ttl time.Duration) (int, error)
	AcquireCooldown(ctx context.Context, purpose, receiver string, cooldown time.Duration) (bool, error)
	CooldownRemaining(ctx context.Context, purpose, receiver string) (time.Duration, error)
	CountSend(ctx context.Context, receiver string) (int, error)
}

type SessionStore interface {
	Version(ctx context.Context, userID string) (int64, error)
	CreateRefreshToken(ctx context.Context, userID string, ttl time.Duration) (string, error)
	RotateRefreshToken(ctx context.Context, oldToken string, ttl time.Duration) (string, string, error)
	RevokeRefreshToken(ctx context.Context, token string) error
	RevokeAll(ctx context.Context, userID string) (int64, error)
}

type OneTimeTokenStore interface {
	Issue(ctx context.Context, kind redisrepo.TokenKind, value string, ttl time.Duration) (string, error)
	Consume(ctx context.Context, kind redisrepo.TokenKind, token string) (string, error)
	Peek(ctx context.Context, kind redisrepo.TokenKind, token string) (string, error)
}

type LoginLimiter interface {
	Locked(ctx context.Context, key string) (time.Duration, error)
	RecordFailure(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

// EventNotifier is satisfied by *notify.Notifier.
type EventNotifier interface {
	SendSMS(ctx context.Context, msg notify.SMSMessage) error
	SendEmail(ctx context.Context, msg notify.EmailMessage) error
	UserRegistered(ctx context.Context, ev notify.UserRegistered) error
	RolesChanged(ctx context.Context, ev notify.RolesChanged) error
	KYCDecided(ctx context.Context, ev notify.KYCDecided) error
}

type UserIndex interface {
	IndexUser(ctx context.Context, u *models.User) error
	SearchUsers(ctx context.Context, q search.UserQuery) (*search.UserSearchResult, error)
}

type AuditRecorder interface {
	Record(ev models.SecurityEvent)
}

type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	DeleteObject(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string) (string, error)
}

type FieldEncryptor interface {
	EncryptString(ctx context.Context, plaintext, purpose string) (string, error)
	DecryptString(ctx context.Context, encoded, purpose string) (string, error)
}

type TokenSigner interface {
	Sign(userID string, roles []string, status int, scope string, sessionVersion int64) (string, time.Time, error)
}

type IdentityResolver interface {
	Supports(provider string) bool
	Resolve(ctx context.Context, provider, accessToken string) (*social.Identity, error)
}

type Authenticator interface {
	Generate(accountName string) (*totp.Key, error)
	Validate(code, secret string) error
}
