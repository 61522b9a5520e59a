package service

import (
	"time"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
)

// Deps carries everything the services are built from.
type Deps struct {
	Config *config.Config

	Users     UserStore
	KYC       KYCStore
	TwoFactor TwoFactorStore
	Recovery  RecoveryStore
	Media     MediaStore

	Steps    VerifyStepStore
	Sessions SessionStore
	Tokens   OneTimeTokenStore
	Limiter  LoginLimiter

	Hasher    *hashing.Hasher
	Encryptor FieldEncryptor
	Signer    TokenSigner
	TOTP      Authenticator
	Social    IdentityResolver

	Notifier EventNotifier
	Index    UserIndex
	Audit    AuditRecorder
	Objects  ObjectStore

	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}
