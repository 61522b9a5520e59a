package service

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/models"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

const (
	purposePhone    = "phone"
	purposeTOTP     = "totp"
	purposeDocument = "kyc_document"
)

// TokenPair is returned by every successful sign-in.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope"`
}

// base holds helpers shared by all services.
type base struct {
	*Deps
	otp *otpService
}

func newBase(d *Deps) base {
	return base{Deps: d, otp: &otpService{Deps: d}}
}

// issueTokens signs a full-scope access token and stores a new refresh token.
func (b *base) issueTokens(ctx context.Context, user *models.User) (*TokenPair, error) {
	ver, err := b.Sessions.Version(ctx, user.UserID)
	if err != nil {
		return nil, err
	}
	access, exp, err := b.Signer.Sign(user.UserID, user.Roles, user.Status, token.ScopeFull, ver)
	if err != nil {
		return nil, err
	}
	refresh, err := b.Sessions.CreateRefreshToken(ctx, user.UserID, b.Config.JWT.RefreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresAt:    exp,
		RefreshToken: refresh,
		Scope:        token.ScopeFull,
	}, nil
}

func (b *base) getUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := b.Users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// getActiveUser loads a user that may use the full API.
func (b *base) getActiveUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := b.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.IsBanned() {
		return nil, ErrUserBanned
	}
	if !user.IsActive() {
		return nil, ErrUserInactive
	}
	return user, nil
}

// findByIdentifier resolves a phone number or a username.
func (b *base) findByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("%w: identifier required", ErrInvalidInput)
	}

	var (
		user *models.User
		err  error
	)
	if looksLikePhone(identifier) {
		user, err = b.Users.GetByPhoneHash(ctx, hashing.LookupHash(util.NormalizePhone(identifier)))
	} else {
		user, err = b.Users.GetByUsername(ctx, util.NormalizeUsername(identifier))
	}
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// phoneOf decrypts the user's phone number.
func (b *base) phoneOf(ctx context.Context, user *models.User) (string, error) {
	if user.PhoneEncrypted == "" {
		return "", fmt.Errorf("%w: no phone on record", ErrInvalidState)
	}
	phone, err := b.Encryptor.DecryptString(ctx, user.PhoneEncrypted, purposePhone)
	if err != nil {
		if errors.Is(err, encryption.ErrDecryptionFailed) {
			util.Error("Stored phone could not be decrypted", util.String("user_id", user.UserID))
		}
		return "", err
	}
	return phone, nil
}

func (b *base) audit(userID, eventType, actorID, ip, details string) {
	if b.Audit == nil {
		return
	}
	b.Audit.Record(models.SecurityEvent{
		EventTime: b.now(),
		UserID:    userID,
		EventType: eventType,
		ActorID:   actorID,
		IPAddress: ip,
		Details:   details,
	})
}

// reindex refreshes the search document. Search lags are tolerated.
func (b *base) reindex(ctx context.Context, user *models.User) {
	if b.Index == nil {
		return
	}
	if err := b.Index.IndexUser(ctx, user); err != nil {
		util.Warn("Failed to index user", util.String("user_id", user.UserID), util.ErrorField(err))
	}
}

func looksLikePhone(s string) bool {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "+") {
		return true
	}
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 7
}

// validPhone expects a normalised number: '+' followed by 8 to 15 ASCII digits.
func validPhone(phone string) bool {
	if !strings.HasPrefix(phone, "+") {
		return false
	}
	digits := util.PhoneDigits(phone)
	return digits == len(phone)-1 && digits >= 8 && digits <= 15
}

func loginKey(username string) string {
	return "user:" + util.NormalizeUsername(username)
}

func twoFactorKey(userID string) string {
	return "totp:" + userID
}

var referralEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func newReferralCode() (string, error) {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate referral code: %w", err)
	}
	return referralEncoding.EncodeToString(b), nil
}
