package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"identity-service/internal/hashing"
	"identity-service/internal/metrics"
	"identity-service/internal/models"
	"identity-service/internal/notify"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/social"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

const referralCodeAttempts = 5

// CompleteRegistrationRequest finishes the profile of a phone-verified user.
type CompleteRegistrationRequest struct {
	Username     string `json:"username" validate:"required,username"`
	Password     string `json:"password" validate:"required,min=8,max=128,password"`
	Email        string `json:"email" validate:"omitempty,email,max=254"`
	FirstName    string `json:"first_name" validate:"omitempty,max=100,safetext"`
	LastName     string `json:"last_name" validate:"omitempty,max=100,safetext"`
	ReferralCode string `json:"referral_code" validate:"omitempty,len=8,alphanum"`
}

// LoginResult holds either tokens or a pending second-factor challenge.
type LoginResult struct {
	Tokens         *TokenPair   `json:"tokens,omitempty"`
	ChallengeToken string       `json:"challenge_token,omitempty"`
	TwoFactor      string       `json:"two_factor,omitempty"`
	OTP            *OTPDispatch `json:"otp,omitempty"`
}

type RegistrationResult struct {
	User   *models.User `json:"user"`
	Tokens *TokenPair   `json:"tokens"`
}

// OneStepService implements the OTP based registration, login and recovery flows.
type OneStepService struct {
	base
}

func NewOneStepService(d *Deps) *OneStepService {
	return &OneStepService{base: newBase(d)}
}

// StartRegistration creates (or reuses) an INACTIVE user for phone and sends a register code.
// Only unfinished sign-ups are reused; an account that completed registration and was later
// deactivated stays inactive.
func (s *OneStepService) StartRegistration(ctx context.Context, phone string) (*OTPDispatch, error) {
	phone = util.NormalizePhone(phone)
	if !validPhone(phone) {
		return nil, fmt.Errorf("%w: phone must be in international format", ErrInvalidInput)
	}
	phoneHash := hashing.LookupHash(phone)

	user, err := s.Users.GetByPhoneHash(ctx, phoneHash)
	switch {
	case err == nil:
		if user.IsActive() || user.IsBanned() {
			return nil, ErrPhoneTaken
		}
		if registered(user) {
			return nil, ErrUserInactive
		}
	case errors.Is(err, scylla.ErrNotFound):
		user, err = s.createPendingUser(ctx, phone, phoneHash)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return s.otp.send(ctx, models.PurposeRegister, models.ChannelSMS, phone, user.UserID, "")
}

func (s *OneStepService) createPendingUser(ctx context.Context, phone, phoneHash string) (*models.User, error) {
	encrypted, err := s.Encryptor.EncryptString(ctx, phone, purposePhone)
	if err != nil {
		return nil, err
	}
	user := &models.User{
		PhoneHash:      phoneHash,
		PhoneEncrypted: encrypted,
		Status:         models.StatusInactive,
		Roles:          []string{models.RoleUser},
	}
	if err := s.Users.Create(ctx, user); err != nil {
		if errors.Is(err, scylla.ErrDuplicate) {
			return nil, ErrPhoneTaken
		}
		return nil, err
	}
	return user, nil
}

// VerifyRegistration checks the register code and returns an onboarding token.
func (s *OneStepService) VerifyRegistration(ctx context.Context, phone, code string) (*TokenPair, error) {
	phone = util.NormalizePhone(phone)
	info, err := s.otp.verify(ctx, models.PurposeRegister, phone, code)
	if err != nil {
		return nil, err
	}

	user, err := s.getUser(ctx, info.UserID)
	if err != nil {
		return nil, err
	}
	if registered(user) {
		switch {
		case user.IsActive():
			return nil, ErrInvalidState
		case user.IsBanned():
			return nil, ErrUserBanned
		}
		return nil, ErrUserInactive
	}
	switch user.Status {
	case models.StatusInactive:
		if err := s.Users.UpdateStatus(ctx, user.UserID, models.StatusPhoneVerified); err != nil {
			return nil, err
		}
		user.Status = models.StatusPhoneVerified
	case models.StatusPhoneVerified:
	default:
		return nil, ErrInvalidState
	}

	ver, err := s.Sessions.Version(ctx, user.UserID)
	if err != nil {
		return nil, err
	}
	access, exp, err := s.Signer.Sign(user.UserID, user.Roles, user.Status, token.ScopeOnboarding, ver)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, TokenType: "Bearer", ExpiresAt: exp, Scope: token.ScopeOnboarding}, nil
}

// CompleteRegistration sets credentials and profile and activates the account.
func (s *OneStepService) CompleteRegistration(ctx context.Context, userID string, req *CompleteRegistrationRequest) (*RegistrationResult, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Status != models.StatusPhoneVerified || registered(user) {
		return nil, ErrInvalidState
	}

	username := util.NormalizeUsername(req.Username)
	email := util.NormalizeEmail(req.Email)

	if code := strings.ToUpper(strings.TrimSpace(req.ReferralCode)); code != "" {
		referrer, err := s.Users.GetByReferralCode(ctx, code)
		if err != nil {
			if errors.Is(err, scylla.ErrNotFound) {
				return nil, ErrInvalidReferral
			}
			return nil, err
		}
		user.ReferredBy = referrer.UserID
	}

	passwordHash, err := s.Hasher.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	if err := s.Users.ClaimUsername(ctx, username, user.UserID); err != nil {
		if errors.Is(err, scylla.ErrDuplicate) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	if email != "" {
		if err := s.Users.ClaimEmail(ctx, email, user.UserID); err != nil {
			_ = s.Users.ReleaseUsername(ctx, username, user.UserID)
			if errors.Is(err, scylla.ErrDuplicate) {
				return nil, ErrEmailTaken
			}
			return nil, err
		}
	}
	release := func() {
		_ = s.Users.ReleaseUsername(ctx, username, user.UserID)
		if email != "" {
			_ = s.Users.ReleaseEmail(ctx, email, user.UserID)
		}
	}

	if user.ReferralCode == "" {
		code, err := s.claimReferralCode(ctx, user.UserID)
		if err != nil {
			release()
			return nil, err
		}
		user.ReferralCode = code
	}

	user.Username = username
	user.Email = email
	user.EmailVerified = false
	user.PasswordHash = passwordHash
	user.FirstName = util.SanitizeInput(req.FirstName)
	user.LastName = util.SanitizeInput(req.LastName)
	user.Status = models.StatusActive
	if err := s.Users.Update(ctx, user); err != nil {
		release()
		return nil, err
	}

	s.reindex(ctx, user)
	if err := s.Notifier.UserRegistered(ctx, notify.UserRegistered{
		UserID:       user.UserID,
		Username:     user.Username,
		ReferralCode: user.ReferralCode,
		ReferredBy:   user.ReferredBy,
	}); err != nil {
		util.Warn("Registration event not published", util.String("user_id", user.UserID), util.ErrorField(err))
	}
	s.audit(user.UserID, models.EventRegistered, "", "", "")
	metrics.Registrations.Inc()

	tokens, err := s.issueTokens(ctx, user)
	if err != nil {
		return nil, err
	}
	util.Info("Registration completed", util.String("user_id", user.UserID))
	return &RegistrationResult{User: user, Tokens: tokens}, nil
}

// registered reports whether the user finished onboarding at some point.
func registered(user *models.User) bool {
	return user.Username != "" || user.PasswordHash != ""
}

func (s *OneStepService) claimReferralCode(ctx context.Context, userID string) (string, error) {
	for i := 0; i < referralCodeAttempts; i++ {
		code, err := newReferralCode()
		if err != nil {
			return "", err
		}
		err = s.Users.ClaimReferralCode(ctx, code, userID)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, scylla.ErrDuplicate) {
			return "", err
		}
	}
	return "", fmt.Errorf("could not allocate a referral code")
}

// loginCandidate resolves identifier to an ACTIVE user. Inactive users are reported as not found.
func (s *OneStepService) loginCandidate(ctx context.Context, identifier string) (*models.User, error) {
	user, err := s.findByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if user.IsBanned() {
		return nil, ErrUserBanned
	}
	if !user.IsActive() {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// RequestLoginOTP sends a login code to the phone of the user behind identifier.
func (s *OneStepService) RequestLoginOTP(ctx context.Context, identifier string) (*OTPDispatch, error) {
	user, err := s.loginCandidate(ctx, identifier)
	if err != nil {
		return nil, err
	}
	phone, err := s.phoneOf(ctx, user)
	if err != nil {
		return nil, err
	}
	return s.otp.send(ctx, models.PurposeLogin, models.ChannelSMS, phone, user.UserID, user.Username)
}

// VerifyLogin signs in with a login code. Users with an authenticator app must also pass
// a current app code.
func (s *OneStepService) VerifyLogin(ctx context.Context, identifier, code, totpCode, ip string) (*TokenPair, error) {
	user, err := s.loginCandidate(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if err := s.checkAppFactor(ctx, user, totpCode, ip); err != nil {
		metrics.LoginAttempts.WithLabelValues("otp", "second_factor").Inc()
		return nil, err
	}

	phone, err := s.phoneOf(ctx, user)
	if err != nil {
		return nil, err
	}
	info, err := s.otp.verify(ctx, models.PurposeLogin, phone, code)
	if err != nil {
		metrics.LoginAttempts.WithLabelValues("otp", "failed").Inc()
		s.audit(user.UserID, models.EventLoginFailed, "", ip, "otp")
		return nil, err
	}
	if info.UserID != user.UserID {
		return nil, ErrInvalidOTP
	}
	return s.finishLogin(ctx, user, "otp", ip)
}

// PasswordLogin signs in with username and password. Failures are counted per username.
// A user with phone 2FA receives a challenge instead of tokens.
func (s *OneStepService) PasswordLogin(ctx context.Context, username, password, totpCode, ip string) (*LoginResult, error) {
	key := loginKey(username)
	remaining, err := s.Limiter.Locked(ctx, key)
	if err != nil {
		return nil, err
	}
	if remaining > 0 {
		metrics.LoginAttempts.WithLabelValues("password", "locked").Inc()
		return nil, fmt.Errorf("%w: retry in %ds", ErrAccountLocked, int(remaining.Seconds())+1)
	}

	user, err := s.Users.GetByUsername(ctx, util.NormalizeUsername(username))
	if err != nil && !errors.Is(err, scylla.ErrNotFound) {
		return nil, err
	}

	valid := false
	if user != nil && user.PasswordHash != "" {
		valid, err = s.Hasher.VerifyPassword(password, user.PasswordHash)
		if err != nil {
			util.Warn("Stored password hash unusable", util.String("user_id", user.UserID), util.ErrorField(err))
			valid = false
		}
	}
	if !valid {
		return nil, s.recordLoginFailure(ctx, key, user, ip)
	}
	if user.IsBanned() {
		return nil, ErrUserBanned
	}
	if !user.IsActive() {
		return nil, ErrUserInactive
	}

	if s.Hasher.NeedsRehash(user.PasswordHash) {
		if h, err := s.Hasher.HashPassword(password); err == nil {
			if err := s.Users.UpdatePassword(ctx, user.UserID, h); err == nil {
				user.PasswordHash = h
			}
		}
	}

	if err := s.checkAppFactor(ctx, user, totpCode, ip); err != nil {
		metrics.LoginAttempts.WithLabelValues("password", "second_factor").Inc()
		return nil, err
	}
	_ = s.Limiter.Reset(ctx, key)

	phone2FA, err := s.TwoFactor.GetPhone(ctx, user.UserID)
	if err != nil {
		return nil, err
	}
	if phone2FA.PhoneEnabled {
		phone, err := s.phoneOf(ctx, user)
		if err != nil {
			return nil, err
		}
		dispatch, err := s.otp.send(ctx, models.PurposeLoginChallenge, models.ChannelSMS, phone, user.UserID, user.Username)
		if err != nil {
			return nil, err
		}
		challenge, err := s.Tokens.Issue(ctx, redisrepo.TokenLoginChallenge, user.UserID, s.Config.JWT.ChallengeTTL)
		if err != nil {
			return nil, err
		}
		return &LoginResult{ChallengeToken: challenge, TwoFactor: "phone", OTP: dispatch}, nil
	}

	tokens, err := s.finishLogin(ctx, user, "password", ip)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Tokens: tokens}, nil
}

func (s *OneStepService) recordLoginFailure(ctx context.Context, key string, user *models.User, ip string) error {
	locked, err := s.Limiter.RecordFailure(ctx, key)
	if err != nil {
		util.Warn("Failed to record login failure", util.ErrorField(err))
	}
	metrics.LoginAttempts.WithLabelValues("password", "failed").Inc()
	if user != nil {
		s.audit(user.UserID, models.EventLoginFailed, "", ip, "password")
		if locked {
			s.audit(user.UserID, models.EventLoginLocked, "", ip, "")
		}
	}
	if locked {
		return ErrAccountLocked
	}
	return ErrInvalidCredentials
}

// CompleteTwoFactorLogin finishes a password login that was answered with a phone challenge.
func (s *OneStepService) CompleteTwoFactorLogin(ctx context.Context, challengeToken, code, ip string) (*TokenPair, error) {
	userID, err := s.Tokens.Peek(ctx, redisrepo.TokenLoginChallenge, challengeToken)
	if err != nil {
		if errors.Is(err, redisrepo.ErrTokenInvalid) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	phone, err := s.phoneOf(ctx, user)
	if err != nil {
		return nil, err
	}
	info, err := s.otp.verify(ctx, models.PurposeLoginChallenge, phone, code)
	if err != nil {
		metrics.LoginAttempts.WithLabelValues("password", "second_factor").Inc()
		return nil, err
	}
	if info.UserID != user.UserID {
		return nil, ErrInvalidOTP
	}
	if _, err := s.Tokens.Consume(ctx, redisrepo.TokenLoginChallenge, challengeToken); err != nil {
		if errors.Is(err, redisrepo.ErrTokenInvalid) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return s.finishLogin(ctx, user, "password", ip)
}

// SocialLogin signs in the user linked to the provider account behind accessToken.
func (s *OneStepService) SocialLogin(ctx context.Context, provider, accessToken, totpCode, ip string) (*TokenPair, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !s.Social.Supports(provider) {
		return nil, ErrUnknownProvider
	}
	identity, err := s.Social.Resolve(ctx, provider, accessToken)
	if err != nil {
		if errors.Is(err, social.ErrInvalidToken) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	userID, err := s.Media.FindUserID(ctx, provider, identity.ExternalID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrMediaNotLinked
		}
		return nil, err
	}
	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.checkAppFactor(ctx, user, totpCode, ip); err != nil {
		metrics.LoginAttempts.WithLabelValues("social", "second_factor").Inc()
		return nil, err
	}
	return s.finishLogin(ctx, user, "social", ip)
}

// checkAppFactor requires a valid authenticator code when app 2FA is enabled. Wrong codes
// are counted per user across every login method and lock the second factor like passwords.
func (s *OneStepService) checkAppFactor(ctx context.Context, user *models.User, code, ip string) error {
	app, err := s.TwoFactor.GetApp(ctx, user.UserID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil
		}
		return err
	}
	if !app.Enabled {
		return nil
	}
	if strings.TrimSpace(code) == "" {
		return ErrTwoFactorRequired
	}

	key := twoFactorKey(user.UserID)
	remaining, err := s.Limiter.Locked(ctx, key)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return fmt.Errorf("%w: retry in %ds", ErrAccountLocked, int(remaining.Seconds())+1)
	}

	secret, err := s.Encryptor.DecryptString(ctx, app.SecretEncrypted, purposeTOTP)
	if err != nil {
		return err
	}
	if err := s.TOTP.Validate(strings.TrimSpace(code), secret); err != nil {
		locked, lerr := s.Limiter.RecordFailure(ctx, key)
		if lerr != nil {
			util.Warn("Failed to record two-factor failure", util.ErrorField(lerr))
		}
		s.audit(user.UserID, models.EventLoginFailed, "", ip, "totp")
		if locked {
			s.audit(user.UserID, models.EventLoginLocked, "", ip, "totp")
			return ErrAccountLocked
		}
		return ErrInvalidTwoFactorCode
	}
	_ = s.Limiter.Reset(ctx, key)
	return nil
}

func (s *OneStepService) finishLogin(ctx context.Context, user *models.User, method, ip string) (*TokenPair, error) {
	tokens, err := s.issueTokens(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := s.Users.UpdateLastLogin(ctx, user.UserID, s.now()); err != nil {
		util.Warn("Failed to record last login", util.String("user_id", user.UserID), util.ErrorField(err))
	}
	metrics.LoginAttempts.WithLabelValues(method, "success").Inc()
	s.audit(user.UserID, models.EventLoginSuccess, "", ip, method)
	return tokens, nil
}

// RequestRecovery sends a recovery code to the account's phone.
func (s *OneStepService) RequestRecovery(ctx context.Context, identifier string) (*OTPDispatch, error) {
	user, err := s.loginCandidate(ctx, identifier)
	if err != nil {
		return nil, err
	}
	phone, err := s.phoneOf(ctx, user)
	if err != nil {
		return nil, err
	}
	dispatch, err := s.otp.send(ctx, models.PurposeRecovery, models.ChannelSMS, phone, user.UserID, user.Username)
	if err != nil {
		return nil, err
	}

	_, err = s.Recovery.Get(ctx, user.UserID)
	switch {
	case err == nil:
		dispatch.RecoveryQuestions = true
	case !errors.Is(err, scylla.ErrNotFound):
		return nil, err
	}
	return dispatch, nil
}

// VerifyRecovery checks the recovery code and, when set, the recovery answers.
// It returns a single-use password reset token.
func (s *OneStepService) VerifyRecovery(ctx context.Context, identifier, code string, answers []string) (string, error) {
	user, err := s.loginCandidate(ctx, identifier)
	if err != nil {
		return "", err
	}

	questions, err := s.Recovery.Get(ctx, user.UserID)
	if err != nil && !errors.Is(err, scylla.ErrNotFound) {
		return "", err
	}
	if questions != nil && len(answers) != models.RecoveryAnswerCount {
		return "", ErrRecoveryAnswersRequired
	}

	phone, err := s.phoneOf(ctx, user)
	if err != nil {
		return "", err
	}
	info, err := s.otp.verify(ctx, models.PurposeRecovery, phone, code)
	if err != nil {
		return "", err
	}
	if info.UserID != user.UserID {
		return "", ErrInvalidOTP
	}

	if questions != nil {
		for i, h := range questions.Hashes() {
			ok, err := s.Hasher.VerifyRecoveryAnswer(answers[i], h)
			if err != nil {
				return "", err
			}
			if !ok {
				s.audit(user.UserID, models.EventLoginFailed, "", "", "recovery_answers")
				return "", ErrRecoveryAnswersMismatch
			}
		}
	}

	return s.Tokens.Issue(ctx, redisrepo.TokenPasswordReset, user.UserID, s.Config.JWT.ResetTokenTTL)
}

// ResetPassword consumes a reset token, sets the password and signs out every session.
func (s *OneStepService) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	userID, err := s.Tokens.Consume(ctx, redisrepo.TokenPasswordReset, resetToken)
	if err != nil {
		if errors.Is(err, redisrepo.ErrTokenInvalid) {
			return ErrInvalidToken
		}
		return err
	}
	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		return err
	}

	hash, err := s.Hasher.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.Users.UpdatePassword(ctx, user.UserID, hash); err != nil {
		return err
	}
	if _, err := s.Sessions.RevokeAll(ctx, user.UserID); err != nil {
		return err
	}
	if user.Username != "" {
		_ = s.Limiter.Reset(ctx, loginKey(user.Username))
	}
	s.audit(user.UserID, models.EventPasswordReset, "", "", "")
	util.Info("Password reset", util.String("user_id", user.UserID))
	return nil
}

// ResendOTP replaces a pending code with a new one, honouring the resend cooldown.
func (s *OneStepService) ResendOTP(ctx context.Context, purpose, receiver string) (*OTPDispatch, error) {
	switch purpose {
	case models.PurposeRegister, models.PurposeLogin, models.PurposeRecovery, models.Purpose2FA, models.PurposeLoginChallenge:
	default:
		return nil, fmt.Errorf("%w: purpose %q", ErrUnsupportedTarget, purpose)
	}
	if strings.Contains(receiver, "@") {
		receiver = util.NormalizeEmail(receiver)
	} else {
		receiver = util.NormalizePhone(receiver)
	}
	return s.otp.resend(ctx, purpose, receiver)
}

// Refresh rotates a refresh token and signs a new access token with current roles.
func (s *OneStepService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	userID, newRefresh, err := s.Sessions.RotateRefreshToken(ctx, refreshToken, s.Config.JWT.RefreshTTL)
	if err != nil {
		if errors.Is(err, redisrepo.ErrTokenInvalid) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		_ = s.Sessions.RevokeRefreshToken(ctx, newRefresh)
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrUserInactive) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	ver, err := s.Sessions.Version(ctx, user.UserID)
	if err != nil {
		return nil, err
	}
	access, exp, err := s.Signer.Sign(user.UserID, user.Roles, user.Status, token.ScopeFull, ver)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresAt:    exp,
		RefreshToken: newRefresh,
		Scope:        token.ScopeFull,
	}, nil
}

func (s *OneStepService) Logout(ctx context.Context, refreshToken string) error {
	return s.Sessions.RevokeRefreshToken(ctx, refreshToken)
}
