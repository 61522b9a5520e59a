package service

import (
	"context"
	"errors"
	"strings"

	"identity-service/internal/models"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/totp"
	"identity-service/internal/util"
)

// TwoFactorService manages the phone OTP and authenticator app second factors.
type TwoFactorService struct {
	base
}

func NewTwoFactorService(d *Deps) *TwoFactorService {
	return &TwoFactorService{base: newBase(d)}
}

func (s *TwoFactorService) Status(ctx context.Context, userID string) (*models.TwoFactorStatus, error) {
	if _, err := s.getActiveUser(ctx, userID); err != nil {
		return nil, err
	}
	phone, err := s.TwoFactor.GetPhone(ctx, userID)
	if err != nil {
		return nil, err
	}
	status := &models.TwoFactorStatus{PhoneEnabled: phone.PhoneEnabled}

	app, err := s.TwoFactor.GetApp(ctx, userID)
	switch {
	case err == nil:
		status.AppEnabled = app.Enabled
		status.AppPending = !app.Enabled
	case !errors.Is(err, scylla.ErrNotFound):
		return nil, err
	}
	return status, nil
}

// RequestPhone2FA sends a code used to enable or disable phone 2FA.
func (s *TwoFactorService) RequestPhone2FA(ctx context.Context, userID string) (*OTPDispatch, error) {
	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	phone, err := s.phoneOf(ctx, user)
	if err != nil {
		return nil, err
	}
	return s.otp.send(ctx, models.Purpose2FA, models.ChannelSMS, phone, user.UserID, user.Username)
}

func (s *TwoFactorService) EnablePhone2FA(ctx context.Context, userID, code string) error {
	return s.setPhone2FA(ctx, userID, code, true)
}

func (s *TwoFactorService) DisablePhone2FA(ctx context.Context, userID, code string) error {
	return s.setPhone2FA(ctx, userID, code, false)
}

func (s *TwoFactorService) setPhone2FA(ctx context.Context, userID, code string, enabled bool) error {
	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		return err
	}
	current, err := s.TwoFactor.GetPhone(ctx, userID)
	if err != nil {
		return err
	}
	if current.PhoneEnabled == enabled {
		if enabled {
			return ErrTwoFactorAlreadyEnabled
		}
		return ErrTwoFactorNotSetup
	}

	phone, err := s.phoneOf(ctx, user)
	if err != nil {
		return err
	}
	info, err := s.otp.verify(ctx, models.Purpose2FA, phone, code)
	if err != nil {
		return err
	}
	if info.UserID != user.UserID {
		return ErrInvalidOTP
	}

	if err := s.TwoFactor.SetPhone(ctx, userID, enabled); err != nil {
		return err
	}
	s.audit(userID, models.EventTwoFactorChange, userID, "", phoneDetail(enabled))
	util.Info("Phone 2FA changed", util.String("user_id", userID), util.Bool("enabled", enabled))
	return nil
}

func phoneDetail(enabled bool) string {
	if enabled {
		return "phone:enabled"
	}
	return "phone:disabled"
}

// SetupApp2FA creates a new authenticator secret. It stays pending until confirmed with a code.
func (s *TwoFactorService) SetupApp2FA(ctx context.Context, userID string) (*totp.Key, error) {
	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	existing, err := s.TwoFactor.GetApp(ctx, userID)
	if err != nil && !errors.Is(err, scylla.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Enabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	account := user.Username
	if account == "" {
		account = user.UserID
	}
	key, err := s.TOTP.Generate(account)
	if err != nil {
		return nil, err
	}
	encrypted, err := s.Encryptor.EncryptString(ctx, key.Secret, purposeTOTP)
	if err != nil {
		return nil, err
	}
	if err := s.TwoFactor.SaveApp(ctx, &models.TwoFactorSecurity{
		UserID:          userID,
		SecretEncrypted: encrypted,
		Enabled:         false,
	}); err != nil {
		return nil, err
	}
	return key, nil
}

// ConfirmApp2FA enables the pending authenticator secret once a valid code is shown.
func (s *TwoFactorService) ConfirmApp2FA(ctx context.Context, userID, code string) error {
	if _, err := s.getActiveUser(ctx, userID); err != nil {
		return err
	}
	app, err := s.TwoFactor.GetApp(ctx, userID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrTwoFactorNotSetup
		}
		return err
	}
	if app.Enabled {
		return ErrTwoFactorAlreadyEnabled
	}
	if err := s.validateApp(ctx, app, code); err != nil {
		return err
	}

	app.Enabled = true
	app.EnabledAt = s.now()
	if err := s.TwoFactor.SaveApp(ctx, app); err != nil {
		return err
	}
	s.audit(userID, models.EventTwoFactorChange, userID, "", "app:enabled")
	return nil
}

func (s *TwoFactorService) DisableApp2FA(ctx context.Context, userID, code string) error {
	if _, err := s.getActiveUser(ctx, userID); err != nil {
		return err
	}
	app, err := s.TwoFactor.GetApp(ctx, userID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrTwoFactorNotSetup
		}
		return err
	}
	if !app.Enabled {
		return ErrTwoFactorNotSetup
	}
	if err := s.validateApp(ctx, app, code); err != nil {
		return err
	}
	if err := s.TwoFactor.DeleteApp(ctx, userID); err != nil {
		return err
	}
	s.audit(userID, models.EventTwoFactorChange, userID, "", "app:disabled")
	return nil
}

func (s *TwoFactorService) validateApp(ctx context.Context, app *models.TwoFactorSecurity, code string) error {
	secret, err := s.Encryptor.DecryptString(ctx, app.SecretEncrypted, purposeTOTP)
	if err != nil {
		return err
	}
	if err := s.TOTP.Validate(strings.TrimSpace(code), secret); err != nil {
		return ErrInvalidTwoFactorCode
	}
	return nil
}
