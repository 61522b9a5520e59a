package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"identity-service/internal/hashing"
	"identity-service/internal/models"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/util"
)

type UpdateProfileRequest struct {
	FirstName   *string `json:"first_name" validate:"omitempty,max=100,safetext"`
	LastName    *string `json:"last_name" validate:"omitempty,max=100,safetext"`
	Country     *string `json:"country" validate:"omitempty,max=64,safetext"`
	City        *string `json:"city" validate:"omitempty,max=100,safetext"`
	AddressLine *string `json:"address_line" validate:"omitempty,max=255,safetext"`
	PostalCode  *string `json:"postal_code" validate:"omitempty,max=20"`
}

// UserService manages the signed-in user's own profile.
type UserService struct {
	base
}

func NewUserService(d *Deps) *UserService {
	return &UserService{base: newBase(d)}
}

// GetProfile returns the user with the phone number decrypted.
func (s *UserService) GetProfile(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.PhoneEncrypted != "" {
		phone, err := s.phoneOf(ctx, user)
		if err != nil {
			return nil, err
		}
		user.Phone = phone
	}
	return user, nil
}

func (s *UserService) UpdateProfile(ctx context.Context, userID string, req *UpdateProfileRequest) (*models.User, error) {
	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	apply := func(dst *string, v *string) {
		if v != nil {
			*dst = util.SanitizeInput(*v)
		}
	}
	apply(&user.FirstName, req.FirstName)
	apply(&user.LastName, req.LastName)
	apply(&user.Country, req.Country)
	apply(&user.City, req.City)
	apply(&user.AddressLine, req.AddressLine)
	apply(&user.PostalCode, req.PostalCode)

	if err := s.Users.Update(ctx, user); err != nil {
		return nil, err
	}
	s.reindex(ctx, user)
	return user, nil
}

// ChangePassword replaces the password and signs out every other session.
// The returned tokens belong to the new session generation.
func (s *UserService) ChangePassword(ctx context.Context, userID, oldPassword, newPassword, ip string) (*TokenPair, error) {
	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.checkPassword(user, oldPassword); err != nil {
		return nil, err
	}
	if oldPassword == newPassword {
		return nil, fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput)
	}

	hash, err := s.Hasher.HashPassword(newPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.Users.UpdatePassword(ctx, user.UserID, hash); err != nil {
		return nil, err
	}
	if _, err := s.Sessions.RevokeAll(ctx, user.UserID); err != nil {
		return nil, err
	}
	s.audit(user.UserID, models.EventPasswordChanged, user.UserID, ip, "")
	return s.issueTokens(ctx, user)
}

func (s *UserService) checkPassword(user *models.User, password string) error {
	if user.PasswordHash == "" {
		return ErrInvalidCredentials
	}
	ok, err := s.Hasher.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return ErrInvalidCredentials
	}
	return nil
}

// RequestEmailChange sends a code to the new address.
func (s *UserService) RequestEmailChange(ctx context.Context, userID, email string) (*OTPDispatch, error) {
	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	email = util.NormalizeEmail(email)
	if email == user.Email && user.EmailVerified {
		return nil, fmt.Errorf("%w: email unchanged", ErrInvalidInput)
	}
	if err := s.ensureEmailFree(ctx, email, user.UserID); err != nil {
		return nil, err
	}
	return s.otp.send(ctx, models.PurposeEmailChange, models.ChannelEmail, email, user.UserID, user.Username)
}

// ConfirmEmailChange checks the code, moves the email claim and marks the address verified.
func (s *UserService) ConfirmEmailChange(ctx context.Context, userID, email, code string) (*models.User, error) {
	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	email = util.NormalizeEmail(email)

	info, err := s.otp.verify(ctx, models.PurposeEmailChange, email, code)
	if err != nil {
		return nil, err
	}
	if info.UserID != user.UserID {
		return nil, ErrInvalidOTP
	}

	previous := user.Email
	if email != previous {
		if err := s.Users.ClaimEmail(ctx, email, user.UserID); err != nil {
			if errors.Is(err, scylla.ErrDuplicate) {
				return nil, ErrEmailTaken
			}
			return nil, err
		}
	}
	user.Email = email
	user.EmailVerified = true
	if err := s.Users.Update(ctx, user); err != nil {
		if email != previous {
			_ = s.Users.ReleaseEmail(ctx, email, user.UserID)
		}
		return nil, err
	}
	if previous != "" && previous != email {
		if err := s.Users.ReleaseEmail(ctx, previous, user.UserID); err != nil {
			util.Warn("Failed to release previous email", util.String("user_id", user.UserID), util.ErrorField(err))
		}
	}
	s.reindex(ctx, user)
	return user, nil
}

func (s *UserService) ensureEmailFree(ctx context.Context, email, userID string) error {
	owner, err := s.Users.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, scylla.ErrNotFound):
		return nil
	case err != nil:
		return err
	case owner.UserID != userID:
		return ErrEmailTaken
	}
	return nil
}

// RequestPhoneChange sends a code to the new phone number.
func (s *UserService) RequestPhoneChange(ctx context.Context, userID, phone string) (*OTPDispatch, error) {
	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	phone = util.NormalizePhone(phone)
	if !validPhone(phone) {
		return nil, fmt.Errorf("%w: phone must be in international format", ErrInvalidInput)
	}
	phoneHash := hashing.LookupHash(phone)
	if phoneHash == user.PhoneHash {
		return nil, fmt.Errorf("%w: phone unchanged", ErrInvalidInput)
	}
	if _, err := s.Users.GetByPhoneHash(ctx, phoneHash); err == nil {
		return nil, ErrPhoneTaken
	} else if !errors.Is(err, scylla.ErrNotFound) {
		return nil, err
	}
	return s.otp.send(ctx, models.PurposePhoneChange, models.ChannelSMS, phone, user.UserID, user.Username)
}

// ConfirmPhoneChange checks the code and moves the phone claim to the new number.
func (s *UserService) ConfirmPhoneChange(ctx context.Context, userID, phone, code string) (*models.User, error) {
	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	phone = util.NormalizePhone(phone)

	info, err := s.otp.verify(ctx, models.PurposePhoneChange, phone, code)
	if err != nil {
		return nil, err
	}
	if info.UserID != user.UserID {
		return nil, ErrInvalidOTP
	}

	phoneHash := hashing.LookupHash(phone)
	encrypted, err := s.Encryptor.EncryptString(ctx, phone, purposePhone)
	if err != nil {
		return nil, err
	}
	if err := s.Users.ClaimPhone(ctx, phoneHash, user.UserID); err != nil {
		if errors.Is(err, scylla.ErrDuplicate) {
			return nil, ErrPhoneTaken
		}
		return nil, err
	}

	previous := user.PhoneHash
	user.PhoneHash = phoneHash
	user.PhoneEncrypted = encrypted
	if err := s.Users.Update(ctx, user); err != nil {
		_ = s.Users.ReleasePhone(ctx, phoneHash, user.UserID)
		return nil, err
	}
	if previous != "" {
		if err := s.Users.ReleasePhone(ctx, previous, user.UserID); err != nil {
			util.Warn("Failed to release previous phone", util.String("user_id", user.UserID), util.ErrorField(err))
		}
	}
	user.Phone = phone
	return user, nil
}

// SetRecoveryQuestions stores hashes of three answers. The current password is required.
func (s *UserService) SetRecoveryQuestions(ctx context.Context, userID, password string, answers []string) error {
	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.checkPassword(user, password); err != nil {
		return err
	}
	if len(answers) != models.RecoveryAnswerCount {
		return fmt.Errorf("%w: exactly %d answers required", ErrInvalidInput, models.RecoveryAnswerCount)
	}

	hashes := make([]string, len(answers))
	for i, a := range answers {
		if strings.TrimSpace(a) == "" || len(a) > 128 {
			return fmt.Errorf("%w: answer %d must be 1-128 characters", ErrInvalidInput, i+1)
		}
		h, err := s.Hasher.HashRecoveryAnswer(a)
		if err != nil {
			return fmt.Errorf("failed to hash answer: %w", err)
		}
		hashes[i] = h
	}

	return s.Recovery.Save(ctx, &models.RecoveryQuestion{
		UserID:      user.UserID,
		Answer1Hash: hashes[0],
		Answer2Hash: hashes[1],
		Answer3Hash: hashes[2],
		UpdatedAt:   s.now(),
	})
}
