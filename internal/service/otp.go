package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"identity-service/internal/metrics"
	"identity-service/internal/models"
	"identity-service/internal/notify"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/util"
)

// OTPDispatch describes a code that was just sent.
type OTPDispatch struct {
	UserID            string        `json:"user_id,omitempty"`
	Purpose           string        `json:"purpose"`
	Channel           string        `json:"channel"`
	Receiver          string        `json:"receiver"`
	ValidUntil        time.Time     `json:"valid_until"`
	ResendAfter       time.Duration `json:"-"`
	RecoveryQuestions bool          `json:"recovery_questions,omitempty"`
}

// otpService generates, delivers and checks one-time codes.
type otpService struct {
	*Deps
}

// send stores a fresh code for (purpose, receiver) and publishes it. Any earlier code for
// the same pair stops working.
func (s *otpService) send(ctx context.Context, purpose, channel, receiver, userID, username string) (*OTPDispatch, error) {
	cfg := s.Config.OTP

	ok, err := s.Steps.AcquireCooldown(ctx, purpose, receiver, cfg.ResendCooldown)
	if err != nil {
		return nil, err
	}
	if !ok {
		remaining, err := s.Steps.CooldownRemaining(ctx, purpose, receiver)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: retry in %ds", ErrOTPCooldown, int(remaining.Seconds())+1)
	}

	sent, err := s.Steps.CountSend(ctx, receiver)
	if err != nil {
		return nil, err
	}
	if sent > cfg.MaxPerHour {
		util.Warn("OTP hourly limit reached",
			util.String("purpose", purpose),
			util.String("receiver", util.MaskReceiver(receiver)))
		return nil, ErrOTPRateLimited
	}

	code, err := generateCode(cfg.Length)
	if err != nil {
		return nil, err
	}
	codeHash, err := s.Hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	info := &models.VerifyStepInfo{
		Purpose:    purpose,
		Channel:    channel,
		Receiver:   receiver,
		CodeHash:   codeHash,
		ValidUntil: s.now().Add(cfg.TTL),
		Username:   username,
		UserID:     userID,
	}
	if err := s.Steps.Save(ctx, info); err != nil {
		return nil, err
	}

	if err := s.deliver(ctx, info, code); err != nil {
		_ = s.Steps.Delete(ctx, purpose, receiver)
		return nil, fmt.Errorf("%w: %v", ErrNotificationFail, err)
	}

	metrics.OTPSent.WithLabelValues(purpose, channel).Inc()
	util.Info("OTP sent",
		util.String("purpose", purpose),
		util.String("channel", channel),
		util.String("receiver", util.MaskReceiver(receiver)))

	return &OTPDispatch{
		UserID:      userID,
		Purpose:     purpose,
		Channel:     channel,
		Receiver:    util.MaskReceiver(receiver),
		ValidUntil:  info.ValidUntil,
		ResendAfter: cfg.ResendCooldown,
	}, nil
}

func (s *otpService) deliver(ctx context.Context, info *models.VerifyStepInfo, code string) error {
	switch info.Channel {
	case models.ChannelSMS:
		return s.Notifier.SendSMS(ctx, notify.SMSMessage{
			Phone:   info.Receiver,
			Purpose: info.Purpose,
			Text:    fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(s.Config.OTP.TTL.Minutes())),
		})
	case models.ChannelEmail:
		return s.Notifier.SendEmail(ctx, notify.EmailMessage{
			To:       info.Receiver,
			Template: "otp_" + info.Purpose,
			Subject:  "Your verification code",
			Data:     map[string]string{"code": code, "username": info.Username},
		})
	default:
		return fmt.Errorf("%w: channel %q", ErrUnsupportedTarget, info.Channel)
	}
}

// verify checks code against the pending record and consumes it on a match.
// The record is dropped after the configured number of wrong codes.
func (s *otpService) verify(ctx context.Context, purpose, receiver, code string) (*models.VerifyStepInfo, error) {
	info, err := s.Steps.Get(ctx, purpose, receiver)
	if err != nil {
		if errors.Is(err, redisrepo.ErrOTPNotFound) {
			metrics.OTPVerifications.WithLabelValues(purpose, "expired").Inc()
			return nil, ErrOTPExpired
		}
		return nil, err
	}
	if info.Expired(s.now()) {
		_ = s.Steps.Delete(ctx, purpose, receiver)
		metrics.OTPVerifications.WithLabelValues(purpose, "expired").Inc()
		return nil, ErrOTPExpired
	}

	ok, err := s.Hasher.VerifyOTP(strings.TrimSpace(code), info.CodeHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify code: %w", err)
	}
	if !ok {
		attempts, err := s.Steps.IncrementAttempts(ctx, purpose, receiver, info.ValidUntil.Sub(s.now()))
		if err != nil {
			return nil, err
		}
		if attempts >= s.Config.OTP.MaxAttempts {
			_ = s.Steps.Delete(ctx, purpose, receiver)
			metrics.OTPVerifications.WithLabelValues(purpose, "exhausted").Inc()
			return nil, ErrOTPAttemptsExceeded
		}
		metrics.OTPVerifications.WithLabelValues(purpose, "mismatch").Inc()
		return nil, ErrInvalidOTP
	}

	consumed, err := s.Steps.Consume(ctx, purpose, receiver)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, ErrOTPExpired
	}
	metrics.OTPVerifications.WithLabelValues(purpose, "ok").Inc()
	return info, nil
}

// resend replaces the pending code for (purpose, receiver) with a new one.
func (s *otpService) resend(ctx context.Context, purpose, receiver string) (*OTPDispatch, error) {
	info, err := s.Steps.Get(ctx, purpose, receiver)
	if err != nil {
		if errors.Is(err, redisrepo.ErrOTPNotFound) {
			return nil, ErrOTPExpired
		}
		return nil, err
	}
	return s.send(ctx, purpose, info.Channel, receiver, info.UserID, info.Username)
}

func generateCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
