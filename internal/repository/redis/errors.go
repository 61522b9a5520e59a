package redis

import "errors"

var (
	ErrOTPNotFound  = errors.New("verification code not found or expired")
	ErrTokenInvalid = errors.New("token invalid or expired")
)
