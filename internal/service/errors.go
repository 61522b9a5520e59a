package service

import "errors"

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrUserBanned        = errors.New("user is banned")
	ErrUserInactive      = errors.New("user is not active")
	ErrInvalidState      = errors.New("operation not allowed in the current account state")
	ErrPhoneTaken        = errors.New("phone number already registered")
	ErrUsernameTaken     = errors.New("username already taken")
	ErrEmailTaken        = errors.New("email already in use")
	ErrNotificationFail  = errors.New("notification could not be published")
	ErrInvalidToken      = errors.New("token invalid or expired")
	ErrInvalidReferral   = errors.New("unknown referral code")
	ErrUnsupportedTarget = errors.New("unsupported verification target")
)

// OTP
var (
	ErrInvalidOTP          = errors.New("invalid verification code")
	ErrOTPExpired          = errors.New("verification code expired or not requested")
	ErrOTPAttemptsExceeded = errors.New("too many wrong codes, request a new one")
	ErrOTPCooldown         = errors.New("please wait before requesting another code")
	ErrOTPRateLimited      = errors.New("too many codes requested, try again later")
)

// Login and second factors
var (
	ErrInvalidCredentials      = errors.New("invalid credentials")
	ErrAccountLocked           = errors.New("account temporarily locked")
	ErrTwoFactorRequired       = errors.New("two-factor code required")
	ErrInvalidTwoFactorCode    = errors.New("invalid two-factor code")
	ErrTwoFactorNotSetup       = errors.New("two-factor authentication not set up")
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor authentication already enabled")
	ErrRecoveryAnswersRequired = errors.New("recovery answers required")
	ErrRecoveryAnswersMismatch = errors.New("recovery answers do not match")
)

// KYC
var (
	ErrKYCExists            = errors.New("a KYC submission is already pending or approved")
	ErrKYCNotFound          = errors.New("KYC submission not found")
	ErrKYCInvalidTransition = errors.New("KYC submission is not pending review")
	ErrImageTooLarge        = errors.New("image exceeds the size limit")
	ErrInvalidImage         = errors.New("image must be a base64 encoded JPEG or PNG")
)

// Social links
var (
	ErrUnknownProvider      = errors.New("unknown social provider")
	ErrMediaAlreadyLinked   = errors.New("provider already linked to this account")
	ErrMediaLinkedElsewhere = errors.New("this social account is linked to another user")
	ErrMediaNotLinked       = errors.New("social account not linked")
)
