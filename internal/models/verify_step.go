package models

import "time"

// OTP purposes; each purpose has its own record per receiver.
const (
	PurposeRegister       = "register"
	PurposeLogin          = "login"
	PurposeRecovery       = "recovery"
	PurposeEmailChange    = "email_change"
	PurposePhoneChange    = "phone_change"
	Purpose2FA            = "two_factor"
	PurposeLoginChallenge = "login_challenge"
)

const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

// VerifyStepInfo is a pending OTP. Only the hash of the code is kept.
type VerifyStepInfo struct {
	Purpose    string    `json:"purpose"`
	Channel    string    `json:"channel"`
	Receiver   string    `json:"receiver"`
	CodeHash   string    `json:"code_hash"`
	ValidUntil time.Time `json:"valid_until"`
	Username   string    `json:"username,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Attempts   int       `json:"attempts"`
}

func (v *VerifyStepInfo) Expired(now time.Time) bool {
	return !now.Before(v.ValidUntil)
}
