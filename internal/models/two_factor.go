package models

import "time"

// TwoFactorAuth is the phone OTP second factor.
type TwoFactorAuth struct {
	UserID       string    `db:"user_id" json:"user_id"`
	PhoneEnabled bool      `db:"phone_enabled" json:"phone_enabled"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// TwoFactorSecurity is the authenticator-app (TOTP) second factor.
type TwoFactorSecurity struct {
	UserID          string    `db:"user_id" json:"user_id"`
	SecretEncrypted string    `db:"secret_encrypted" json:"-"`
	Enabled         bool      `db:"enabled" json:"enabled"`
	EnabledAt       time.Time `db:"enabled_at" json:"enabled_at,omitempty"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

type TwoFactorStatus struct {
	PhoneEnabled bool `json:"phone_enabled"`
	AppEnabled   bool `json:"app_enabled"`
	AppPending   bool `json:"app_pending"`
}
