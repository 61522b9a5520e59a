package models

import "time"

// User status codes. StatusPhoneVerified is the onboarding step between the phone OTP and
// the completed profile.
const (
	StatusInactive      = 0
	StatusActive        = 1
	StatusBanned        = 2
	StatusPhoneVerified = 3
)

const (
	RoleUser        = "user"
	RoleAdmin       = "admin"
	RoleKYCReviewer = "kyc_reviewer"
	RoleSupport     = "support"
)

var validRoles = map[string]bool{
	RoleUser:        true,
	RoleAdmin:       true,
	RoleKYCReviewer: true,
	RoleSupport:     true,
}

func IsValidRole(role string) bool {
	return validRoles[role]
}

func StatusName(status int) string {
	switch status {
	case StatusInactive:
		return "INACTIVE"
	case StatusActive:
		return "ACTIVE"
	case StatusBanned:
		return "BANNED"
	case StatusPhoneVerified:
		return "PHONE_VERIFIED"
	default:
		return "UNKNOWN"
	}
}

type User struct {
	UserID         string    `db:"user_id" json:"user_id"`
	UserBucket     int       `db:"user_bucket" json:"-"`
	Username       string    `db:"username" json:"username,omitempty"`
	PhoneHash      string    `db:"phone_hash" json:"-"`
	PhoneEncrypted string    `db:"phone_encrypted" json:"-"`
	Phone          string    `db:"-" json:"phone,omitempty"`
	Email          string    `db:"email" json:"email,omitempty"`
	EmailVerified  bool      `db:"email_verified" json:"email_verified"`
	PasswordHash   string    `db:"password_hash" json:"-"`
	Status         int       `db:"status" json:"status"`
	FirstName      string    `db:"first_name" json:"first_name,omitempty"`
	LastName       string    `db:"last_name" json:"last_name,omitempty"`
	Country        string    `db:"country" json:"country,omitempty"`
	City           string    `db:"city" json:"city,omitempty"`
	AddressLine    string    `db:"address_line" json:"address_line,omitempty"`
	PostalCode     string    `db:"postal_code" json:"postal_code,omitempty"`
	Roles          []string  `db:"roles" json:"roles"`
	KYCStatus      string    `db:"kyc_status" json:"kyc_status,omitempty"`
	ReferralCode   string    `db:"referral_code" json:"referral_code,omitempty"`
	ReferredBy     string    `db:"referred_by" json:"referred_by,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
	LastLogin      time.Time `db:"last_login" json:"last_login,omitempty"`
}

func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

func (u *User) IsBanned() bool {
	return u.Status == StatusBanned
}
