package models

import "time"

const (
	EventRegistered      = "registered"
	EventLoginSuccess    = "login_success"
	EventLoginFailed     = "login_failed"
	EventLoginLocked     = "login_locked"
	EventPasswordChanged = "password_changed"
	EventPasswordReset   = "password_reset"
	EventTwoFactorChange = "two_factor_changed"
	EventStatusChanged   = "status_changed"
	EventRolesChanged    = "roles_changed"
	EventKYCSubmitted    = "kyc_submitted"
	EventKYCDecided      = "kyc_decided"
	EventMediaLinked     = "media_linked"
	EventMediaUnlinked   = "media_unlinked"
)

type SecurityEvent struct {
	EventTime time.Time `ch:"event_time" json:"event_time"`
	EventDate string    `ch:"event_date" json:"event_date"`
	UserID    string    `ch:"user_id" json:"user_id"`
	EventType string    `ch:"event_type" json:"event_type"`
	ActorID   string    `ch:"actor_id" json:"actor_id,omitempty"`
	IPAddress string    `ch:"ip_address" json:"ip_address,omitempty"`
	Details   string    `ch:"details" json:"details,omitempty"`
}
