package models

import "time"

type MediaConnect struct {
	UserID           string    `db:"user_id" json:"user_id"`
	Provider         string    `db:"provider" json:"provider"`
	ExternalID       string    `db:"external_id" json:"external_id"`
	ExternalUsername string    `db:"external_username" json:"external_username,omitempty"`
	ConnectedAt      time.Time `db:"connected_at" json:"connected_at"`
}
