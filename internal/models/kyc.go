package models

import "time"

const (
	KYCStatusNone     = ""
	KYCStatusPending  = "pending"
	KYCStatusApproved = "APPROVED"
	KYCStatusRejected = "REJECTED"
)

const (
	DocumentPassport      = "passport"
	DocumentNationalID    = "national_id"
	DocumentDriverLicense = "driver_license"
)

type KYC struct {
	UserID                  string    `db:"user_id" json:"user_id"`
	DocumentType            string    `db:"document_type" json:"document_type"`
	DocumentNumberEncrypted string    `db:"document_number_encrypted" json:"-"`
	DocumentNumber          string    `db:"-" json:"document_number,omitempty"`
	FirstName               string    `db:"first_name" json:"first_name"`
	LastName                string    `db:"last_name" json:"last_name"`
	DateOfBirth             string    `db:"date_of_birth" json:"date_of_birth"`
	FrontImageKey           string    `db:"front_image_key" json:"-"`
	BackImageKey            string    `db:"back_image_key" json:"-"`
	SelfieImageKey          string    `db:"selfie_image_key" json:"-"`
	Status                  string    `db:"status" json:"status"`
	ReviewedBy              string    `db:"reviewed_by" json:"reviewed_by,omitempty"`
	RejectReason            string    `db:"reject_reason" json:"reject_reason,omitempty"`
	SubmittedAt             time.Time `db:"submitted_at" json:"submitted_at"`
	ReviewedAt              time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
}

// KYCImageURLs are presigned links handed to reviewers.
type KYCImageURLs struct {
	Front  string `json:"front,omitempty"`
	Back   string `json:"back,omitempty"`
	Selfie string `json:"selfie,omitempty"`
}

// Blocking reports whether a submission in this state prevents a new one.
func (k *KYC) Blocking() bool {
	return k.Status == KYCStatusPending || k.Status == KYCStatusApproved
}
