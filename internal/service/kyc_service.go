package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"identity-service/internal/metrics"
	"identity-service/internal/models"
	"identity-service/internal/notify"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/util"
)

const (
	defaultKYCPageSize = 20
	maxKYCPageSize     = 100
)

type SubmitKYCRequest struct {
	DocumentType   string `json:"document_type" validate:"required,oneof=passport national_id driver_license"`
	DocumentNumber string `json:"document_number" validate:"required,min=4,max=64,alphanum"`
	FirstName      string `json:"first_name" validate:"required,max=100,safetext"`
	LastName       string `json:"last_name" validate:"required,max=100,safetext"`
	DateOfBirth    string `json:"date_of_birth" validate:"required,datetime=2006-01-02"`
	FrontImage     string `json:"front_image" validate:"required"`
	BackImage      string `json:"back_image"`
	SelfieImage    string `json:"selfie_image"`
}

// KYCDetails is a submission as shown to reviewers.
type KYCDetails struct {
	*models.KYC
	Images *models.KYCImageURLs `json:"images,omitempty"`
}

type KYCPage struct {
	Items         []*models.KYC `json:"items"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}

// KYCService handles identity document submissions and their review.
type KYCService struct {
	base
}

func NewKYCService(d *Deps) *KYCService {
	return &KYCService{base: newBase(d)}
}

type decodedImage struct {
	name        string
	data        []byte
	contentType string
	ext         string
}

// Submit stores the document images and opens a pending review. A rejected submission can be
// replaced; a pending or approved one cannot.
func (s *KYCService) Submit(ctx context.Context, userID string, req *SubmitKYCRequest, ip string) (*models.KYC, error) {
	user, err := s.getActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	previous, err := s.KYC.Get(ctx, userID)
	if err != nil && !errors.Is(err, scylla.ErrNotFound) {
		return nil, err
	}
	if previous != nil && previous.Blocking() {
		return nil, ErrKYCExists
	}

	images := make([]decodedImage, 0, 3)
	for _, in := range []struct{ name, raw string }{
		{"front", req.FrontImage},
		{"back", req.BackImage},
		{"selfie", req.SelfieImage},
	} {
		if in.raw == "" {
			continue
		}
		img, err := decodeImage(in.raw, s.Config.KYC.MaxImageBytes)
		if err != nil {
			return nil, fmt.Errorf("%s image: %w", in.name, err)
		}
		img.name = in.name
		images = append(images, img)
	}

	now := s.now()
	k := &models.KYC{
		UserID:       user.UserID,
		DocumentType: req.DocumentType,
		FirstName:    util.SanitizeInput(req.FirstName),
		LastName:     util.SanitizeInput(req.LastName),
		DateOfBirth:  req.DateOfBirth,
		Status:       models.KYCStatusPending,
		SubmittedAt:  now,
	}
	k.DocumentNumberEncrypted, err = s.Encryptor.EncryptString(ctx, strings.ToUpper(req.DocumentNumber), purposeDocument)
	if err != nil {
		return nil, err
	}

	uploaded := make([]string, 0, len(images))
	cleanup := func() {
		for _, key := range uploaded {
			if err := s.Objects.DeleteObject(ctx, key); err != nil {
				util.Warn("Failed to remove kyc image", util.String("key", key), util.ErrorField(err))
			}
		}
	}
	for _, img := range images {
		key := fmt.Sprintf("kyc/%s/%d/%s.%s", user.UserID, now.Unix(), img.name, img.ext)
		if err := s.Objects.PutObject(ctx, key, img.data, img.contentType); err != nil {
			cleanup()
			return nil, err
		}
		uploaded = append(uploaded, key)
		switch img.name {
		case "front":
			k.FrontImageKey = key
		case "back":
			k.BackImageKey = key
		case "selfie":
			k.SelfieImageKey = key
		}
	}

	if err := s.KYC.Save(ctx, k, previous); err != nil {
		cleanup()
		return nil, err
	}
	if err := s.Users.UpdateKYCStatus(ctx, user.UserID, k.Status); err != nil {
		return nil, err
	}
	user.KYCStatus = k.Status
	s.reindex(ctx, user)
	s.audit(user.UserID, models.EventKYCSubmitted, user.UserID, ip, k.DocumentType)
	util.Info("KYC submitted", util.String("user_id", user.UserID), util.String("document_type", k.DocumentType))
	return k, nil
}

func (s *KYCService) GetMine(ctx context.Context, userID string) (*models.KYC, error) {
	k, err := s.KYC.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrKYCNotFound
		}
		return nil, err
	}
	return k, nil
}

// List pages through submissions with the given status.
func (s *KYCService) List(ctx context.Context, status string, limit int, pageToken string) (*KYCPage, error) {
	if status == "" {
		status = models.KYCStatusPending
	}
	switch status {
	case models.KYCStatusPending, models.KYCStatusApproved, models.KYCStatusRejected:
	default:
		return nil, fmt.Errorf("%w: unknown kyc status %q", ErrInvalidInput, status)
	}
	if limit <= 0 {
		limit = defaultKYCPageSize
	}
	if limit > maxKYCPageSize {
		limit = maxKYCPageSize
	}

	items, next, err := s.KYC.ListByStatus(ctx, status, limit, pageToken)
	if err != nil {
		if errors.Is(err, scylla.ErrBadPageToken) {
			return nil, fmt.Errorf("%w: bad page token", ErrInvalidInput)
		}
		return nil, err
	}
	if items == nil {
		items = []*models.KYC{}
	}
	return &KYCPage{Items: items, NextPageToken: next}, nil
}

// Get returns a submission with the document number decrypted and short lived image links.
func (s *KYCService) Get(ctx context.Context, userID string) (*KYCDetails, error) {
	k, err := s.GetMine(ctx, userID)
	if err != nil {
		return nil, err
	}
	if k.DocumentNumberEncrypted != "" {
		number, err := s.Encryptor.DecryptString(ctx, k.DocumentNumberEncrypted, purposeDocument)
		if err != nil {
			return nil, err
		}
		k.DocumentNumber = number
	}

	urls := &models.KYCImageURLs{}
	for _, ref := range []struct {
		key string
		dst *string
	}{
		{k.FrontImageKey, &urls.Front},
		{k.BackImageKey, &urls.Back},
		{k.SelfieImageKey, &urls.Selfie},
	} {
		if ref.key == "" {
			continue
		}
		url, err := s.Objects.PresignGet(ctx, ref.key)
		if err != nil {
			return nil, err
		}
		*ref.dst = url
	}
	return &KYCDetails{KYC: k, Images: urls}, nil
}

func (s *KYCService) Approve(ctx context.Context, userID, reviewerID, ip string) (*models.KYC, error) {
	return s.decide(ctx, userID, reviewerID, models.KYCStatusApproved, "", ip)
}

func (s *KYCService) Reject(ctx context.Context, userID, reviewerID, reason, ip string) (*models.KYC, error) {
	reason = util.SanitizeInput(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason required", ErrInvalidInput)
	}
	return s.decide(ctx, userID, reviewerID, models.KYCStatusRejected, reason, ip)
}

// decide moves a pending submission to its final status.
func (s *KYCService) decide(ctx context.Context, userID, reviewerID, status, reason, ip string) (*models.KYC, error) {
	if userID == reviewerID {
		return nil, fmt.Errorf("%w: cannot review own submission", ErrPermissionDenied)
	}
	k, err := s.GetMine(ctx, userID)
	if err != nil {
		return nil, err
	}
	if k.Status != models.KYCStatusPending {
		return nil, ErrKYCInvalidTransition
	}

	previous := *k
	k.Status = status
	k.ReviewedBy = reviewerID
	k.ReviewedAt = s.now()
	k.RejectReason = reason
	if err := s.KYC.Decide(ctx, k, &previous); err != nil {
		if errors.Is(err, scylla.ErrConflict) {
			return nil, ErrKYCInvalidTransition
		}
		return nil, err
	}
	if err := s.Users.UpdateKYCStatus(ctx, userID, status); err != nil {
		return nil, err
	}

	if err := s.Notifier.KYCDecided(ctx, notify.KYCDecided{
		UserID:     userID,
		Status:     status,
		Reason:     reason,
		ReviewerID: reviewerID,
	}); err != nil {
		util.Warn("KYC decision event not published", util.String("user_id", userID), util.ErrorField(err))
	}

	user, err := s.getUser(ctx, userID)
	if err == nil {
		user.KYCStatus = status
		s.reindex(ctx, user)
		if user.Email != "" {
			if err := s.Notifier.SendEmail(ctx, notify.EmailMessage{
				To:       user.Email,
				Template: "kyc_" + strings.ToLower(status),
				Subject:  "Your identity verification",
				Data:     map[string]string{"username": user.Username, "reason": reason},
			}); err != nil {
				util.Warn("KYC decision email not sent", util.String("user_id", userID), util.ErrorField(err))
			}
		}
	}

	metrics.KYCDecisions.WithLabelValues(status).Inc()
	s.audit(userID, models.EventKYCDecided, reviewerID, ip, status)
	util.Info("KYC decided", util.String("user_id", userID), util.String("status", status), util.String("reviewer", reviewerID))
	return k, nil
}

// decodeImage accepts raw base64 or a data URL and allows JPEG and PNG only.
func decodeImage(raw string, maxBytes int) (decodedImage, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "data:") {
		comma := strings.Index(raw, ",")
		if comma < 0 {
			return decodedImage{}, ErrInvalidImage
		}
		raw = raw[comma+1:]
	}
	if maxBytes > 0 && base64.StdEncoding.DecodedLen(len(raw)) > maxBytes+2 {
		return decodedImage{}, ErrImageTooLarge
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(raw); err != nil {
			return decodedImage{}, ErrInvalidImage
		}
	}
	if len(data) == 0 {
		return decodedImage{}, ErrInvalidImage
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return decodedImage{}, ErrImageTooLarge
	}

	switch ct := http.DetectContentType(data); ct {
	case "image/jpeg":
		return decodedImage{data: data, contentType: ct, ext: "jpg"}, nil
	case "image/png":
		return decodedImage{data: data, contentType: ct, ext: "png"}, nil
	default:
		return decodedImage{}, ErrInvalidImage
	}
}
