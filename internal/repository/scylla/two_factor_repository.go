package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"identity-service/internal/models"
)

type TwoFactorRepository struct {
	client *ScyllaClient
}

func NewTwoFactorRepository(client *ScyllaClient) *TwoFactorRepository {
	return &TwoFactorRepository{client: client}
}

// GetPhone returns a disabled record when none is stored.
func (r *TwoFactorRepository) GetPhone(ctx context.Context, userID string) (*models.TwoFactorAuth, error) {
	t := &models.TwoFactorAuth{}
	err := r.client.ScanWithRetry(r.client.Query(ctx, r.client.Prepared.GetTwoFactorAuth, userID),
		&t.UserID, &t.PhoneEnabled, &t.UpdatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return &models.TwoFactorAuth{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get phone 2fa: %w", err)
	}
	return t, nil
}

func (r *TwoFactorRepository) SetPhone(ctx context.Context, userID string, enabled bool) error {
	q := r.client.Query(ctx, r.client.Prepared.UpsertTwoFactorAuth, userID, enabled, time.Now().UTC())
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		return fmt.Errorf("failed to save phone 2fa: %w", err)
	}
	return nil
}

func (r *TwoFactorRepository) GetApp(ctx context.Context, userID string) (*models.TwoFactorSecurity, error) {
	t := &models.TwoFactorSecurity{}
	err := r.client.ScanWithRetry(r.client.Query(ctx, r.client.Prepared.GetTwoFactorSecurity, userID),
		&t.UserID, &t.SecretEncrypted, &t.Enabled, &t.EnabledAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get app 2fa: %w", err)
	}
	return t, nil
}

func (r *TwoFactorRepository) SaveApp(ctx context.Context, t *models.TwoFactorSecurity) error {
	t.UpdatedAt = time.Now().UTC()
	q := r.client.Query(ctx, r.client.Prepared.UpsertTwoFactorSecure,
		t.UserID, t.SecretEncrypted, t.Enabled, nullTime(t.EnabledAt), t.UpdatedAt)
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		return fmt.Errorf("failed to save app 2fa: %w", err)
	}
	return nil
}

func (r *TwoFactorRepository) DeleteApp(ctx context.Context, userID string) error {
	if err := r.client.ExecuteWithRetry(r.client.Query(ctx, r.client.Prepared.DeleteTwoFactorSecure, userID), 2); err != nil {
		return fmt.Errorf("failed to delete app 2fa: %w", err)
	}
	return nil
}
