package scylla

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"

	"identity-service/internal/models"
	"identity-service/internal/util"
)

type MediaConnectRepository struct {
	client *ScyllaClient
}

func NewMediaConnectRepository(client *ScyllaClient) *MediaConnectRepository {
	return &MediaConnectRepository{client: client}
}

func (r *MediaConnectRepository) List(ctx context.Context, userID string) ([]*models.MediaConnect, error) {
	iter := r.client.Query(ctx, r.client.Prepared.ListMedia, userID).Iter()
	scanner := iter.Scanner()

	var out []*models.MediaConnect
	for scanner.Next() {
		m := &models.MediaConnect{}
		if err := scanner.Scan(&m.UserID, &m.Provider, &m.ExternalID, &m.ExternalUsername, &m.ConnectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan media connect: %w", err)
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to list media connects: %w", err)
	}
	return out, nil
}

func (r *MediaConnectRepository) Get(ctx context.Context, userID, provider string) (*models.MediaConnect, error) {
	m := &models.MediaConnect{}
	err := r.client.ScanWithRetry(r.client.Query(ctx, r.client.Prepared.GetMedia, userID, provider),
		&m.UserID, &m.Provider, &m.ExternalID, &m.ExternalUsername, &m.ConnectedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get media connect: %w", err)
	}
	return m, nil
}

// FindUserID resolves an external identity to the linked user.
func (r *MediaConnectRepository) FindUserID(ctx context.Context, provider, externalID string) (string, error) {
	return r.client.lookup(ctx, r.client.Prepared.LookupMediaExternal, provider, externalID)
}

// Create links an external identity. ErrDuplicate means another user already owns it.
func (r *MediaConnectRepository) Create(ctx context.Context, m *models.MediaConnect) error {
	if err := r.client.claim(ctx, r.client.Prepared.ClaimMediaExternal, m.UserID, m.Provider, m.ExternalID); err != nil {
		return err
	}

	q := r.client.Query(ctx, r.client.Prepared.InsertMedia,
		m.UserID, m.Provider, m.ExternalID, m.ExternalUsername, m.ConnectedAt)
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		_ = r.client.release(ctx, r.client.Prepared.ReleaseMediaExternal, m.UserID, m.Provider, m.ExternalID)
		util.Error("Failed to link media account", util.String("provider", m.Provider), util.ErrorField(err))
		return fmt.Errorf("failed to create media connect: %w", err)
	}
	return nil
}

func (r *MediaConnectRepository) Delete(ctx context.Context, m *models.MediaConnect) error {
	if err := r.client.ExecuteWithRetry(r.client.Query(ctx, r.client.Prepared.DeleteMedia, m.UserID, m.Provider), 2); err != nil {
		return fmt.Errorf("failed to delete media connect: %w", err)
	}
	return r.client.release(ctx, r.client.Prepared.ReleaseMediaExternal, m.UserID, m.Provider, m.ExternalID)
}
