package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"identity-service/internal/models"
)

type RecoveryRepository struct {
	client *ScyllaClient
}

func NewRecoveryRepository(client *ScyllaClient) *RecoveryRepository {
	return &RecoveryRepository{client: client}
}

func (r *RecoveryRepository) Get(ctx context.Context, userID string) (*models.RecoveryQuestion, error) {
	q := &models.RecoveryQuestion{}
	err := r.client.ScanWithRetry(r.client.Query(ctx, r.client.Prepared.GetRecovery, userID),
		&q.UserID, &q.Answer1Hash, &q.Answer2Hash, &q.Answer3Hash, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get recovery questions: %w", err)
	}
	return q, nil
}

func (r *RecoveryRepository) Save(ctx context.Context, q *models.RecoveryQuestion) error {
	q.UpdatedAt = time.Now().UTC()
	stmt := r.client.Query(ctx, r.client.Prepared.UpsertRecovery,
		q.UserID, q.Answer1Hash, q.Answer2Hash, q.Answer3Hash, q.UpdatedAt)
	if err := r.client.ExecuteWithRetry(stmt, 2); err != nil {
		return fmt.Errorf("failed to save recovery questions: %w", err)
	}
	return nil
}
