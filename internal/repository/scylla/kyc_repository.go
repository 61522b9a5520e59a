package scylla

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"identity-service/internal/bucketing"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

var ErrBadPageToken = errors.New("invalid page token")

type KYCRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewKYCRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *KYCRepository {
	return &KYCRepository{client: client, buckets: buckets}
}

func (r *KYCRepository) Get(ctx context.Context, userID string) (*models.KYC, error) {
	k := &models.KYC{}
	q := r.client.Query(ctx, r.client.Prepared.GetKYC, userID)
	err := r.client.ScanWithRetry(q,
		&k.UserID, &k.DocumentType, &k.DocumentNumberEncrypted, &k.FirstName, &k.LastName,
		&k.DateOfBirth, &k.FrontImageKey, &k.BackImageKey, &k.SelfieImageKey, &k.Status,
		&k.ReviewedBy, &k.RejectReason, &k.SubmittedAt, &k.ReviewedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get kyc: %w", err)
	}
	return k, nil
}

// Save writes the submission and moves its status index row in one logged batch.
// previous is the row being replaced, nil for a first submission.
func (r *KYCRepository) Save(ctx context.Context, k *models.KYC, previous *models.KYC) error {
	bucket := r.buckets.GetEventBucket(k.UserID)
	batch := r.client.Batch(ctx)

	batch.Query(r.client.Prepared.UpsertKYC,
		k.UserID, k.DocumentType, k.DocumentNumberEncrypted, k.FirstName, k.LastName, k.DateOfBirth,
		k.FrontImageKey, k.BackImageKey, k.SelfieImageKey, k.Status, k.ReviewedBy, k.RejectReason,
		k.SubmittedAt, nullTime(k.ReviewedAt))

	// Same key in one batch would be shadowed by its own tombstone.
	if previous != nil && (previous.Status != k.Status || !previous.SubmittedAt.Equal(k.SubmittedAt)) {
		batch.Query(r.client.Prepared.DeleteKYCStatus, previous.Status, bucket, previous.SubmittedAt, previous.UserID)
	}
	batch.Query(r.client.Prepared.InsertKYCStatus,
		k.Status, bucket, k.SubmittedAt, k.UserID, k.DocumentType, k.FirstName, k.LastName)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to save kyc", util.String("user_id", k.UserID), util.ErrorField(err))
		return fmt.Errorf("failed to save kyc: %w", err)
	}
	return nil
}

// Decide records a review outcome only while the row still has previous.Status. A lost race
// returns ErrConflict and leaves the row and its status index untouched.
func (r *KYCRepository) Decide(ctx context.Context, k *models.KYC, previous *models.KYC) error {
	var current string
	applied, err := r.client.Query(ctx, r.client.Prepared.DecideKYC,
		k.Status, k.ReviewedBy, k.RejectReason, nullTime(k.ReviewedAt), k.UserID, previous.Status).
		ScanCAS(&current)
	if err != nil {
		return fmt.Errorf("failed to decide kyc: %w", err)
	}
	if !applied {
		if current == "" {
			return ErrNotFound
		}
		util.Warn("KYC decision lost to a concurrent review",
			util.String("user_id", k.UserID),
			util.String("status", current))
		return ErrConflict
	}

	bucket := r.buckets.GetEventBucket(k.UserID)
	batch := r.client.Batch(ctx)
	batch.Query(r.client.Prepared.DeleteKYCStatus, previous.Status, bucket, previous.SubmittedAt, previous.UserID)
	batch.Query(r.client.Prepared.InsertKYCStatus,
		k.Status, bucket, k.SubmittedAt, k.UserID, k.DocumentType, k.FirstName, k.LastName)
	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to move kyc status index", util.String("user_id", k.UserID), util.ErrorField(err))
		return fmt.Errorf("failed to update kyc status index: %w", err)
	}
	return nil
}

// pageCursor walks kyc_by_status bucket by bucket.
type pageCursor struct {
	Bucket int    `json:"b"`
	State  []byte `json:"s,omitempty"`
}

func encodeCursor(c pageCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(token string) (pageCursor, error) {
	var c pageCursor
	if token == "" {
		return c, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return c, ErrBadPageToken
	}
	if err := json.Unmarshal(raw, &c); err != nil || c.Bucket < 0 {
		return c, ErrBadPageToken
	}
	return c, nil
}

// ListByStatus returns up to limit submissions with the given status and the token for the
// next page, empty when there are no more rows. Rows carry only the indexed summary fields.
func (r *KYCRepository) ListByStatus(ctx context.Context, status string, limit int, pageToken string) ([]*models.KYC, string, error) {
	cur, err := decodeCursor(pageToken)
	if err != nil {
		return nil, "", err
	}
	total := r.buckets.GetEventBuckets()
	if cur.Bucket >= total {
		return nil, "", ErrBadPageToken
	}

	out := make([]*models.KYC, 0, limit)
	for cur.Bucket < total && len(out) < limit {
		iter := r.client.Query(ctx, r.client.Prepared.ListKYCStatus, status, cur.Bucket).
			PageSize(limit - len(out)).
			PageState(cur.State).
			Iter()
		next := iter.PageState()

		scanner := iter.Scanner()
		for scanner.Next() {
			k := &models.KYC{Status: status}
			if err := scanner.Scan(&k.UserID, &k.DocumentType, &k.FirstName, &k.LastName, &k.SubmittedAt); err != nil {
				return nil, "", fmt.Errorf("failed to scan kyc row: %w", err)
			}
			out = append(out, k)
		}
		if err := scanner.Err(); err != nil {
			return nil, "", fmt.Errorf("failed to list kyc: %w", err)
		}

		if len(next) > 0 {
			cur.State = next
		} else {
			cur = pageCursor{Bucket: cur.Bucket + 1}
		}
	}

	if cur.Bucket >= total {
		return out, "", nil
	}
	return out, encodeCursor(cur), nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
