package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"identity-service/internal/bucketing"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

type UserRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewUserRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *UserRepository {
	return &UserRepository{client: client, buckets: buckets}
}

// Create claims the phone lookup row and then writes the user. The phone claim is
// released again if the user row cannot be written.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	user.UserBucket = r.buckets.GetUserBucket(user.UserID)

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	if err := r.client.claim(ctx, r.client.Prepared.ClaimPhone, user.UserID, user.PhoneHash); err != nil {
		return err
	}

	q := r.client.Query(ctx, r.client.Prepared.CreateUser,
		user.UserBucket, user.UserID, user.Username, user.PhoneHash, user.PhoneEncrypted, user.Email,
		user.EmailVerified, user.PasswordHash, user.Status, user.FirstName, user.LastName, user.Country,
		user.City, user.AddressLine, user.PostalCode, user.Roles, user.KYCStatus, user.ReferralCode,
		user.ReferredBy, user.CreatedAt, user.UpdatedAt, nil)
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		_ = r.client.release(ctx, r.client.Prepared.ReleasePhone, user.UserID, user.PhoneHash)
		util.Error("Failed to create user", util.String("user_id", user.UserID), util.ErrorField(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created", util.String("user_id", user.UserID), util.Int("bucket", user.UserBucket))
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (*models.User, error) {
	user := &models.User{}

	q := r.client.Query(ctx, r.client.Prepared.GetUserByID, r.buckets.GetUserBucket(userID), userID)
	err := r.client.ScanWithRetry(q,
		&user.UserBucket, &user.UserID, &user.Username, &user.PhoneHash, &user.PhoneEncrypted,
		&user.Email, &user.EmailVerified, &user.PasswordHash, &user.Status, &user.FirstName,
		&user.LastName, &user.Country, &user.City, &user.AddressLine, &user.PostalCode,
		&user.Roles, &user.KYCStatus, &user.ReferralCode, &user.ReferredBy, &user.CreatedAt,
		&user.UpdatedAt, &user.LastLogin)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrNotFound
		}
		util.Error("Failed to get user by ID", util.String("user_id", userID), util.ErrorField(err))
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}
	return user, nil
}

func (r *UserRepository) GetByPhoneHash(ctx context.Context, phoneHash string) (*models.User, error) {
	return r.getVia(ctx, r.client.Prepared.LookupPhone, phoneHash)
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.getVia(ctx, r.client.Prepared.LookupUsername, username)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getVia(ctx, r.client.Prepared.LookupEmail, email)
}

func (r *UserRepository) GetByReferralCode(ctx context.Context, code string) (*models.User, error) {
	return r.getVia(ctx, r.client.Prepared.LookupReferral, code)
}

func (r *UserRepository) getVia(ctx context.Context, stmt, key string) (*models.User, error) {
	userID, err := r.client.lookup(ctx, stmt, key)
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, userID)
}

// Update rewrites the mutable profile and credential columns.
func (r *UserRepository) Update(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()
	q := r.client.Query(ctx, r.client.Prepared.UpdateUser,
		user.Username, user.PhoneHash, user.PhoneEncrypted, user.Email, user.EmailVerified,
		user.PasswordHash, user.Status, user.FirstName, user.LastName, user.Country, user.City,
		user.AddressLine, user.PostalCode, user.ReferralCode, user.ReferredBy, user.UpdatedAt,
		r.buckets.GetUserBucket(user.UserID), user.UserID)
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		util.Error("Failed to update user", util.String("user_id", user.UserID), util.ErrorField(err))
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

func (r *UserRepository) UpdateStatus(ctx context.Context, userID string, status int) error {
	return r.exec(ctx, "status", r.client.Prepared.UpdateUserStatus, status, time.Now().UTC(), r.buckets.GetUserBucket(userID), userID)
}

func (r *UserRepository) UpdateRoles(ctx context.Context, userID string, roles []string) error {
	return r.exec(ctx, "roles", r.client.Prepared.UpdateUserRoles, roles, time.Now().UTC(), r.buckets.GetUserBucket(userID), userID)
}

func (r *UserRepository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return r.exec(ctx, "password", r.client.Prepared.UpdateUserPassword, passwordHash, time.Now().UTC(), r.buckets.GetUserBucket(userID), userID)
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	return r.exec(ctx, "last login", r.client.Prepared.UpdateUserLastLogin, at.UTC(), r.buckets.GetUserBucket(userID), userID)
}

func (r *UserRepository) UpdateKYCStatus(ctx context.Context, userID, status string) error {
	return r.exec(ctx, "kyc status", r.client.Prepared.UpdateKYCStatus, status, time.Now().UTC(), r.buckets.GetUserBucket(userID), userID)
}

func (r *UserRepository) exec(ctx context.Context, what, stmt string, values ...interface{}) error {
	if err := r.client.ExecuteWithRetry(r.client.Query(ctx, stmt, values...), 2); err != nil {
		util.Error("Failed to update user "+what, util.ErrorField(err))
		return fmt.Errorf("failed to update user %s: %w", what, err)
	}
	return nil
}

// Claim* reserve a unique value for userID and return ErrDuplicate when another user holds it.

func (r *UserRepository) ClaimPhone(ctx context.Context, phoneHash, userID string) error {
	return r.client.claim(ctx, r.client.Prepared.ClaimPhone, userID, phoneHash)
}

func (r *UserRepository) ReleasePhone(ctx context.Context, phoneHash, userID string) error {
	return r.client.release(ctx, r.client.Prepared.ReleasePhone, userID, phoneHash)
}

func (r *UserRepository) ClaimUsername(ctx context.Context, username, userID string) error {
	return r.client.claim(ctx, r.client.Prepared.ClaimUsername, userID, username)
}

func (r *UserRepository) ReleaseUsername(ctx context.Context, username, userID string) error {
	return r.client.release(ctx, r.client.Prepared.ReleaseUser, userID, username)
}

func (r *UserRepository) ClaimEmail(ctx context.Context, email, userID string) error {
	return r.client.claim(ctx, r.client.Prepared.ClaimEmail, userID, email)
}

func (r *UserRepository) ReleaseEmail(ctx context.Context, email, userID string) error {
	return r.client.release(ctx, r.client.Prepared.ReleaseEmail, userID, email)
}

func (r *UserRepository) ClaimReferralCode(ctx context.Context, code, userID string) error {
	return r.client.claim(ctx, r.client.Prepared.ClaimReferral, userID, code)
}
