package service

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/models"
)

var (
	pngBytes  = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
	jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 32)...)
)

func kycRequest() *SubmitKYCRequest {
	return &SubmitKYCRequest{
		DocumentType:   models.DocumentPassport,
		DocumentNumber: "p1234567",
		FirstName:      "Alice",
		LastName:       "Liddell",
		DateOfBirth:    "1990-05-04",
		FrontImage:     "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes),
		SelfieImage:    base64.StdEncoding.EncodeToString(jpegBytes),
	}
}

func TestKYCSubmitAndReview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, _ := env.register(t, testPhone, "alice", "Passw0rd!")
	reviewer, _ := env.register(t, "+15550000001", "reviewer", "Passw0rd!")
	svc := env.factory.KYCService()

	_, err := svc.GetMine(ctx, user.UserID)
	assert.ErrorIs(t, err, ErrKYCNotFound)

	k, err := svc.Submit(ctx, user.UserID, kycRequest(), "")
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusPending, k.Status)
	assert.True(t, strings.HasSuffix(k.FrontImageKey, "/front.png"))
	assert.True(t, strings.HasSuffix(k.SelfieImageKey, "/selfie.jpg"))
	assert.Empty(t, k.BackImageKey)
	assert.Len(t, env.objects.objects, 2)
	assert.NotContains(t, k.DocumentNumberEncrypted, "P1234567")

	stored, err := env.users.GetByID(ctx, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusPending, stored.KYCStatus)

	_, err = svc.Submit(ctx, user.UserID, kycRequest(), "")
	assert.ErrorIs(t, err, ErrKYCExists)

	page, err := svc.List(ctx, "", 0, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	details, err := svc.Get(ctx, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, "P1234567", details.DocumentNumber)
	assert.Contains(t, details.Images.Front, k.FrontImageKey)
	assert.Empty(t, details.Images.Back)

	_, err = svc.Approve(ctx, user.UserID, user.UserID, "")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = svc.Reject(ctx, user.UserID, reviewer.UserID, "  ", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	rejected, err := svc.Reject(ctx, user.UserID, reviewer.UserID, "blurry photo", "")
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusRejected, rejected.Status)
	require.Len(t, env.notifier.kyc, 1)
	assert.Equal(t, "blurry photo", env.notifier.kyc[0].Reason)

	_, err = svc.Approve(ctx, user.UserID, reviewer.UserID, "")
	assert.ErrorIs(t, err, ErrKYCInvalidTransition)

	_, err = svc.Submit(ctx, user.UserID, kycRequest(), "")
	require.NoError(t, err, "a rejected submission may be replaced")

	approved, err := svc.Approve(ctx, user.UserID, reviewer.UserID, "")
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusApproved, approved.Status)
	assert.Equal(t, reviewer.UserID, approved.ReviewedBy)

	stored, err = env.users.GetByID(ctx, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusApproved, stored.KYCStatus)
	assert.Contains(t, env.audit.types(), models.EventKYCDecided)
}

func TestKYCConcurrentReviewsDecideOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, _ := env.register(t, testPhone, "alice", "Passw0rd!")
	first, _ := env.register(t, "+15550000001", "reviewer1", "Passw0rd!")
	second, _ := env.register(t, "+15550000002", "reviewer2", "Passw0rd!")
	svc := env.factory.KYCService()

	_, err := svc.Submit(ctx, user.UserID, kycRequest(), "")
	require.NoError(t, err)

	// The second reviewer approves between the first reviewer's read and write.
	var approveErr error
	env.kyc.beforeDecide = func() {
		_, approveErr = svc.Approve(ctx, user.UserID, second.UserID, "")
	}
	_, err = svc.Reject(ctx, user.UserID, first.UserID, "blurry photo", "")
	assert.ErrorIs(t, err, ErrKYCInvalidTransition)
	require.NoError(t, approveErr)

	stored, err := env.kyc.Get(ctx, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusApproved, stored.Status)
	assert.Equal(t, second.UserID, stored.ReviewedBy)

	require.Len(t, env.notifier.kyc, 1)
	assert.Equal(t, models.KYCStatusApproved, env.notifier.kyc[0].Status)
}

func TestKYCImageChecks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, _ := env.register(t, testPhone, "alice", "Passw0rd!")
	svc := env.factory.KYCService()

	req := kycRequest()
	req.FrontImage = base64.StdEncoding.EncodeToString([]byte("GIF89a not allowed here"))
	_, err := svc.Submit(ctx, user.UserID, req, "")
	assert.ErrorIs(t, err, ErrInvalidImage)

	req = kycRequest()
	req.FrontImage = "!!not base64!!"
	_, err = svc.Submit(ctx, user.UserID, req, "")
	assert.ErrorIs(t, err, ErrInvalidImage)

	req = kycRequest()
	big := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 4096)...)
	req.FrontImage = base64.StdEncoding.EncodeToString(big)
	_, err = svc.Submit(ctx, user.UserID, req, "")
	assert.ErrorIs(t, err, ErrImageTooLarge)

	env.objects.failPut = errBoom
	_, err = svc.Submit(ctx, user.UserID, kycRequest(), "")
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, env.objects.objects)
	_, err = svc.GetMine(ctx, user.UserID)
	assert.ErrorIs(t, err, ErrKYCNotFound)
}

func TestKYCListRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.factory.KYCService().List(context.Background(), "maybe", 10, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
