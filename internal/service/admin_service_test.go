package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/models"
	"identity-service/internal/search"
)

func TestAdminUpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin, _ := env.register(t, "+15550000001", "admin", "Passw0rd!")
	user, tokens := env.register(t, testPhone, "alice", "Passw0rd!")
	svc := env.factory.AdminService()

	_, err := svc.UpdateStatus(ctx, admin.UserID, admin.UserID, models.StatusBanned, "", "")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = svc.UpdateStatus(ctx, admin.UserID, user.UserID, models.StatusPhoneVerified, "", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	banned, err := svc.UpdateStatus(ctx, admin.UserID, user.UserID, models.StatusBanned, "spam", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBanned, banned.Status)
	assert.Equal(t, models.StatusBanned, env.index.indexed[user.UserID].Status)

	_, err = env.factory.OneStepService().Refresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken, "a ban signs the user out")

	restored, err := svc.UpdateStatus(ctx, admin.UserID, user.UserID, models.StatusActive, "appeal", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, restored.Status)
	assert.Contains(t, env.audit.types(), models.EventStatusChanged)

	pending, err := env.factory.OneStepService().StartRegistration(ctx, "+15559999999")
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, admin.UserID, pending.UserID, models.StatusActive, "", "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAdminSetRoles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin, _ := env.register(t, "+15550000001", "admin", "Passw0rd!")
	user, _ := env.register(t, testPhone, "alice", "Passw0rd!")
	svc := env.factory.AdminService()
	require.NoError(t, env.users.UpdateRoles(ctx, admin.UserID, []string{models.RoleAdmin, models.RoleUser}))

	_, err := svc.SetRoles(ctx, admin.UserID, user.UserID, []string{"wizard"}, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	updated, err := svc.SetRoles(ctx, admin.UserID, user.UserID, []string{"KYC_REVIEWER", "kyc_reviewer"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{models.RoleKYCReviewer, models.RoleUser}, updated.Roles)
	require.Len(t, env.notifier.roles, 1)
	assert.Equal(t, []string{models.RoleUser}, env.notifier.roles[0].Previous)

	_, err = svc.SetRoles(ctx, admin.UserID, admin.UserID, []string{models.RoleSupport}, "")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	env.notifier.failRoles = errBoom
	_, err = svc.SetRoles(ctx, admin.UserID, user.UserID, []string{models.RoleSupport}, "")
	assert.ErrorIs(t, err, ErrNotificationFail)

	stored, err := env.users.GetByID(ctx, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, []string{models.RoleKYCReviewer, models.RoleUser}, stored.Roles, "roles are restored when the event is not published")
}

func TestAdminGetUserMasksPhone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, _ := env.register(t, testPhone, "alice", "Passw0rd!")
	require.NoError(t, env.twoFactor.SetPhone(ctx, user.UserID, true))

	view, err := env.factory.AdminService().GetUser(ctx, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, "+*******4567", view.User.Phone)
	assert.True(t, view.TwoFactor.PhoneEnabled)
	assert.NotNil(t, view.Media)
	assert.Nil(t, view.KYC)

	_, err = env.factory.AdminService().GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestAdminSearchUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, testPhone, "alice", "Passw0rd!")
	svc := env.factory.AdminService()

	active := models.StatusActive
	res, err := svc.SearchUsers(ctx, search.UserQuery{Text: " alice ", Status: &active})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Total)

	unknown := 42
	_, err = svc.SearchUsers(ctx, search.UserQuery{Status: &unknown})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
