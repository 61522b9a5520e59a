package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"identity-service/internal/models"
	"identity-service/internal/notify"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/search"
	"identity-service/internal/util"
)

// AdminUserView is a user as shown to administrators. The phone is masked.
type AdminUserView struct {
	User      *models.User            `json:"user"`
	TwoFactor *models.TwoFactorStatus `json:"two_factor"`
	Media     []*models.MediaConnect  `json:"media"`
	KYC       *models.KYC             `json:"kyc,omitempty"`
}

// AdminService covers user search, status changes and role management.
type AdminService struct {
	base
}

func NewAdminService(d *Deps) *AdminService {
	return &AdminService{base: newBase(d)}
}

func (s *AdminService) SearchUsers(ctx context.Context, q search.UserQuery) (*search.UserSearchResult, error) {
	if s.Index == nil {
		return nil, errors.New("user search is not configured")
	}
	if q.Status != nil && models.StatusName(*q.Status) == "UNKNOWN" {
		return nil, fmt.Errorf("%w: unknown status %d", ErrInvalidInput, *q.Status)
	}
	q.Text = strings.TrimSpace(q.Text)
	return s.Index.SearchUsers(ctx, q)
}

// GetUser loads the user together with its second factors, social links and KYC record.
func (s *AdminService) GetUser(ctx context.Context, userID string) (*AdminUserView, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	view := &AdminUserView{User: user, TwoFactor: &models.TwoFactorStatus{}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if user.PhoneEncrypted == "" {
			return nil
		}
		phone, err := s.phoneOf(gctx, user)
		if err != nil {
			return err
		}
		user.Phone = util.MaskPhone(phone)
		return nil
	})
	g.Go(func() error {
		phone, err := s.TwoFactor.GetPhone(gctx, userID)
		if err != nil {
			return err
		}
		view.TwoFactor.PhoneEnabled = phone.PhoneEnabled
		app, err := s.TwoFactor.GetApp(gctx, userID)
		if errors.Is(err, scylla.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		view.TwoFactor.AppEnabled = app.Enabled
		view.TwoFactor.AppPending = !app.Enabled
		return nil
	})
	g.Go(func() error {
		links, err := s.Media.List(gctx, userID)
		if err != nil {
			return err
		}
		view.Media = links
		return nil
	})
	g.Go(func() error {
		k, err := s.KYC.Get(gctx, userID)
		if errors.Is(err, scylla.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		view.KYC = k
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if view.Media == nil {
		view.Media = []*models.MediaConnect{}
	}
	return view, nil
}

// UpdateStatus activates, deactivates or bans a user. Leaving ACTIVE signs the user out everywhere.
func (s *AdminService) UpdateStatus(ctx context.Context, actorID, userID string, status int, reason, ip string) (*models.User, error) {
	switch status {
	case models.StatusActive, models.StatusBanned, models.StatusInactive:
	default:
		return nil, fmt.Errorf("%w: unsupported status %d", ErrInvalidInput, status)
	}
	if actorID == userID && status != models.StatusActive {
		return nil, fmt.Errorf("%w: cannot change own status", ErrPermissionDenied)
	}

	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Status == status {
		return user, nil
	}
	if status == models.StatusActive && user.Username == "" {
		return nil, fmt.Errorf("%w: registration was never completed", ErrInvalidState)
	}

	if err := s.Users.UpdateStatus(ctx, userID, status); err != nil {
		return nil, err
	}
	previous := user.Status
	user.Status = status

	if status != models.StatusActive {
		if _, err := s.Sessions.RevokeAll(ctx, userID); err != nil {
			return nil, err
		}
	}
	s.reindex(ctx, user)
	s.audit(userID, models.EventStatusChanged, actorID, ip,
		fmt.Sprintf("%s->%s %s", models.StatusName(previous), models.StatusName(status), util.SanitizeInput(reason)))
	util.Info("User status changed",
		util.String("user_id", userID),
		util.String("actor_id", actorID),
		util.String("status", models.StatusName(status)))
	return user, nil
}

// SetRoles replaces the user's roles. The change is rolled back when the
// roles-changed event cannot be published.
func (s *AdminService) SetRoles(ctx context.Context, actorID, userID string, roles []string, ip string) (*models.User, error) {
	normalized, err := normalizeRoles(roles)
	if err != nil {
		return nil, err
	}

	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if actorID == userID && user.HasRole(models.RoleAdmin) && !containsRole(normalized, models.RoleAdmin) {
		return nil, fmt.Errorf("%w: cannot remove own admin role", ErrPermissionDenied)
	}

	previous := append([]string(nil), user.Roles...)
	if err := s.Users.UpdateRoles(ctx, userID, normalized); err != nil {
		return nil, err
	}

	if err := s.Notifier.RolesChanged(ctx, notify.RolesChanged{
		UserID:   userID,
		Previous: previous,
		Current:  normalized,
		ActorID:  actorID,
	}); err != nil {
		util.Error("Roles change not published, rolling back", util.String("user_id", userID), util.ErrorField(err))
		if rbErr := s.Users.UpdateRoles(ctx, userID, previous); rbErr != nil {
			util.Error("Failed to restore roles", util.String("user_id", userID), util.ErrorField(rbErr))
		}
		return nil, fmt.Errorf("%w: %v", ErrNotificationFail, err)
	}

	user.Roles = normalized
	s.reindex(ctx, user)
	s.audit(userID, models.EventRolesChanged, actorID, ip, strings.Join(normalized, ","))
	util.Info("User roles changed",
		util.String("user_id", userID),
		util.String("actor_id", actorID),
		util.Strings("roles", normalized))
	return user, nil
}

// normalizeRoles validates and dedupes roles. Every user keeps the base user role.
func normalizeRoles(roles []string) ([]string, error) {
	seen := map[string]bool{models.RoleUser: true}
	out := []string{models.RoleUser}
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if !models.IsValidRole(r) {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, r)
		}
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out, nil
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
