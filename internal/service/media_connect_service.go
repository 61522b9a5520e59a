package service

import (
	"context"
	"errors"
	"strings"

	"identity-service/internal/models"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/social"
	"identity-service/internal/util"
)

// MediaConnectService links external social accounts to users.
type MediaConnectService struct {
	base
}

func NewMediaConnectService(d *Deps) *MediaConnectService {
	return &MediaConnectService{base: newBase(d)}
}

func (s *MediaConnectService) List(ctx context.Context, userID string) ([]*models.MediaConnect, error) {
	if _, err := s.getActiveUser(ctx, userID); err != nil {
		return nil, err
	}
	links, err := s.Media.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	if links == nil {
		links = []*models.MediaConnect{}
	}
	return links, nil
}

// Connect links the provider account behind accessToken. One link per provider per user, and an
// external account can belong to one user only.
func (s *MediaConnectService) Connect(ctx context.Context, userID, provider, accessToken, ip string) (*models.MediaConnect, error) {
	if _, err := s.getActiveUser(ctx, userID); err != nil {
		return nil, err
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !s.Social.Supports(provider) {
		return nil, ErrUnknownProvider
	}

	if _, err := s.Media.Get(ctx, userID, provider); err == nil {
		return nil, ErrMediaAlreadyLinked
	} else if !errors.Is(err, scylla.ErrNotFound) {
		return nil, err
	}

	identity, err := s.Social.Resolve(ctx, provider, accessToken)
	if err != nil {
		if errors.Is(err, social.ErrInvalidToken) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	link := &models.MediaConnect{
		UserID:           userID,
		Provider:         provider,
		ExternalID:       identity.ExternalID,
		ExternalUsername: identity.Username,
		ConnectedAt:      s.now(),
	}
	if err := s.Media.Create(ctx, link); err != nil {
		if errors.Is(err, scylla.ErrDuplicate) {
			return nil, ErrMediaLinkedElsewhere
		}
		return nil, err
	}
	s.audit(userID, models.EventMediaLinked, userID, ip, provider)
	util.Info("Media account linked", util.String("user_id", userID), util.String("provider", provider))
	return link, nil
}

func (s *MediaConnectService) Disconnect(ctx context.Context, userID, provider, ip string) error {
	if _, err := s.getActiveUser(ctx, userID); err != nil {
		return err
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	link, err := s.Media.Get(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrMediaNotLinked
		}
		return err
	}
	if err := s.Media.Delete(ctx, link); err != nil {
		return err
	}
	s.audit(userID, models.EventMediaUnlinked, userID, ip, provider)
	return nil
}
