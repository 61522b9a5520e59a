package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/social"
)

func TestMediaConnectLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice, _ := env.register(t, testPhone, "alice", "Passw0rd!")
	bob, _ := env.register(t, "+15550000001", "bob", "Passw0rd!")
	env.resolver.identities["alice-gh"] = &social.Identity{ExternalID: "1001", Username: "alice-gh"}
	env.resolver.identities["alice-gh-2"] = &social.Identity{ExternalID: "1002"}
	svc := env.factory.MediaConnectService()

	_, err := svc.Connect(ctx, alice.UserID, "orkut", "alice-gh", "")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	link, err := svc.Connect(ctx, alice.UserID, "github", "alice-gh", "")
	require.NoError(t, err)
	assert.Equal(t, "1001", link.ExternalID)
	assert.Equal(t, "alice-gh", link.ExternalUsername)

	_, err = svc.Connect(ctx, alice.UserID, "github", "alice-gh-2", "")
	assert.ErrorIs(t, err, ErrMediaAlreadyLinked)

	_, err = svc.Connect(ctx, bob.UserID, "github", "alice-gh", "")
	assert.ErrorIs(t, err, ErrMediaLinkedElsewhere)

	_, err = svc.Connect(ctx, bob.UserID, "github", "revoked", "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	links, err := svc.List(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Len(t, links, 1)

	require.NoError(t, svc.Disconnect(ctx, alice.UserID, "GitHub", ""))
	assert.ErrorIs(t, svc.Disconnect(ctx, alice.UserID, "github", ""), ErrMediaNotLinked)

	_, err = svc.Connect(ctx, bob.UserID, "github", "alice-gh", "")
	assert.NoError(t, err, "an unlinked account can be linked by someone else")

	links, err = svc.List(ctx, alice.UserID)
	require.NoError(t, err)
	assert.NotNil(t, links)
	assert.Empty(t, links)
}
