package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneTimeTokenConsumeOnce(t *testing.T) {
	rc, mr := newTestClient(t)
	tokens := NewOneTimeTokenCache(rc)
	ctx := context.Background()

	tok, err := tokens.Issue(ctx, TokenPasswordReset, "u1", time.Minute)
	require.NoError(t, err)

	v, err := tokens.Peek(ctx, TokenPasswordReset, tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", v)

	_, err = tokens.Consume(ctx, TokenLoginChallenge, tok)
	assert.ErrorIs(t, err, ErrTokenInvalid, "kinds are separate namespaces")

	v, err = tokens.Consume(ctx, TokenPasswordReset, tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", v)

	_, err = tokens.Consume(ctx, TokenPasswordReset, tok)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	tok, err = tokens.Issue(ctx, TokenPasswordReset, "u2", time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	_, err = tokens.Consume(ctx, TokenPasswordReset, tok)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = tokens.Issue(ctx, TokenPasswordReset, "u3", 0)
	assert.Error(t, err)
}
