package scylla

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaStatements(t *testing.T) {
	stmts := SchemaStatements()
	require.NotEmpty(t, stmts)

	tables := map[string]bool{}
	for _, s := range stmts {
		assert.True(t, strings.HasPrefix(s, "CREATE TABLE IF NOT EXISTS"), s)
		assert.NotContains(t, s, "--")
		name := strings.Fields(s)[5]
		tables[name] = true
	}
	for _, want := range []string{
		"users", "users_by_phone", "users_by_username", "users_by_email", "users_by_referral",
		"kyc_submissions", "kyc_by_status", "two_factor_auth", "two_factor_security",
		"recovery_questions", "media_connects", "media_connects_by_external",
	} {
		assert.True(t, tables[want], "missing table %s", want)
	}
}

func TestPageCursorRoundTrip(t *testing.T) {
	c, err := decodeCursor("")
	require.NoError(t, err)
	assert.Equal(t, pageCursor{}, c)

	token := encodeCursor(pageCursor{Bucket: 3, State: []byte{0x01, 0x02}})
	c, err = decodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Bucket)
	assert.Equal(t, []byte{0x01, 0x02}, c.State)

	for _, bad := range []string{"%%%", "bm90LWpzb24", encodeCursor(pageCursor{Bucket: -1})} {
		_, err := decodeCursor(bad)
		assert.ErrorIs(t, err, ErrBadPageToken, bad)
	}
}

func TestStatementsCoverUserColumns(t *testing.T) {
	st := newStatements()
	cols := strings.Count(userColumns, ",") + 1
	assert.Equal(t, cols, strings.Count(st.CreateUser, "?"))
}

func TestConditionalStatements(t *testing.T) {
	st := newStatements()
	assert.True(t, strings.HasSuffix(st.DecideKYC, "IF status = ?"))
	for _, stmt := range []string{st.ClaimPhone, st.ClaimUsername, st.ClaimEmail, st.ClaimReferral, st.ClaimMediaExternal} {
		assert.True(t, strings.HasSuffix(stmt, "IF NOT EXISTS"), stmt)
	}
}
