package handler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"identity-service/internal/models"
	"identity-service/internal/token"
)

func TestAuth_MissingToken(t *testing.T) {
	s := newTestServer(t)
	rec, resp := s.do(t, http.MethodGet, "/api/v1/user/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, TypeDanger, resp.Type)
}

func TestAuth_GarbageToken(t *testing.T) {
	s := newTestServer(t)
	rec, resp := s.do(t, http.MethodGet, "/api/v1/user/profile", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid token", resp.Message)
}

func TestAuth_FullTokenReachesProfile(t *testing.T) {
	s := newTestServer(t)
	s.profile.user = &models.User{UserID: "u-1", Username: "alice"}
	bearer := s.token(t, "u-1", token.ScopeFull, 0)

	rec, resp := s.do(t, http.MethodGet, "/api/v1/user/profile", bearer, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, TypeSuccess, resp.Type)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "alice", data["username"])
}

func TestAuth_OnboardingTokenRejectedOnUserRoutes(t *testing.T) {
	s := newTestServer(t)
	bearer := s.token(t, "u-1", token.ScopeOnboarding, 0)
	rec, _ := s.do(t, http.MethodGet, "/api/v1/user/profile", bearer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuth_FullTokenRejectedOnCompleteRegistration(t *testing.T) {
	s := newTestServer(t)
	bearer := s.token(t, "u-1", token.ScopeFull, 0)
	rec, _ := s.do(t, http.MethodPost, "/api/v1/onestep/register/complete", bearer,
		map[string]string{"username": "alice", "password": "Secret123"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, s.onestep.completeUser)
}

func TestAuth_RevokedSessionVersion(t *testing.T) {
	s := newTestServer(t)
	bearer := s.token(t, "u-1", token.ScopeFull, 0)
	s.sessions.versions["u-1"] = 1

	rec, resp := s.do(t, http.MethodGet, "/api/v1/user/profile", bearer, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Session revoked", resp.Message)
}

func TestAuth_SessionStoreDown(t *testing.T) {
	s := newTestServer(t)
	s.sessions.err = errBoom
	bearer := s.token(t, "u-1", token.ScopeFull, 0)

	rec, _ := s.do(t, http.MethodGet, "/api/v1/user/profile", bearer, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequireRole(t *testing.T) {
	s := newTestServer(t)

	user := s.token(t, "u-1", token.ScopeFull, 0)
	rec, _ := s.do(t, http.MethodGet, "/api/v1/admin/users", user, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	reviewer := s.token(t, "u-2", token.ScopeFull, 0, models.RoleUser, models.RoleKYCReviewer)
	rec, _ = s.do(t, http.MethodGet, "/api/v1/admin/users", reviewer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/api/v1/admin/kyc", reviewer, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	admin := s.token(t, "u-3", token.ScopeFull, 0, models.RoleUser, models.RoleAdmin)
	rec, _ = s.do(t, http.MethodGet, "/api/v1/admin/users", admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_NotFoundAndHealth(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, http.MethodGet, "/api/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, TypeWarning, resp.Type)

	rec, _ = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		want   string
		ok     bool
	}{
		"bearer":     {"Bearer abc", "abc", true},
		"lowercase":  {"bearer abc", "abc", true},
		"basic":      {"Basic abc", "", false},
		"empty":      {"", "", false},
		"no value":   {"Bearer ", "", false},
		"whitespace": {"Bearer   abc  ", "abc", true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r, _ := http.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("Authorization", tc.header)
			got, ok := bearerToken(r)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
