package handler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/service"
	"identity-service/internal/token"
)

func TestStartRegistration(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, http.MethodPost, "/api/v1/onestep/register", "", map[string]string{"phone": "+1 555 123 4567"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, TypeSuccess, resp.Type)
	assert.Equal(t, "+1 555 123 4567", s.onestep.startPhone)
}

func TestStartRegistration_InvalidPhone(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, http.MethodPost, "/api/v1/onestep/register", "", map[string]string{"phone": "12"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, TypeWarning, resp.Type)
	assert.Empty(t, s.onestep.startPhone)
}

func TestStartRegistration_ServiceErrors(t *testing.T) {
	cases := map[error]int{
		service.ErrPhoneTaken:       http.StatusConflict,
		service.ErrOTPCooldown:      http.StatusTooManyRequests,
		service.ErrNotificationFail: http.StatusServiceUnavailable,
	}
	for err, want := range cases {
		s := newTestServer(t)
		s.onestep.err = err
		rec, _ := s.do(t, http.MethodPost, "/api/v1/onestep/register", "", map[string]string{"phone": "+15551234567"})
		assert.Equal(t, want, rec.Code, err.Error())
	}
}

func TestCompleteRegistration_UsesTokenSubject(t *testing.T) {
	s := newTestServer(t)
	bearer := s.token(t, "u-42", token.ScopeOnboarding, 0)

	rec, resp := s.do(t, http.MethodPost, "/api/v1/onestep/register/complete", bearer,
		map[string]string{"username": "alice", "password": "Secret123"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "u-42", s.onestep.completeUser)
	assert.Equal(t, "Registration complete", resp.Message)
}

func TestPasswordLogin_ChallengeIsAccepted(t *testing.T) {
	s := newTestServer(t)
	s.onestep.loginResult = &service.LoginResult{ChallengeToken: "challenge", TwoFactor: "phone"}

	rec, resp := s.do(t, http.MethodPost, "/api/v1/onestep/login/password", "",
		map[string]string{"username": "alice", "password": "Secret123"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "challenge", data["challenge_token"])
}

func TestPasswordLogin_Locked(t *testing.T) {
	s := newTestServer(t)
	s.onestep.err = service.ErrAccountLocked

	rec, resp := s.do(t, http.MethodPost, "/api/v1/onestep/login/password", "",
		map[string]string{"username": "alice", "password": "Secret123"})
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, TypeDanger, resp.Type)
}
