package handler

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/models"
	"identity-service/internal/service"
	"identity-service/internal/token"
)

func userToken(t *testing.T, s *testServer) string {
	return s.token(t, "u-1", token.ScopeFull, 0)
}

func kycBody(imageSize int) map[string]string {
	return map[string]string{
		"document_type":   models.DocumentPassport,
		"document_number": "P1234567",
		"first_name":      "Alice",
		"last_name":       "Liddell",
		"date_of_birth":   "1990-05-04",
		"front_image":     strings.Repeat("A", imageSize),
	}
}

func TestSubmitKYC_AcceptsBodyAboveDefaultLimit(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, http.MethodPost, "/api/v1/user/kyc", userToken(t, s), kycBody(defaultBodyLimit+defaultBodyLimit/2))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, TypeSuccess, resp.Type)
	assert.Equal(t, "u-1", s.kyc.submitUser)
}

func TestSubmitKYC_BodyTooLarge(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodPost, "/api/v1/user/kyc", userToken(t, s), kycBody(testKYCBodyLimit+1024))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, s.kyc.submitUser)
}

func TestSubmitKYC_ValidatesFields(t *testing.T) {
	s := newTestServer(t)
	body := kycBody(64)
	body["document_type"] = "library_card"

	rec, _ := s.do(t, http.MethodPost, "/api/v1/user/kyc", userToken(t, s), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, s.kyc.submitUser)
}

func TestCodeEndpoints_UseDefaultBodyLimit(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodPost, "/api/v1/user/2fa/phone/enable", userToken(t, s),
		map[string]string{"code": strings.Repeat("1", defaultBodyLimit+1)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, s.twoFactor.codeUser)
}

func TestCodeEndpoints_PassUserAndCode(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, http.MethodPost, "/api/v1/user/2fa/app/confirm", userToken(t, s), map[string]string{"code": "123456"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Authenticator enabled", resp.Message)
	assert.Equal(t, "u-1", s.twoFactor.codeUser)
	assert.Equal(t, "123456", s.twoFactor.code)
}

func TestCodeEndpoints_RejectMalformedCode(t *testing.T) {
	s := newTestServer(t)
	bearer := userToken(t, s)

	for _, body := range []interface{}{
		map[string]string{"code": "12ab"},
		map[string]string{"code": "12"},
		map[string]string{},
		`{"code":"123456","extra":1}`,
	} {
		rec, _ := s.do(t, http.MethodPost, "/api/v1/user/2fa/phone/enable", bearer, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%v", body)
	}
	assert.Empty(t, s.twoFactor.codeUser)
}

func TestCodeEndpoints_MapServiceErrors(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int
	}{
		{service.ErrInvalidOTP, http.StatusBadRequest},
		{service.ErrTwoFactorNotSetup, http.StatusBadRequest},
		{service.ErrInvalidTwoFactorCode, http.StatusUnauthorized},
		{service.ErrTwoFactorAlreadyEnabled, http.StatusConflict},
		{service.ErrAccountLocked, http.StatusLocked},
		{service.ErrOTPAttemptsExceeded, http.StatusTooManyRequests},
		{errBoom, http.StatusInternalServerError},
	} {
		s := newTestServer(t)
		s.twoFactor.err = tc.err

		rec, resp := s.do(t, http.MethodPost, "/api/v1/user/2fa/phone/enable", userToken(t, s), map[string]string{"code": "123456"})
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
		assert.NotEqual(t, TypeSuccess, resp.Type)
	}
}

func TestDisconnectMedia_UsesPathProvider(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodDelete, "/api/v1/user/media/google", userToken(t, s), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "google", s.media.disconnected)

	s.media.err = service.ErrMediaNotLinked
	rec, _ = s.do(t, http.MethodDelete, "/api/v1/user/media/github", userToken(t, s), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserRoutes_RequireFullScope(t *testing.T) {
	s := newTestServer(t)
	onboarding := s.token(t, "u-1", token.ScopeOnboarding, 0)

	rec, _ := s.do(t, http.MethodPost, "/api/v1/user/kyc", onboarding, kycBody(64))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, s.kyc.submitUser)
}
