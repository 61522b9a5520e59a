package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"identity-service/internal/service"
)

// OneStepAPI is implemented by *service.OneStepService.
type OneStepAPI interface {
	StartRegistration(ctx context.Context, phone string) (*service.OTPDispatch, error)
	VerifyRegistration(ctx context.Context, phone, code string) (*service.TokenPair, error)
	CompleteRegistration(ctx context.Context, userID string, req *service.CompleteRegistrationRequest) (*service.RegistrationResult, error)
	RequestLoginOTP(ctx context.Context, identifier string) (*service.OTPDispatch, error)
	VerifyLogin(ctx context.Context, identifier, code, totpCode, ip string) (*service.TokenPair, error)
	PasswordLogin(ctx context.Context, username, password, totpCode, ip string) (*service.LoginResult, error)
	CompleteTwoFactorLogin(ctx context.Context, challengeToken, code, ip string) (*service.TokenPair, error)
	SocialLogin(ctx context.Context, provider, accessToken, totpCode, ip string) (*service.TokenPair, error)
	RequestRecovery(ctx context.Context, identifier string) (*service.OTPDispatch, error)
	VerifyRecovery(ctx context.Context, identifier, code string, answers []string) (string, error)
	ResetPassword(ctx context.Context, resetToken, newPassword string) error
	ResendOTP(ctx context.Context, purpose, receiver string) (*service.OTPDispatch, error)
	Refresh(ctx context.Context, refreshToken string) (*service.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
}

type phoneRequest struct {
	Phone string `json:"phone" validate:"required,phone"`
}

type verifyPhoneRequest struct {
	Phone string `json:"phone" validate:"required,phone"`
	Code  string `json:"code" validate:"required,numeric,min=4,max=10"`
}

type identifierRequest struct {
	Identifier string `json:"identifier" validate:"required,max=64"`
}

type verifyLoginRequest struct {
	Identifier string `json:"identifier" validate:"required,max=64"`
	Code       string `json:"code" validate:"required,numeric,min=4,max=10"`
	TOTPCode   string `json:"totp_code" validate:"omitempty,numeric,len=6"`
}

type passwordLoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
	TOTPCode string `json:"totp_code" validate:"omitempty,numeric,len=6"`
}

type twoFactorLoginRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required,max=128"`
	Code           string `json:"code" validate:"required,numeric,min=4,max=10"`
}

type socialLoginRequest struct {
	Provider    string `json:"provider" validate:"required,max=32"`
	AccessToken string `json:"access_token" validate:"required,max=4096"`
	TOTPCode    string `json:"totp_code" validate:"omitempty,numeric,len=6"`
}

type verifyRecoveryRequest struct {
	Identifier string   `json:"identifier" validate:"required,max=64"`
	Code       string   `json:"code" validate:"required,numeric,min=4,max=10"`
	Answers    []string `json:"answers" validate:"omitempty,len=3,dive,max=128"`
}

type resetPasswordRequest struct {
	ResetToken  string `json:"reset_token" validate:"required,max=128"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=128,password"`
}

type resendRequest struct {
	Purpose  string `json:"purpose" validate:"required,oneof=register login recovery two_factor login_challenge"`
	Receiver string `json:"receiver" validate:"required,max=254"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,max=128"`
}

// OneStepHandler serves registration, login and recovery.
type OneStepHandler struct {
	svc OneStepAPI
}

func NewOneStepHandler(svc OneStepAPI) *OneStepHandler {
	return &OneStepHandler{svc: svc}
}

// RegisterPublicRoutes mounts the endpoints that need no token.
func (h *OneStepHandler) RegisterPublicRoutes(r chi.Router) {
	r.Post("/register", h.StartRegistration)
	r.Post("/register/verify", h.VerifyRegistration)
	r.Post("/login/otp", h.RequestLoginOTP)
	r.Post("/login/verify", h.VerifyLogin)
	r.Post("/login/password", h.PasswordLogin)
	r.Post("/login/2fa", h.CompleteTwoFactorLogin)
	r.Post("/login/social", h.SocialLogin)
	r.Post("/recovery", h.RequestRecovery)
	r.Post("/recovery/verify", h.VerifyRecovery)
	r.Post("/recovery/reset", h.ResetPassword)
	r.Post("/otp/resend", h.ResendOTP)
	r.Post("/token/refresh", h.Refresh)
	r.Post("/logout", h.Logout)
}

func (h *OneStepHandler) StartRegistration(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	dispatch, err := h.svc.StartRegistration(r.Context(), req.Phone)
	if err != nil {
		respondWithError(w, r, err, "Registration could not be started")
		return
	}
	respondOK(w, dispatch, "Verification code sent")
}

func (h *OneStepHandler) VerifyRegistration(w http.ResponseWriter, r *http.Request) {
	var req verifyPhoneRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	tokens, err := h.svc.VerifyRegistration(r.Context(), req.Phone, req.Code)
	if err != nil {
		respondWithError(w, r, err, "Verification failed")
		return
	}
	respondOK(w, tokens, "Phone verified, complete your profile")
}

// CompleteRegistration requires an onboarding token.
func (h *OneStepHandler) CompleteRegistration(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	var req service.CompleteRegistrationRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	res, err := h.svc.CompleteRegistration(r.Context(), claims.UserID, &req)
	if err != nil {
		respondWithError(w, r, err, "Registration could not be completed")
		return
	}
	respondWithJSON(w, http.StatusCreated, successResponse(res, "Registration complete"))
}

func (h *OneStepHandler) RequestLoginOTP(w http.ResponseWriter, r *http.Request) {
	var req identifierRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	dispatch, err := h.svc.RequestLoginOTP(r.Context(), req.Identifier)
	if err != nil {
		respondWithError(w, r, err, "Login code could not be sent")
		return
	}
	respondOK(w, dispatch, "Login code sent")
}

func (h *OneStepHandler) VerifyLogin(w http.ResponseWriter, r *http.Request) {
	var req verifyLoginRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	tokens, err := h.svc.VerifyLogin(r.Context(), req.Identifier, req.Code, req.TOTPCode, clientIP(r))
	if err != nil {
		respondWithError(w, r, err, "Login failed")
		return
	}
	respondOK(w, tokens, "Logged in")
}

func (h *OneStepHandler) PasswordLogin(w http.ResponseWriter, r *http.Request) {
	var req passwordLoginRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	res, err := h.svc.PasswordLogin(r.Context(), req.Username, req.Password, req.TOTPCode, clientIP(r))
	if err != nil {
		respondWithError(w, r, err, "Login failed")
		return
	}
	if res.Tokens == nil {
		respondWithJSON(w, http.StatusAccepted, successResponse(res, "Second factor required"))
		return
	}
	respondOK(w, res, "Logged in")
}

func (h *OneStepHandler) CompleteTwoFactorLogin(w http.ResponseWriter, r *http.Request) {
	var req twoFactorLoginRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	tokens, err := h.svc.CompleteTwoFactorLogin(r.Context(), req.ChallengeToken, req.Code, clientIP(r))
	if err != nil {
		respondWithError(w, r, err, "Login failed")
		return
	}
	respondOK(w, tokens, "Logged in")
}

func (h *OneStepHandler) SocialLogin(w http.ResponseWriter, r *http.Request) {
	var req socialLoginRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	tokens, err := h.svc.SocialLogin(r.Context(), req.Provider, req.AccessToken, req.TOTPCode, clientIP(r))
	if err != nil {
		respondWithError(w, r, err, "Login failed")
		return
	}
	respondOK(w, tokens, "Logged in")
}

func (h *OneStepHandler) RequestRecovery(w http.ResponseWriter, r *http.Request) {
	var req identifierRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	dispatch, err := h.svc.RequestRecovery(r.Context(), req.Identifier)
	if err != nil {
		respondWithError(w, r, err, "Recovery could not be started")
		return
	}
	respondOK(w, dispatch, "Recovery code sent")
}

func (h *OneStepHandler) VerifyRecovery(w http.ResponseWriter, r *http.Request) {
	var req verifyRecoveryRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	resetToken, err := h.svc.VerifyRecovery(r.Context(), req.Identifier, req.Code, req.Answers)
	if err != nil {
		respondWithError(w, r, err, "Recovery failed")
		return
	}
	respondOK(w, map[string]string{"reset_token": resetToken}, "Choose a new password")
}

func (h *OneStepHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	if err := h.svc.ResetPassword(r.Context(), req.ResetToken, req.NewPassword); err != nil {
		respondWithError(w, r, err, "Password could not be reset")
		return
	}
	respondOK(w, nil, "Password reset, please log in")
}

func (h *OneStepHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	dispatch, err := h.svc.ResendOTP(r.Context(), req.Purpose, req.Receiver)
	if err != nil {
		respondWithError(w, r, err, "Code could not be resent")
		return
	}
	respondOK(w, dispatch, "Verification code sent")
}

func (h *OneStepHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	tokens, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondWithError(w, r, err, "Token could not be refreshed")
		return
	}
	respondOK(w, tokens, "Token refreshed")
}

func (h *OneStepHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	if err := h.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		respondWithError(w, r, err, "Logout failed")
		return
	}
	respondOK(w, nil, "Logged out")
}
