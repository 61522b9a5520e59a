package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"identity-service/internal/models"
	"identity-service/internal/service"
	"identity-service/internal/totp"
)

type ProfileAPI interface {
	GetProfile(ctx context.Context, userID string) (*models.User, error)
	UpdateProfile(ctx context.Context, userID string, req *service.UpdateProfileRequest) (*models.User, error)
	ChangePassword(ctx context.Context, userID, oldPassword, newPassword, ip string) (*service.TokenPair, error)
	RequestEmailChange(ctx context.Context, userID, email string) (*service.OTPDispatch, error)
	ConfirmEmailChange(ctx context.Context, userID, email, code string) (*models.User, error)
	RequestPhoneChange(ctx context.Context, userID, phone string) (*service.OTPDispatch, error)
	ConfirmPhoneChange(ctx context.Context, userID, phone, code string) (*models.User, error)
	SetRecoveryQuestions(ctx context.Context, userID, password string, answers []string) error
}

type TwoFactorAPI interface {
	Status(ctx context.Context, userID string) (*models.TwoFactorStatus, error)
	RequestPhone2FA(ctx context.Context, userID string) (*service.OTPDispatch, error)
	EnablePhone2FA(ctx context.Context, userID, code string) error
	DisablePhone2FA(ctx context.Context, userID, code string) error
	SetupApp2FA(ctx context.Context, userID string) (*totp.Key, error)
	ConfirmApp2FA(ctx context.Context, userID, code string) error
	DisableApp2FA(ctx context.Context, userID, code string) error
}

type KYCAPI interface {
	Submit(ctx context.Context, userID string, req *service.SubmitKYCRequest, ip string) (*models.KYC, error)
	GetMine(ctx context.Context, userID string) (*models.KYC, error)
	List(ctx context.Context, status string, limit int, pageToken string) (*service.KYCPage, error)
	Get(ctx context.Context, userID string) (*service.KYCDetails, error)
	Approve(ctx context.Context, userID, reviewerID, ip string) (*models.KYC, error)
	Reject(ctx context.Context, userID, reviewerID, reason, ip string) (*models.KYC, error)
}

type MediaAPI interface {
	List(ctx context.Context, userID string) ([]*models.MediaConnect, error)
	Connect(ctx context.Context, userID, provider, accessToken, ip string) (*models.MediaConnect, error)
	Disconnect(ctx context.Context, userID, provider, ip string) error
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required,max=128"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=128,password"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type verifyEmailRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Code  string `json:"code" validate:"required,numeric,min=4,max=10"`
}

type recoveryQuestionsRequest struct {
	Password string   `json:"password" validate:"required,max=128"`
	Answers  []string `json:"answers" validate:"required,len=3,dive,required,max=128"`
}

type codeRequest struct {
	Code string `json:"code" validate:"required,numeric,min=4,max=10"`
}

type connectMediaRequest struct {
	Provider    string `json:"provider" validate:"required,max=32"`
	AccessToken string `json:"access_token" validate:"required,max=4096"`
}

// UserHandler serves the signed-in user's own resources.
type UserHandler struct {
	profile      ProfileAPI
	twoFactor    TwoFactorAPI
	kyc          KYCAPI
	media        MediaAPI
	kycBodyLimit int64
}

// NewUserHandler takes the largest accepted KYC request body, which carries base64 images.
func NewUserHandler(profile ProfileAPI, twoFactor TwoFactorAPI, kyc KYCAPI, media MediaAPI, kycBodyLimit int64) *UserHandler {
	return &UserHandler{
		profile:      profile,
		twoFactor:    twoFactor,
		kyc:          kyc,
		media:        media,
		kycBodyLimit: kycBodyLimit,
	}
}

func (h *UserHandler) RegisterRoutes(r chi.Router) {
	r.Get("/profile", h.GetProfile)
	r.Put("/profile", h.UpdateProfile)
	r.Post("/password", h.ChangePassword)
	r.Post("/email", h.RequestEmailChange)
	r.Post("/email/verify", h.ConfirmEmailChange)
	r.Post("/phone", h.RequestPhoneChange)
	r.Post("/phone/verify", h.ConfirmPhoneChange)
	r.Put("/recovery-questions", h.SetRecoveryQuestions)

	r.Route("/2fa", func(r chi.Router) {
		r.Get("/", h.TwoFactorStatus)
		r.Post("/phone", h.RequestPhone2FA)
		r.Post("/phone/enable", h.EnablePhone2FA)
		r.Post("/phone/disable", h.DisablePhone2FA)
		r.Post("/app/setup", h.SetupApp2FA)
		r.Post("/app/confirm", h.ConfirmApp2FA)
		r.Post("/app/disable", h.DisableApp2FA)
	})

	r.Post("/kyc", h.SubmitKYC)
	r.Get("/kyc", h.GetKYC)

	r.Get("/media", h.ListMedia)
	r.Post("/media", h.ConnectMedia)
	r.Delete("/media/{provider}", h.DisconnectMedia)
}

func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	user, err := h.profile.GetProfile(r.Context(), claimsFrom(r.Context()).UserID)
	if err != nil {
		respondWithError(w, r, err, "Profile could not be loaded")
		return
	}
	respondOK(w, user, "Profile retrieved")
}

func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateProfileRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	user, err := h.profile.UpdateProfile(r.Context(), claimsFrom(r.Context()).UserID, &req)
	if err != nil {
		respondWithError(w, r, err, "Profile could not be updated")
		return
	}
	respondOK(w, user, "Profile updated")
}

// ChangePassword returns a fresh token pair since every other session is revoked.
func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	tokens, err := h.profile.ChangePassword(r.Context(), claimsFrom(r.Context()).UserID, req.OldPassword, req.NewPassword, clientIP(r))
	if err != nil {
		respondWithError(w, r, err, "Password could not be changed")
		return
	}
	respondOK(w, tokens, "Password changed")
}

func (h *UserHandler) RequestEmailChange(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	dispatch, err := h.profile.RequestEmailChange(r.Context(), claimsFrom(r.Context()).UserID, req.Email)
	if err != nil {
		respondWithError(w, r, err, "Verification code could not be sent")
		return
	}
	respondOK(w, dispatch, "Verification code sent")
}

func (h *UserHandler) ConfirmEmailChange(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	user, err := h.profile.ConfirmEmailChange(r.Context(), claimsFrom(r.Context()).UserID, req.Email, req.Code)
	if err != nil {
		respondWithError(w, r, err, "Email could not be changed")
		return
	}
	respondOK(w, user, "Email updated")
}

func (h *UserHandler) RequestPhoneChange(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	dispatch, err := h.profile.RequestPhoneChange(r.Context(), claimsFrom(r.Context()).UserID, req.Phone)
	if err != nil {
		respondWithError(w, r, err, "Verification code could not be sent")
		return
	}
	respondOK(w, dispatch, "Verification code sent")
}

func (h *UserHandler) ConfirmPhoneChange(w http.ResponseWriter, r *http.Request) {
	var req verifyPhoneRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	user, err := h.profile.ConfirmPhoneChange(r.Context(), claimsFrom(r.Context()).UserID, req.Phone, req.Code)
	if err != nil {
		respondWithError(w, r, err, "Phone could not be changed")
		return
	}
	respondOK(w, user, "Phone updated")
}

func (h *UserHandler) SetRecoveryQuestions(w http.ResponseWriter, r *http.Request) {
	var req recoveryQuestionsRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	if err := h.profile.SetRecoveryQuestions(r.Context(), claimsFrom(r.Context()).UserID, req.Password, req.Answers); err != nil {
		respondWithError(w, r, err, "Recovery questions could not be saved")
		return
	}
	respondOK(w, nil, "Recovery questions saved")
}

func (h *UserHandler) TwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.twoFactor.Status(r.Context(), claimsFrom(r.Context()).UserID)
	if err != nil {
		respondWithError(w, r, err, "Two-factor status could not be loaded")
		return
	}
	respondOK(w, status, "Two-factor status retrieved")
}

func (h *UserHandler) RequestPhone2FA(w http.ResponseWriter, r *http.Request) {
	dispatch, err := h.twoFactor.RequestPhone2FA(r.Context(), claimsFrom(r.Context()).UserID)
	if err != nil {
		respondWithError(w, r, err, "Verification code could not be sent")
		return
	}
	respondOK(w, dispatch, "Verification code sent")
}

func (h *UserHandler) EnablePhone2FA(w http.ResponseWriter, r *http.Request) {
	h.withCode(w, r, h.twoFactor.EnablePhone2FA, "Phone two-factor enabled")
}

func (h *UserHandler) DisablePhone2FA(w http.ResponseWriter, r *http.Request) {
	h.withCode(w, r, h.twoFactor.DisablePhone2FA, "Phone two-factor disabled")
}

func (h *UserHandler) SetupApp2FA(w http.ResponseWriter, r *http.Request) {
	key, err := h.twoFactor.SetupApp2FA(r.Context(), claimsFrom(r.Context()).UserID)
	if err != nil {
		respondWithError(w, r, err, "Authenticator could not be set up")
		return
	}
	respondOK(w, key, "Scan the code and confirm with a generated code")
}

func (h *UserHandler) ConfirmApp2FA(w http.ResponseWriter, r *http.Request) {
	h.withCode(w, r, h.twoFactor.ConfirmApp2FA, "Authenticator enabled")
}

func (h *UserHandler) DisableApp2FA(w http.ResponseWriter, r *http.Request) {
	h.withCode(w, r, h.twoFactor.DisableApp2FA, "Authenticator disabled")
}

// withCode handles the endpoints whose body is a single verification code.
func (h *UserHandler) withCode(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID, code string) error, message string) {
	var req codeRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	if err := fn(r.Context(), claimsFrom(r.Context()).UserID, req.Code); err != nil {
		respondWithError(w, r, err, "Two-factor update failed")
		return
	}
	respondOK(w, nil, message)
}

func (h *UserHandler) SubmitKYC(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitKYCRequest
	if err := decodeJSON(w, r, &req, h.kycBodyLimit); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	kyc, err := h.kyc.Submit(r.Context(), claimsFrom(r.Context()).UserID, &req, clientIP(r))
	if err != nil {
		respondWithError(w, r, err, "KYC could not be submitted")
		return
	}
	respondWithJSON(w, http.StatusCreated, successResponse(kyc, "KYC submitted for review"))
}

func (h *UserHandler) GetKYC(w http.ResponseWriter, r *http.Request) {
	kyc, err := h.kyc.GetMine(r.Context(), claimsFrom(r.Context()).UserID)
	if err != nil {
		respondWithError(w, r, err, "KYC could not be loaded")
		return
	}
	respondOK(w, kyc, "KYC retrieved")
}

func (h *UserHandler) ListMedia(w http.ResponseWriter, r *http.Request) {
	links, err := h.media.List(r.Context(), claimsFrom(r.Context()).UserID)
	if err != nil {
		respondWithError(w, r, err, "Linked accounts could not be loaded")
		return
	}
	respondOK(w, links, "Linked accounts retrieved")
}

func (h *UserHandler) ConnectMedia(w http.ResponseWriter, r *http.Request) {
	var req connectMediaRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	link, err := h.media.Connect(r.Context(), claimsFrom(r.Context()).UserID, req.Provider, req.AccessToken, clientIP(r))
	if err != nil {
		respondWithError(w, r, err, "Account could not be linked")
		return
	}
	respondWithJSON(w, http.StatusCreated, successResponse(link, "Account linked"))
}

func (h *UserHandler) DisconnectMedia(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if err := h.media.Disconnect(r.Context(), claimsFrom(r.Context()).UserID, provider, clientIP(r)); err != nil {
		respondWithError(w, r, err, "Account could not be unlinked")
		return
	}
	respondOK(w, nil, "Account unlinked")
}
