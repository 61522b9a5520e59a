package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"identity-service/internal/models"
	"identity-service/internal/search"
	"identity-service/internal/service"
)

type AdminAPI interface {
	SearchUsers(ctx context.Context, q search.UserQuery) (*search.UserSearchResult, error)
	GetUser(ctx context.Context, userID string) (*service.AdminUserView, error)
	UpdateStatus(ctx context.Context, actorID, userID string, status int, reason, ip string) (*models.User, error)
	SetRoles(ctx context.Context, actorID, userID string, roles []string, ip string) (*models.User, error)
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=ACTIVE BANNED INACTIVE"`
	Reason string `json:"reason" validate:"max=255"`
}

type setRolesRequest struct {
	Roles []string `json:"roles" validate:"required,min=1,max=8,dive,required,max=32"`
}

type rejectKYCRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

const maxSearchSize = 100

// AdminHandler serves user administration and KYC review.
type AdminHandler struct {
	admin AdminAPI
	kyc   KYCAPI
}

func NewAdminHandler(admin AdminAPI, kyc KYCAPI) *AdminHandler {
	return &AdminHandler{admin: admin, kyc: kyc}
}

func (h *AdminHandler) RegisterUserRoutes(r chi.Router) {
	r.Get("/", h.SearchUsers)
	r.Get("/{userID}", h.GetUser)
	r.Patch("/{userID}/status", h.UpdateStatus)
	r.Put("/{userID}/roles", h.SetRoles)
}

func (h *AdminHandler) RegisterKYCRoutes(r chi.Router) {
	r.Get("/", h.ListKYC)
	r.Get("/{userID}", h.GetKYC)
	r.Post("/{userID}/approve", h.ApproveKYC)
	r.Post("/{userID}/reject", h.RejectKYC)
}

// SearchUsers accepts q, status (a status name), from and size.
func (h *AdminHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := search.UserQuery{Text: params.Get("q")}

	if name := params.Get("status"); name != "" {
		status, ok := statusFromName(name)
		if !ok {
			respondWithError(w, r, fmt.Errorf("%w: unknown status %q", errBadRequest, name), "Invalid request")
			return
		}
		q.Status = &status
	}
	var err error
	if q.From, err = intParam(params.Get("from"), 0); err != nil || q.From < 0 {
		respondWithError(w, r, fmt.Errorf("%w: from must be a non-negative integer", errBadRequest), "Invalid request")
		return
	}
	if q.Size, err = intParam(params.Get("size"), 20); err != nil || q.Size < 1 || q.Size > maxSearchSize {
		respondWithError(w, r, fmt.Errorf("%w: size must be between 1 and %d", errBadRequest, maxSearchSize), "Invalid request")
		return
	}

	res, err := h.admin.SearchUsers(r.Context(), q)
	if err != nil {
		respondWithError(w, r, err, "Users could not be searched")
		return
	}
	resp := successResponse(res.Users, "Users retrieved")
	resp.Meta = &Meta{Total: res.Total, From: q.From, PageSize: q.Size}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	view, err := h.admin.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondWithError(w, r, err, "User could not be loaded")
		return
	}
	respondOK(w, view, "User retrieved")
}

func (h *AdminHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	status, _ := statusFromName(req.Status)
	actor := claimsFrom(r.Context())
	user, err := h.admin.UpdateStatus(r.Context(), actor.UserID, chi.URLParam(r, "userID"), status, req.Reason, clientIP(r))
	if err != nil {
		respondWithError(w, r, err, "Status could not be changed")
		return
	}
	respondOK(w, user, "Status updated")
}

func (h *AdminHandler) SetRoles(w http.ResponseWriter, r *http.Request) {
	var req setRolesRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	actor := claimsFrom(r.Context())
	user, err := h.admin.SetRoles(r.Context(), actor.UserID, chi.URLParam(r, "userID"), req.Roles, clientIP(r))
	if err != nil {
		respondWithError(w, r, err, "Roles could not be changed")
		return
	}
	respondOK(w, user, "Roles updated, effective on next token refresh")
}

// ListKYC accepts status, limit and page_token.
func (h *AdminHandler) ListKYC(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	limit, err := intParam(params.Get("limit"), 0)
	if err != nil || limit < 0 {
		respondWithError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest), "Invalid request")
		return
	}
	page, err := h.kyc.List(r.Context(), params.Get("status"), limit, params.Get("page_token"))
	if err != nil {
		respondWithError(w, r, err, "KYC submissions could not be listed")
		return
	}
	resp := successResponse(page.Items, "KYC submissions retrieved")
	resp.Meta = &Meta{PageToken: page.NextPageToken, PageSize: len(page.Items)}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) GetKYC(w http.ResponseWriter, r *http.Request) {
	details, err := h.kyc.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondWithError(w, r, err, "KYC could not be loaded")
		return
	}
	respondOK(w, details, "KYC retrieved")
}

func (h *AdminHandler) ApproveKYC(w http.ResponseWriter, r *http.Request) {
	reviewer := claimsFrom(r.Context())
	kyc, err := h.kyc.Approve(r.Context(), chi.URLParam(r, "userID"), reviewer.UserID, clientIP(r))
	if err != nil {
		respondWithError(w, r, err, "KYC could not be approved")
		return
	}
	respondOK(w, kyc, "KYC approved")
}

func (h *AdminHandler) RejectKYC(w http.ResponseWriter, r *http.Request) {
	var req rejectKYCRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondWithError(w, r, err, "Invalid request")
		return
	}
	reviewer := claimsFrom(r.Context())
	kyc, err := h.kyc.Reject(r.Context(), chi.URLParam(r, "userID"), reviewer.UserID, req.Reason, clientIP(r))
	if err != nil {
		respondWithError(w, r, err, "KYC could not be rejected")
		return
	}
	respondOK(w, kyc, "KYC rejected")
}

func statusFromName(name string) (int, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "INACTIVE":
		return models.StatusInactive, true
	case "ACTIVE":
		return models.StatusActive, true
	case "BANNED":
		return models.StatusBanned, true
	case "PHONE_VERIFIED":
		return models.StatusPhoneVerified, true
	}
	return 0, false
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
