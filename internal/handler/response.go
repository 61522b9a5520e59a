package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"identity-service/internal/service"
	"identity-service/internal/util"
)

// Response types tell clients how to present the message.
const (
	TypeSuccess = "success"
	TypeWarning = "warning"
	TypeDanger  = "danger"
)

// Response represents a standard API response
type Response struct {
	Type    string      `json:"type"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta represents pagination metadata
type Meta struct {
	PageToken string `json:"page_token,omitempty"`
	Total     int64  `json:"total,omitempty"`
	From      int    `json:"from,omitempty"`
	PageSize  int    `json:"page_size,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Type:    TypeSuccess,
		Data:    data,
		Message: message,
	}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func respondOK(w http.ResponseWriter, data interface{}, message string) {
	respondWithJSON(w, http.StatusOK, successResponse(data, message))
}

// respondWithError maps err to a status code. Details of server errors are logged, not returned.
func respondWithError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := statusCode(err)
	resp := Response{
		Type:    responseType(status),
		Message: message,
		Error:   err.Error(),
	}
	if status >= http.StatusInternalServerError {
		resp.Error = "internal error"
		util.Error("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", status),
			util.String("path", r.URL.Path),
			util.String("message", message))
	} else {
		util.Debug("HTTP client error",
			util.ErrorField(err),
			util.Int("status_code", status),
			util.String("path", r.URL.Path))
	}
	respondWithJSON(w, status, resp)
}

func respondStatus(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, Response{Type: responseType(status), Message: message, Error: http.StatusText(status)})
}

func responseType(status int) string {
	switch {
	case status < 400:
		return TypeSuccess
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusLocked, status >= 500:
		return TypeDanger
	default:
		return TypeWarning
	}
}

// statusCode determines the appropriate HTTP status code for an error
func statusCode(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidOTP),
		errors.Is(err, service.ErrOTPExpired),
		errors.Is(err, service.ErrInvalidReferral),
		errors.Is(err, service.ErrUnsupportedTarget),
		errors.Is(err, service.ErrInvalidImage),
		errors.Is(err, service.ErrUnknownProvider),
		errors.Is(err, service.ErrTwoFactorNotSetup),
		errors.Is(err, service.ErrRecoveryAnswersRequired),
		errors.Is(err, service.ErrRecoveryAnswersMismatch):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidToken),
		errors.Is(err, service.ErrTwoFactorRequired),
		errors.Is(err, service.ErrInvalidTwoFactorCode):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrPermissionDenied),
		errors.Is(err, service.ErrUserBanned),
		errors.Is(err, service.ErrUserInactive):
		return http.StatusForbidden
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrKYCNotFound),
		errors.Is(err, service.ErrMediaNotLinked):
		return http.StatusNotFound
	case errors.Is(err, service.ErrPhoneTaken),
		errors.Is(err, service.ErrUsernameTaken),
		errors.Is(err, service.ErrEmailTaken),
		errors.Is(err, service.ErrKYCExists),
		errors.Is(err, service.ErrKYCInvalidTransition),
		errors.Is(err, service.ErrMediaAlreadyLinked),
		errors.Is(err, service.ErrMediaLinkedElsewhere),
		errors.Is(err, service.ErrTwoFactorAlreadyEnabled),
		errors.Is(err, service.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, service.ErrImageTooLarge), errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrAccountLocked):
		return http.StatusLocked
	case errors.Is(err, service.ErrOTPCooldown),
		errors.Is(err, service.ErrOTPRateLimited),
		errors.Is(err, service.ErrOTPAttemptsExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrNotificationFail):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
