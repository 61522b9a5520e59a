package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"identity-service/internal/util"
)

const (
	defaultBodyLimit = 1 << 20
	usernameMinLen   = 3
	usernameMaxLen   = 32
)

var (
	errBadRequest   = errors.New("bad request")
	errBodyTooLarge = errors.New("request body too large")
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = validate.RegisterValidation("phone", validatePhone)
	_ = validate.RegisterValidation("username", validateUsername)
	_ = validate.RegisterValidation("password", validatePassword)
	_ = validate.RegisterValidation("safetext", func(fl validator.FieldLevel) bool {
		return !util.ContainsSuspicious(fl.Field().String())
	})
}

// validatePhone accepts international numbers with formatting characters.
func validatePhone(fl validator.FieldLevel) bool {
	phone := util.NormalizePhone(fl.Field().String())
	if !strings.HasPrefix(phone, "+") {
		return false
	}
	digits := util.PhoneDigits(phone)
	return digits == len(phone)-1 && digits >= 8 && digits <= 15
}

// validateUsername allows letters, digits, '_' and '.', starting with a letter.
func validateUsername(fl validator.FieldLevel) bool {
	username := strings.TrimSpace(fl.Field().String())
	if len(username) < usernameMinLen || len(username) > usernameMaxLen {
		return false
	}
	for i, r := range username {
		if i == 0 && !unicode.IsLetter(r) {
			return false
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

func validatePassword(fl validator.FieldLevel) bool {
	var hasUpper, hasLower, hasDigit bool
	for _, r := range fl.Field().String() {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	return hasUpper && hasLower && hasDigit
}

// decodeJSON reads at most limit bytes into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, limit int64) error {
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return errBodyTooLarge
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: request body is empty", errBadRequest)
		default:
			return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
		}
	}
	return validateRequest(dst)
}

func validateRequest(req interface{}) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		messages := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			messages = append(messages, formatFieldError(fe))
		}
		return fmt.Errorf("%w: %s", errBadRequest, strings.Join(messages, "; "))
	}
	return nil
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "phone":
		return fmt.Sprintf("%s must be an international phone number", field)
	case "username":
		return fmt.Sprintf("%s must be %d-%d letters, digits, '_' or '.', starting with a letter", field, usernameMinLen, usernameMaxLen)
	case "password":
		return fmt.Sprintf("%s must contain an uppercase letter, a lowercase letter and a digit", field)
	case "safetext":
		return fmt.Sprintf("%s contains characters that are not allowed", field)
	case "numeric":
		return fmt.Sprintf("%s must be numeric", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
