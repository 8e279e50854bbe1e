package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/mealplanner/authcore"
)

const (
	codeInvalidToken   = authcore.CodeInvalidToken
	codeInvalidRequest = authcore.CodeInvalidRequest
)

// ErrorBody is the JSON error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var messages = map[string]string{
	authcore.CodeTokenExpired:     "access token expired",
	authcore.CodeInvalidToken:     "invalid token",
	authcore.CodeSessionExpired:   "session expired, log in again",
	authcore.CodeReuseDetected:    "refresh token reuse detected, log in again",
	authcore.CodeSessionRevoked:   "session revoked, log in again",
	authcore.CodeTransientFailure: "temporarily unavailable, retry",
	authcore.CodeRateLimited:      "too many refresh attempts",
	authcore.CodeInvalidRequest:   "invalid request",
}

// WriteError writes err as an [ErrorBody]. Internal error details are never exposed.
func WriteError(w http.ResponseWriter, err error) {
	code := authcore.Code(err)
	if code == "" {
		code = authcore.CodeTransientFailure
	}
	if code == authcore.CodeTransientFailure || code == authcore.CodeRateLimited {
		w.Header().Set("Retry-After", "1")
	}
	writeCode(w, authcore.HTTPStatus(err), code, messages[code])
}

func writeCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
