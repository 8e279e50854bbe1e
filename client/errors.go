package client

import (
	"errors"
	"fmt"

	"github.com/mealplanner/authcore"
)

var (
	// ErrSessionEnded is returned once the server ended the session. The user must log in again.
	ErrSessionEnded = errors.New("session ended")
	// ErrNoCredentials is returned by a session that was never given credentials.
	ErrNoCredentials = errors.New("no credentials")
)

// ServerError is a structured error answer from the auth server.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("auth server: %d %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("auth server: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps the wire code back to the engine sentinel so authcore.KindOf works on client errors.
func (e *ServerError) Unwrap() error {
	return codeError(e.Code)
}

func codeError(code string) error {
	switch code {
	case authcore.CodeTokenExpired:
		return authcore.ErrTokenExpired
	case authcore.CodeInvalidToken:
		return authcore.ErrTokenInvalid
	case authcore.CodeSessionExpired:
		return authcore.ErrSessionExpired
	case authcore.CodeReuseDetected:
		return authcore.ErrReuseDetected
	case authcore.CodeSessionRevoked:
		return authcore.ErrSessionRevoked
	case authcore.CodeRateLimited:
		return authcore.ErrRefreshRateLimited
	case authcore.CodeInvalidRequest:
		return authcore.ErrInvalidSubject
	default:
		return authcore.ErrTransient
	}
}

// endsSession reports whether a refresh failure is final. Transient failures, throttling and
// cancellation keep the session alive.
func endsSession(err error) bool {
	if err == nil {
		return false
	}
	if authcore.EndsSession(err) {
		return true
	}
	return authcore.Code(err) == authcore.CodeInvalidToken
}

// refreshableCode reports whether a 401 with code asks the client to refresh.
func refreshableCode(code string) bool {
	return code == "" || code == authcore.CodeTokenExpired || code == authcore.CodeInvalidToken
}
