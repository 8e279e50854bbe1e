package authcore

import (
	"context"
	"errors"
	"net/http"

	"github.com/mealplanner/authcore/family"
	"github.com/mealplanner/authcore/internal/flight"
	"github.com/mealplanner/authcore/internal/rate"
	"github.com/mealplanner/authcore/jwt"
	"github.com/mealplanner/authcore/refresh"
)

var (
	// ErrTokenExpired is returned when an access credential is past its expiry. Refresh and retry.
	ErrTokenExpired = errors.New("access token expired")
	// ErrTokenInvalid is returned for malformed or badly signed access credentials and for
	// malformed refresh tokens.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrSessionExpired is returned when the refresh lineage ended naturally. Log in again.
	ErrSessionExpired = errors.New("session expired")
	// ErrReuseDetected is returned when a refresh secret was replayed. The family is revoked.
	ErrReuseDetected = errors.New("refresh token reuse detected")
	// ErrSessionRevoked is returned when the family was closed by logout.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrTransient is returned when the store could not be reached. The family is untouched.
	ErrTransient = errors.New("transient failure")
	// ErrRefreshRateLimited is returned when the per-family refresh throttle tripped.
	ErrRefreshRateLimited = errors.New("refresh rate limited")
	// ErrLockTimeout is returned when a refresh waited longer than the lock TTL.
	ErrLockTimeout = flight.ErrLockTimeout
	// ErrEngineNotReady is returned by methods on an engine that was not built or was closed.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrInvalidSubject is returned by CreateSession for an empty subject id or role.
	ErrInvalidSubject = errors.New("subject id and role are required")
)

// ErrorKind is the closed failure taxonomy. Every error returned by the engine maps to
// exactly one kind.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindExpired
	KindInvalid
	KindSessionExpired
	KindReuseDetected
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindExpired:
		return "expired"
	case KindInvalid:
		return "invalid"
	case KindSessionExpired:
		return "session_expired"
	case KindReuseDetected:
		return "reuse_detected"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Wire codes.
const (
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeSessionExpired   = "SESSION_EXPIRED"
	CodeReuseDetected    = "REUSE_DETECTED"
	CodeSessionRevoked   = "SESSION_REVOKED"
	CodeTransientFailure = "TRANSIENT_FAILURE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInvalidRequest   = "INVALID_REQUEST"
)

// KindOf classifies err. Unknown non-nil errors are treated as transient so they never
// end a session.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrReuseDetected),
		errors.Is(err, ErrSessionRevoked),
		errors.Is(err, family.ErrFamilyRevoked):
		return KindReuseDetected
	case errors.Is(err, ErrSessionExpired),
		errors.Is(err, family.ErrRefreshExpired),
		errors.Is(err, family.ErrFamilyNotFound):
		return KindSessionExpired
	case errors.Is(err, ErrTokenExpired), errors.Is(err, jwt.ErrExpired):
		return KindExpired
	case errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrInvalidSubject),
		errors.Is(err, jwt.ErrInvalid),
		errors.Is(err, refresh.ErrMalformedSecret):
		return KindInvalid
	default:
		return KindTransient
	}
}

// Code returns the wire code for err, or "" for nil.
func Code(err error) string {
	kind := KindOf(err)
	switch kind {
	case KindNone:
		return ""
	case KindExpired:
		return CodeTokenExpired
	case KindInvalid:
		if errors.Is(err, ErrInvalidSubject) {
			return CodeInvalidRequest
		}
		return CodeInvalidToken
	case KindSessionExpired:
		return CodeSessionExpired
	case KindReuseDetected:
		if errors.Is(err, ErrSessionRevoked) || family.RevokeReasonOf(err) == family.ReasonLogout {
			return CodeSessionRevoked
		}
		return CodeReuseDetected
	case KindTransient:
		if errors.Is(err, ErrRefreshRateLimited) || errors.Is(err, rate.ErrRateLimited) {
			return CodeRateLimited
		}
		return CodeTransientFailure
	default:
		return CodeTransientFailure
	}
}

// HTTPStatus returns the response status for err.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNone:
		return http.StatusOK
	case KindExpired, KindSessionExpired, KindReuseDetected:
		return http.StatusUnauthorized
	case KindInvalid:
		if errors.Is(err, ErrInvalidSubject) {
			return http.StatusBadRequest
		}
		return http.StatusUnauthorized
	case KindTransient:
		if Code(err) == CodeRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusServiceUnavailable
	}
}

// EndsSession reports whether err means the client must log in again.
func EndsSession(err error) bool {
	k := KindOf(err)
	return k == KindSessionExpired || k == KindReuseDetected
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
