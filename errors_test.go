package authcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/mealplanner/authcore/family"
	"github.com/mealplanner/authcore/internal/rate"
	"github.com/mealplanner/authcore/jwt"
	"github.com/mealplanner/authcore/refresh"
)

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		kind   ErrorKind
		code   string
		status int
	}{
		{"nil", nil, KindNone, "", http.StatusOK},
		{"access expired", ErrTokenExpired, KindExpired, CodeTokenExpired, http.StatusUnauthorized},
		{"jwt expired", jwt.ErrExpired, KindExpired, CodeTokenExpired, http.StatusUnauthorized},
		{"invalid", ErrTokenInvalid, KindInvalid, CodeInvalidToken, http.StatusUnauthorized},
		{"jwt invalid", fmt.Errorf("wrap: %w", jwt.ErrInvalid), KindInvalid, CodeInvalidToken, http.StatusUnauthorized},
		{"malformed secret", refresh.ErrMalformedSecret, KindInvalid, CodeInvalidToken, http.StatusUnauthorized},
		{"bad subject", ErrInvalidSubject, KindInvalid, CodeInvalidRequest, http.StatusBadRequest},
		{"session expired", ErrSessionExpired, KindSessionExpired, CodeSessionExpired, http.StatusUnauthorized},
		{"record expired", family.ErrRefreshExpired, KindSessionExpired, CodeSessionExpired, http.StatusUnauthorized},
		{"family missing", family.ErrFamilyNotFound, KindSessionExpired, CodeSessionExpired, http.StatusUnauthorized},
		{"reuse", ErrReuseDetected, KindReuseDetected, CodeReuseDetected, http.StatusUnauthorized},
		{"revoked by reuse", &family.RevokedError{Reason: family.ReasonReuse}, KindReuseDetected, CodeReuseDetected, http.StatusUnauthorized},
		{"revoked by logout", &family.RevokedError{Reason: family.ReasonLogout}, KindReuseDetected, CodeSessionRevoked, http.StatusUnauthorized},
		{"logout", ErrSessionRevoked, KindReuseDetected, CodeSessionRevoked, http.StatusUnauthorized},
		{"transient", fmt.Errorf("%w: redis down", ErrTransient), KindTransient, CodeTransientFailure, http.StatusServiceUnavailable},
		{"store", family.ErrStoreUnavailable, KindTransient, CodeTransientFailure, http.StatusServiceUnavailable},
		{"lock timeout", ErrLockTimeout, KindTransient, CodeTransientFailure, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, KindTransient, CodeTransientFailure, http.StatusServiceUnavailable},
		{"rate limited", ErrRefreshRateLimited, KindTransient, CodeRateLimited, http.StatusTooManyRequests},
		{"limiter", rate.ErrRateLimited, KindTransient, CodeRateLimited, http.StatusTooManyRequests},
		{"unknown", errors.New("boom"), KindTransient, CodeTransientFailure, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("kind: expected %v, got %v", tc.kind, got)
			}
			if got := Code(tc.err); got != tc.code {
				t.Fatalf("code: expected %q, got %q", tc.code, got)
			}
			if got := HTTPStatus(tc.err); got != tc.status {
				t.Fatalf("status: expected %d, got %d", tc.status, got)
			}
		})
	}
}

func TestReuseNeverDowngraded(t *testing.T) {
	// A revocation wrapping an expiry must still report reuse.
	err := errors.Join(ErrReuseDetected, family.ErrRefreshExpired)
	if KindOf(err) != KindReuseDetected {
		t.Fatalf("expected reuse to win, got %v", KindOf(err))
	}
}

func TestEndsSession(t *testing.T) {
	for _, err := range []error{ErrSessionExpired, ErrReuseDetected, ErrSessionRevoked} {
		if !EndsSession(err) {
			t.Fatalf("%v must end the session", err)
		}
	}
	for _, err := range []error{nil, ErrTokenExpired, ErrTokenInvalid, ErrTransient, ErrRefreshRateLimited} {
		if EndsSession(err) {
			t.Fatalf("%v must not end the session", err)
		}
	}
}

func TestErrorKindString(t *testing.T) {
	if KindReuseDetected.String() != "reuse_detected" || ErrorKind(99).String() != "unknown" {
		t.Fatal("unexpected kind names")
	}
}
