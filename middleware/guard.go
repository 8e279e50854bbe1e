package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/mealplanner/authcore/jwt"
)

// Verifier checks access credentials. *authcore.Engine implements it.
type Verifier interface {
	Verify(ctx context.Context, accessToken string) (*jwt.Claims, error)
}

type claimsContextKey struct{}

// ClaimsFromContext returns the claims stored by [Guard] or [UnaryServerInterceptor].
func ClaimsFromContext(ctx context.Context) (*jwt.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*jwt.Claims)
	return claims, ok && claims != nil
}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, claims *jwt.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// Guard rejects requests without a valid bearer access credential.
func Guard(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				writeCode(w, http.StatusUnauthorized, codeInvalidToken, "unauthorized")
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeCode(w, http.StatusUnauthorized, codeInvalidToken, "missing bearer token")
				return
			}

			claims, err := v.Verify(r.Context(), token)
			if err != nil {
				WriteError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
