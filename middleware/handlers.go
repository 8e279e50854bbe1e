package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/mealplanner/authcore"
)

const maxBodyBytes = 8 << 10

// Refresher exchanges refresh credentials. *authcore.Engine implements it.
type Refresher interface {
	Refresh(ctx context.Context, familyID, secret string) (*authcore.TokenPair, error)
	RefreshToken(ctx context.Context, token string) (*authcore.TokenPair, error)
}

// Revoker closes families. *authcore.Engine implements it.
type Revoker interface {
	Revoke(ctx context.Context, familyID string) error
	RevokeAll(ctx context.Context, subjectID string) (int, error)
}

// RefreshRequest accepts either the explicit pair or the combined token.
type RefreshRequest struct {
	FamilyID      string `json:"family_id,omitempty"`
	RefreshSecret string `json:"refresh_secret,omitempty"`
	RefreshToken  string `json:"refresh_token,omitempty"`
}

// RefreshHandler serves POST refresh requests and answers with an [authcore.TokenPair].
func RefreshHandler(r Refresher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeCode(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
			return
		}

		var body RefreshRequest
		dec := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes))
		if err := dec.Decode(&body); err != nil {
			writeCode(w, http.StatusBadRequest, codeInvalidRequest, "malformed json body")
			return
		}

		ctx := authcore.WithClientIP(req.Context(), clientIP(req))

		var (
			pair *authcore.TokenPair
			err  error
		)
		switch {
		case body.RefreshToken != "":
			pair, err = r.RefreshToken(ctx, body.RefreshToken)
		case body.FamilyID != "" && body.RefreshSecret != "":
			pair, err = r.Refresh(ctx, body.FamilyID, body.RefreshSecret)
		default:
			writeCode(w, http.StatusBadRequest, codeInvalidRequest, "refresh_token or family_id and refresh_secret required")
			return
		}
		if err != nil {
			WriteError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, pair)
	})
}

// LogoutHandler revokes the family of the authenticated caller. With ?all=true it revokes every
// family of the subject. Mount it behind [Guard].
func LogoutHandler(r Revoker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeCode(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
			return
		}
		claims, ok := ClaimsFromContext(req.Context())
		if !ok {
			writeCode(w, http.StatusUnauthorized, codeInvalidToken, "unauthorized")
			return
		}

		ctx := authcore.WithClientIP(req.Context(), clientIP(req))
		if strings.EqualFold(req.URL.Query().Get("all"), "true") {
			n, err := r.RevokeAll(ctx, claims.SubjectID())
			if err != nil {
				WriteError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
			return
		}

		if err := r.Revoke(ctx, claims.FamilyID); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}
