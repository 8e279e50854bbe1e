package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mealplanner/authcore"
	"github.com/mealplanner/authcore/jwt"
)

type fakeEngine struct {
	verifyErr  error
	refreshErr error
	revokeErr  error

	refreshed    []string
	revoked      []string
	revokedAll   []string
	lastClientIP string
}

func (f *fakeEngine) Verify(_ context.Context, token string) (*jwt.Claims, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	c := &jwt.Claims{Role: "customer", FamilyID: "fam-1"}
	c.Subject = "user-" + token
	return c, nil
}

func (f *fakeEngine) Refresh(_ context.Context, familyID, secret string) (*authcore.TokenPair, error) {
	f.refreshed = append(f.refreshed, familyID+"/"+secret)
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &authcore.TokenPair{FamilyID: familyID, AccessToken: "access", RefreshSecret: "next"}, nil
}

func (f *fakeEngine) RefreshToken(_ context.Context, token string) (*authcore.TokenPair, error) {
	f.refreshed = append(f.refreshed, token)
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &authcore.TokenPair{FamilyID: "fam-1", AccessToken: "access", RefreshToken: "next-token"}, nil
}

func (f *fakeEngine) Revoke(_ context.Context, familyID string) error {
	f.revoked = append(f.revoked, familyID)
	return f.revokeErr
}

func (f *fakeEngine) RevokeAll(_ context.Context, subjectID string) (int, error) {
	f.revokedAll = append(f.revokedAll, subjectID)
	return 3, f.revokeErr
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGuard(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(claims.SubjectID()))
	})

	tests := []struct {
		name       string
		header     string
		verifyErr  error
		wantStatus int
		wantCode   string
	}{
		{name: "valid", header: "Bearer abc", wantStatus: http.StatusOK},
		{name: "lowercase scheme", header: "bearer abc", wantStatus: http.StatusOK},
		{name: "missing header", wantStatus: http.StatusUnauthorized, wantCode: authcore.CodeInvalidToken},
		{name: "empty token", header: "Bearer   ", wantStatus: http.StatusUnauthorized, wantCode: authcore.CodeInvalidToken},
		{name: "basic scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized, wantCode: authcore.CodeInvalidToken},
		{name: "expired", header: "Bearer abc", verifyErr: authcore.ErrTokenExpired, wantStatus: http.StatusUnauthorized, wantCode: authcore.CodeTokenExpired},
		{name: "revoked", header: "Bearer abc", verifyErr: authcore.ErrSessionRevoked, wantStatus: http.StatusUnauthorized, wantCode: authcore.CodeSessionRevoked},
		{name: "store down", header: "Bearer abc", verifyErr: fmt.Errorf("%w: boom", authcore.ErrTransient), wantStatus: http.StatusServiceUnavailable, wantCode: authcore.CodeTransientFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Guard(&fakeEngine{verifyErr: tt.verifyErr})(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode == "" {
				assert.Equal(t, "user-abc", rec.Body.String())
				return
			}
			body := decodeError(t, rec)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.NotContains(t, body.Message, "boom")
		})
	}
}

func TestRefreshHandler(t *testing.T) {
	t.Run("combined token", func(t *testing.T) {
		eng := &fakeEngine{}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/refresh", bytes.NewBufferString(`{"refresh_token":"tok"}`))
		RefreshHandler(eng).ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var pair authcore.TokenPair
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
		assert.Equal(t, "next-token", pair.RefreshToken)
		assert.Equal(t, []string{"tok"}, eng.refreshed)
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	})

	t.Run("family and secret", func(t *testing.T) {
		eng := &fakeEngine{}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/refresh", bytes.NewBufferString(`{"family_id":"fam-9","refresh_secret":"s"}`))
		RefreshHandler(eng).ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"fam-9/s"}, eng.refreshed)
	})

	cases := []struct {
		name       string
		method     string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"wrong method", http.MethodGet, "", nil, http.StatusMethodNotAllowed, authcore.CodeInvalidRequest},
		{"bad json", http.MethodPost, "{", nil, http.StatusBadRequest, authcore.CodeInvalidRequest},
		{"missing fields", http.MethodPost, `{"family_id":"f"}`, nil, http.StatusBadRequest, authcore.CodeInvalidRequest},
		{"reuse", http.MethodPost, `{"refresh_token":"t"}`, authcore.ErrReuseDetected, http.StatusUnauthorized, authcore.CodeReuseDetected},
		{"expired lineage", http.MethodPost, `{"refresh_token":"t"}`, authcore.ErrSessionExpired, http.StatusUnauthorized, authcore.CodeSessionExpired},
		{"rate limited", http.MethodPost, `{"refresh_token":"t"}`, authcore.ErrRefreshRateLimited, http.StatusTooManyRequests, authcore.CodeRateLimited},
		{"lock timeout", http.MethodPost, `{"refresh_token":"t"}`, authcore.ErrLockTimeout, http.StatusServiceUnavailable, authcore.CodeTransientFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tc.method, "/refresh", bytes.NewBufferString(tc.body))
			RefreshHandler(&fakeEngine{refreshErr: tc.err}).ServeHTTP(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestRefreshHandlerRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/refresh", bytes.NewBufferString(`{"refresh_token":"t"}`))
	RefreshHandler(&fakeEngine{refreshErr: authcore.ErrTransient}).ServeHTTP(rec, req)

	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestLogoutHandler(t *testing.T) {
	eng := &fakeEngine{}
	h := Guard(eng)(LogoutHandler(eng))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.Header.Set("Authorization", "Bearer abc")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"fam-1"}, eng.revoked)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/logout?all=true", nil)
	req.Header.Set("Authorization", "Bearer abc")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"revoked":3}`, rec.Body.String())
	assert.Equal(t, []string{"user-abc"}, eng.revokedAll)
}

func TestLogoutHandlerWithoutGuard(t *testing.T) {
	rec := httptest.NewRecorder()
	LogoutHandler(&fakeEngine{}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/logout", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutHandlerStoreDown(t *testing.T) {
	eng := &fakeEngine{revokeErr: authcore.ErrTransient}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.Header.Set("Authorization", "Bearer abc")
	Guard(eng)(LogoutHandler(eng)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", clientIP(req))

	req.RemoteAddr = "[::1]:5555"
	assert.Equal(t, "::1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-Request-ID", "req-1")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fail", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, int64(http.StatusServiceUnavailable), entries[1].ContextMap()["status"])
}
