package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mealplanner/authcore"
)

const maxErrorBody = 4 << 10

// HTTPRefresher calls the server refresh endpoint served by middleware.RefreshHandler.
type HTTPRefresher struct {
	// URL of the refresh endpoint.
	URL string
	// Client defaults to http.DefaultClient. It must not be a client whose transport is a
	// [Transport] for the same session.
	Client *http.Client
}

type refreshBody struct {
	FamilyID      string `json:"family_id,omitempty"`
	RefreshSecret string `json:"refresh_secret,omitempty"`
	RefreshToken  string `json:"refresh_token,omitempty"`
}

// Refresh sends the combined refresh token when present and the family id and secret otherwise.
// Error answers come back as *[ServerError].
func (r *HTTPRefresher) Refresh(ctx context.Context, current authcore.TokenPair) (authcore.TokenPair, error) {
	body := refreshBody{RefreshToken: current.RefreshToken}
	if body.RefreshToken == "" {
		body.FamilyID = current.FamilyID
		body.RefreshSecret = current.RefreshSecret
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return authcore.TokenPair{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(raw))
	if err != nil {
		return authcore.TokenPair{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	c := r.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return authcore.TokenPair{}, fmt.Errorf("%w: %v", authcore.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return authcore.TokenPair{}, readServerError(resp)
	}

	var pair authcore.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return authcore.TokenPair{}, fmt.Errorf("%w: decode refresh response: %v", authcore.ErrTransient, err)
	}
	return pair, nil
}

// readServerError decodes the JSON error body. It does not close resp.Body.
func readServerError(resp *http.Response) *ServerError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return parseServerError(resp.StatusCode, raw)
}

func parseServerError(status int, raw []byte) *ServerError {
	se := &ServerError{StatusCode: status}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		se.Code = body.Code
		se.Message = body.Message
	}
	if se.Code == "" {
		se.Code = authcore.CodeTransientFailure
		if status == http.StatusUnauthorized {
			se.Code = authcore.CodeInvalidToken
		}
	}
	return se
}
