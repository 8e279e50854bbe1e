package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
)

// Transport is an http.RoundTripper that authenticates requests with a [Session].
type Transport struct {
	// Base defaults to http.DefaultTransport.
	Base    http.RoundTripper
	Session *Session
	// Backoff applies to 5xx and network failures. The zero value disables retries.
	Backoff Backoff

	sleep sleepFunc
}

// NewTransport returns a Transport over base using [DefaultBackoff].
func NewTransport(base http.RoundTripper, session *Session) *Transport {
	return &Transport{Base: base, Session: session, Backoff: DefaultBackoff}
}

// RoundTrip sends req with the current access credential. A 401 asking for a refresh triggers
// one shared refresh and a single retry. Responses other than that 401 are returned unchanged.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	creds, gen, err := t.Session.Credentials()
	if err != nil {
		return nil, err
	}

	resp, err := t.send(ctx, req, getBody, creds.AccessToken)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	se := parseServerError(resp.StatusCode, raw)
	if !refreshableCode(se.Code) {
		if endsSession(se) {
			t.Session.End(se)
			_, _, err := t.Session.Credentials()
			return nil, err
		}
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		return resp, nil
	}

	creds, _, err = t.Session.Refresh(ctx, gen)
	if err != nil {
		return nil, err
	}
	return t.send(ctx, req, getBody, creds.AccessToken)
}

func (t *Transport) send(ctx context.Context, req *http.Request, getBody func() (io.ReadCloser, error), token string) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	sleep := t.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	policy := t.Backoff.policy()
	for {
		out := req.Clone(ctx)
		if getBody != nil {
			body, err := getBody()
			if err != nil {
				return nil, err
			}
			out.Body = body
		}
		out.Header.Set("Authorization", "Bearer "+token)

		resp, err := base.RoundTrip(out)
		if !retryable(ctx, resp, err) {
			return resp, err
		}

		delay, stop := policy.Next()
		if stop {
			return resp, err
		}
		if resp != nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func retryable(ctx context.Context, resp *http.Response, err error) bool {
	if err != nil {
		return ctx.Err() == nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return resp.StatusCode >= http.StatusInternalServerError
}

// replayableBody returns a body factory so the request can be sent more than once.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		return req.GetBody, nil
	}

	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}, nil
}
