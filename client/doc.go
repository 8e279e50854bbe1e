// Package client keeps a refresh-token session on the caller's side.
//
// A [Session] owns the current credentials and guarantees that at most one refresh is in
// flight per session. [Transport] wraps an http.RoundTripper: it attaches the bearer access
// credential, refreshes once per burst of 401 responses, retries each rejected request once,
// and backs off on transient 5xx and network failures. [UnaryClientInterceptor] does the same
// for gRPC.
//
// When a refresh reports SESSION_EXPIRED, REUSE_DETECTED, SESSION_REVOKED or INVALID_TOKEN the
// session ends: credentials are cleared, every waiter gets [ErrSessionEnded], and the
// OnSessionEnded callback runs.
package client
