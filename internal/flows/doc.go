// Package flows contains pure-function orchestrators for every Engine operation.
//
// Each flow function (RunCreateSession, RunRefresh, RunVerify, RunLogout) accepts a typed
// dependency struct and returns a result with a classified failure kind. The root package maps
// kinds to public errors, metrics and audit events.
//
// # Architecture boundaries
//
// Flow functions coordinate calls to the family store, the signer and the refresh throttle.
// They do NOT own any of these resources; ownership stays with the Engine. Per-family
// single-flight lives in internal/flight and wraps RunRefresh from the outside.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import authcore (to avoid import cycles).
//   - Perform I/O directly; all I/O is mediated through dependency interfaces.
package flows
