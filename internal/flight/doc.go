// Package flight coordinates concurrent refreshes of the same token family inside one process.
//
// # Keys
//
// A flight is keyed by family id plus the fingerprint of the presented secret. Callers that
// present the same secret coalesce onto one attempt and share its result. Callers that present
// a different secret for the same family never share a result; they queue behind the family
// lease and run their own attempt.
//
// # Leases
//
// Each family has at most one lease at a time. A lease carries an expiry; a holder that outlives
// it is force-released so a stuck attempt cannot wedge the family.
//
// # What this package must NOT do
//
//   - Know anything about stores, secrets or tokens beyond the opaque key.
//   - Provide cross-process exclusion (store atomicity covers that).
package flight
