// Package refresh implements the opaque refresh credential: secret generation, fingerprinting,
// the combined family/secret token format and sealing of the live secret at rest.
//
// # Token format
//
// A refresh token is base64url (no padding) of the 16-byte family UUID followed by the
// 32-byte random secret. Stores retain only the sha256 fingerprint of each secret; the current
// secret may additionally be kept sealed so it can be re-served during the grace window.
//
// # What this package must NOT do
//
//   - Access Redis, SQL or any I/O.
//   - Import authcore, jwt or family.
//   - Implement rotation or replay policy.
package refresh
