// Package family persists token families and their refresh records.
//
// A family is one continuous login. Each rotation replaces the current refresh record and keeps
// the one it superseded acceptable until the family's grace deadline. Presenting any other
// secret revokes the family, and a revoked family never yields credentials again.
//
// # Architecture boundaries
//
// The [Store] implementations are the only code allowed to mutate families and records. Each
// mutation is atomic per family: a Lua script for [RedisStore], a row-locked transaction for
// the Postgres store in family/pgstore. Replay policy (when to revoke, when to re-serve)
// belongs to the caller; this package reports typed rejections and the lifecycle decisions
// in lifecycle.go.
//
// # What this package must NOT do
//
//   - Import authcore or jwt (no upward imports).
//   - Persist raw refresh secrets outside the sealed current-secret slot.
package family
