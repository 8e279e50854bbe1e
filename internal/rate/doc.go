// Package rate provides the Redis-backed per-family refresh throttle.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Keys are rr:{familyID}.
//
// # What this package must NOT do
//
//   - Decide what a throttled refresh means for the family (the refresh flow does that).
//   - Be imported outside the authcore module.
package rate
