// Package jwt issues and verifies the short-lived access credentials of a token family.
//
// Verification failures are split into ErrExpired and ErrInvalid so callers can decide between
// refreshing the session and forcing a new login.
package jwt
