package family

import (
	"errors"
	"fmt"
)

var (
	// ErrFamilyNotFound is returned when no family exists for the id (never created or aged out).
	ErrFamilyNotFound = errors.New("token family not found")
	// ErrFamilyRevoked is returned for every operation on a revoked family. Use RevokeReasonOf
	// to tell a replay revocation from a logout.
	ErrFamilyRevoked = errors.New("token family revoked")
	// ErrRefreshExpired is returned when the family's current refresh record is past its expiry.
	ErrRefreshExpired = errors.New("refresh record expired")
	// ErrSuperseded is returned by Rotate when the presented secret is the one the last
	// rotation replaced.
	ErrSuperseded = errors.New("refresh secret superseded")
	// ErrSecretMismatch is returned when the presented secret matches neither the current nor
	// the previous record.
	ErrSecretMismatch = errors.New("refresh secret mismatch")
	// ErrStoreUnavailable wraps infrastructure failures. It never implies anything about the
	// family's state.
	ErrStoreUnavailable = errors.New("family store unavailable")
	// ErrCorrupt is returned when a persisted family cannot be decoded.
	ErrCorrupt = errors.New("family record corrupt")
	// ErrIllegalTransition is returned by Transition for events a state does not accept.
	ErrIllegalTransition = errors.New("illegal family transition")
)

// RevokedError carries the reason a family was revoked. errors.Is(err, ErrFamilyRevoked)
// holds for it.
type RevokedError struct {
	Reason RevokeReason
}

func (e *RevokedError) Error() string {
	if e.Reason == "" {
		return ErrFamilyRevoked.Error()
	}
	return fmt.Sprintf("%s (%s)", ErrFamilyRevoked.Error(), e.Reason)
}

func (e *RevokedError) Is(target error) bool {
	return target == ErrFamilyRevoked
}

// RevokeReasonOf extracts the revoke reason from err, or "" when err is not a revocation.
func RevokeReasonOf(err error) RevokeReason {
	var re *RevokedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
