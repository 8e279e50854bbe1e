package family

import (
	"context"
	"errors"
	"time"

	"github.com/mealplanner/authcore/refresh"
)

// Store is the persistence contract for families and records. All mutations are atomic with
// respect to a single family.
type Store interface {
	// Create starts an Active family with a fresh current record and returns the raw secret.
	Create(ctx context.Context, subjectID, role string) (Family, Record, refresh.Secret, error)
	// Rotate consumes the current record when presented matches it and returns the family as
	// rotated, the new record and its secret. Rejections: ErrFamilyNotFound, ErrFamilyRevoked,
	// ErrRefreshExpired, ErrSuperseded, ErrSecretMismatch.
	Rotate(ctx context.Context, familyID string, presented refresh.Secret) (Family, Record, refresh.Secret, error)
	// ValidateGrace reports whether presented is the previous secret and the grace deadline
	// has not been reached. When it is, the current credential is returned.
	ValidateGrace(ctx context.Context, familyID string, presented refresh.Secret) (Current, bool, error)
	// Revoke moves the family to Revoked. It reports whether this call made the transition;
	// revoking a missing or already revoked family is not an error.
	Revoke(ctx context.Context, familyID string, reason RevokeReason) (bool, error)
	// RevokeSubject revokes every family of subjectID and returns how many were transitioned.
	RevokeSubject(ctx context.Context, subjectID string, reason RevokeReason) (int, error)
	// Get reads a family.
	Get(ctx context.Context, familyID string) (Family, error)
}

// Config holds the timing and sealing settings shared by Store implementations.
type Config struct {
	RefreshTTL  time.Duration
	GraceWindow time.Duration
	// Retention bounds how long a family is kept after its last write where the backend ages
	// data out (Redis). Zero keeps families forever.
	Retention time.Duration
	Sealer    *refresh.Sealer
	// Now defaults to time.Now.
	Now func() time.Time
}

// Validate checks the settings and fills defaults.
func (c *Config) Validate() error {
	if c.RefreshTTL <= 0 {
		return errors.New("family: refresh TTL must be > 0")
	}
	if c.GraceWindow < 0 {
		return errors.New("family: grace window must be >= 0")
	}
	if c.Retention < 0 {
		return errors.New("family: retention must be >= 0")
	}
	if c.Retention > 0 && c.Retention < c.RefreshTTL {
		return errors.New("family: retention must cover the refresh TTL")
	}
	if c.Sealer == nil {
		return errors.New("family: sealer is required")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}
