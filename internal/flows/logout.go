package flows

import (
	"context"

	"github.com/mealplanner/authcore/family"
)

type LogoutStore interface {
	Revoke(ctx context.Context, familyID string, reason family.RevokeReason) (bool, error)
	RevokeSubject(ctx context.Context, subjectID string, reason family.RevokeReason) (int, error)
}

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	Store LogoutStore
	// ResetThrottle clears per-family refresh counters. Optional.
	ResetThrottle func(ctx context.Context, familyID string) error
}

// LogoutResult reports whether the call revoked the family.
type LogoutResult struct {
	FamilyID string
	Revoked  bool
	Err      error
}

// RunLogout revokes one family with the logout reason. Revoking an unknown or already
// revoked family succeeds without a transition.
func RunLogout(ctx context.Context, familyID string, deps LogoutDeps) LogoutResult {
	revoked, err := deps.Store.Revoke(ctx, familyID, family.ReasonLogout)
	if err != nil {
		return LogoutResult{FamilyID: familyID, Err: err}
	}
	if revoked && deps.ResetThrottle != nil {
		_ = deps.ResetThrottle(ctx, familyID)
	}
	return LogoutResult{FamilyID: familyID, Revoked: revoked}
}

// RunLogoutAll revokes every family of subjectID and returns the number of transitions.
func RunLogoutAll(ctx context.Context, subjectID string, deps LogoutDeps) (int, error) {
	return deps.Store.RevokeSubject(ctx, subjectID, family.ReasonLogout)
}
