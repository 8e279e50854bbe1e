package flows

import (
	"context"
	"errors"

	"github.com/mealplanner/authcore/family"
	"github.com/mealplanner/authcore/jwt"
)

// VerifyFailureKind classifies access credential failures.
type VerifyFailureKind int

const (
	VerifyFailureNone VerifyFailureKind = iota
	VerifyFailureExpired
	VerifyFailureInvalid
	VerifyFailureRevoked
	VerifyFailureStore
)

// VerifyResult returns either claims or a classified failure.
type VerifyResult struct {
	Failure      VerifyFailureKind
	Err          error
	Claims       *jwt.Claims
	RevokeReason family.RevokeReason
}

type VerifyFamilyStore interface {
	Get(ctx context.Context, familyID string) (family.Family, error)
}

// VerifyDeps captures verification dependencies. Store is only consulted when Strict is set.
type VerifyDeps struct {
	ParseAccess func(string) (*jwt.Claims, error)
	Strict      bool
	Store       VerifyFamilyStore
}

// RunVerify checks an access credential. In strict mode the family must also still be Active.
func RunVerify(ctx context.Context, token string, deps VerifyDeps) VerifyResult {
	claims, err := deps.ParseAccess(token)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return VerifyResult{Failure: VerifyFailureExpired, Err: err}
		}
		return VerifyResult{Failure: VerifyFailureInvalid, Err: err}
	}
	if !deps.Strict || deps.Store == nil {
		return VerifyResult{Claims: claims}
	}

	fam, err := deps.Store.Get(ctx, claims.FamilyID)
	if err != nil {
		if errors.Is(err, family.ErrFamilyNotFound) {
			return VerifyResult{Failure: VerifyFailureInvalid, Err: err}
		}
		return VerifyResult{Failure: VerifyFailureStore, Err: err}
	}
	if fam.State == family.StateRevoked {
		return VerifyResult{
			Failure:      VerifyFailureRevoked,
			Err:          &family.RevokedError{Reason: fam.RevokeReason},
			RevokeReason: fam.RevokeReason,
		}
	}
	return VerifyResult{Claims: claims}
}
