package flows

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mealplanner/authcore/family"
	"github.com/mealplanner/authcore/internal/rate"
	"github.com/mealplanner/authcore/refresh"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureRateLimited
	RefreshFailureExpired
	RefreshFailureReuse
	RefreshFailureRevoked
	RefreshFailureStore
	RefreshFailureIssueAccess
)

// RefreshResult carries either the issued pair or failure metadata.
type RefreshResult struct {
	Failure      RefreshFailureKind
	Err          error
	FamilyID     string
	SubjectID    string
	Role         string
	RevokeReason family.RevokeReason
	// Reserved is set when the pair is the current one handed out again inside the grace
	// window instead of a new rotation.
	Reserved bool
	// Revoked is set when this call moved the family to Revoked.
	Revoked bool

	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshSecret    refresh.Secret
	RefreshExpiresAt time.Time
}

type RefreshRateLimiter interface {
	CheckRefresh(ctx context.Context, familyID string) error
}

type RefreshStore interface {
	Rotate(ctx context.Context, familyID string, presented refresh.Secret) (family.Family, family.Record, refresh.Secret, error)
	ValidateGrace(ctx context.Context, familyID string, presented refresh.Secret) (family.Current, bool, error)
	Revoke(ctx context.Context, familyID string, reason family.RevokeReason) (bool, error)
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	Store            RefreshStore
	RateLimiter      RefreshRateLimiter
	IssueAccessToken func(subjectID, role, familyID string) (string, time.Time, error)
	Logger           *zap.Logger
}

// RunRefresh rotates the family for a presented secret and applies the replay policy:
// a superseded or unknown secret is re-served inside the grace window and revokes the
// family outside it. Store outages never revoke.
func RunRefresh(ctx context.Context, familyID string, presented refresh.Secret, deps RefreshDeps) RefreshResult {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.CheckRefresh(ctx, familyID); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				return RefreshResult{Failure: RefreshFailureRateLimited, Err: err, FamilyID: familyID}
			}
			return RefreshResult{Failure: RefreshFailureStore, Err: err, FamilyID: familyID}
		}
	}

	fam, rec, next, err := deps.Store.Rotate(ctx, familyID, presented)
	if err == nil {
		// A store handing back a family the lifecycle does not allow to rotate is refused.
		if _, err := family.Transition(fam.State, family.EventRotate); err != nil {
			return classifyStoreErr(familyID, err)
		}
		res := RefreshResult{
			FamilyID:         familyID,
			SubjectID:        fam.SubjectID,
			Role:             fam.Role,
			RefreshSecret:    next,
			RefreshExpiresAt: rec.ExpiresAt,
		}
		return issue(res, deps)
	}

	switch {
	case errors.Is(err, family.ErrSuperseded), errors.Is(err, family.ErrSecretMismatch):
		return runGrace(ctx, familyID, presented, err, deps, log)
	default:
		return classifyStoreErr(familyID, err)
	}
}

func runGrace(
	ctx context.Context,
	familyID string,
	presented refresh.Secret,
	rotateErr error,
	deps RefreshDeps,
	log *zap.Logger,
) RefreshResult {
	cur, ok, err := deps.Store.ValidateGrace(ctx, familyID, presented)
	if err != nil {
		return classifyStoreErr(familyID, err)
	}
	if ok {
		if _, err := family.Transition(cur.Family.State, family.EventGraceReserve); err != nil {
			return classifyStoreErr(familyID, err)
		}
		res := RefreshResult{
			FamilyID:         familyID,
			SubjectID:        cur.Family.SubjectID,
			Role:             cur.Family.Role,
			Reserved:         true,
			RefreshSecret:    cur.Secret,
			RefreshExpiresAt: cur.Record.ExpiresAt,
		}
		return issue(res, deps)
	}

	res := RefreshResult{
		Failure:      RefreshFailureReuse,
		Err:          rotateErr,
		FamilyID:     familyID,
		RevokeReason: family.ReasonReuse,
	}
	revoked, err := deps.Store.Revoke(ctx, familyID, family.ReasonReuse)
	if err != nil {
		// The caller is still denied; the family stays Active until a later attempt revokes it.
		log.Error("authcore: revoke after reuse failed",
			zap.String("family_id", familyID),
			zap.Error(err),
		)
		res.Err = errors.Join(rotateErr, err)
		return res
	}
	res.Revoked = revoked
	return res
}

func issue(res RefreshResult, deps RefreshDeps) RefreshResult {
	access, exp, err := deps.IssueAccessToken(res.SubjectID, res.Role, res.FamilyID)
	if err != nil {
		res.Failure = RefreshFailureIssueAccess
		res.Err = err
		res.RefreshSecret = refresh.Secret{}
		return res
	}
	res.AccessToken = access
	res.AccessExpiresAt = exp
	return res
}

func classifyStoreErr(familyID string, err error) RefreshResult {
	switch {
	case errors.Is(err, family.ErrFamilyRevoked):
		return RefreshResult{
			Failure:      RefreshFailureRevoked,
			Err:          err,
			FamilyID:     familyID,
			RevokeReason: family.RevokeReasonOf(err),
		}
	case errors.Is(err, family.ErrRefreshExpired), errors.Is(err, family.ErrFamilyNotFound):
		return RefreshResult{Failure: RefreshFailureExpired, Err: err, FamilyID: familyID}
	default:
		return RefreshResult{Failure: RefreshFailureStore, Err: err, FamilyID: familyID}
	}
}
