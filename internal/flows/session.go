package flows

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mealplanner/authcore/family"
	"github.com/mealplanner/authcore/refresh"
)

// SessionFailureKind classifies session creation failures.
type SessionFailureKind int

const (
	SessionFailureNone SessionFailureKind = iota
	SessionFailureInvalidInput
	SessionFailureStore
	SessionFailureIssueAccess
)

var errEmptySubject = errors.New("subject id and role are required")

// SessionResult is the flow-local login response shape.
type SessionResult struct {
	Failure         SessionFailureKind
	Err             error
	Family          family.Family
	Record          family.Record
	RefreshSecret   refresh.Secret
	AccessToken     string
	AccessExpiresAt time.Time
}

type SessionStore interface {
	Create(ctx context.Context, subjectID, role string) (family.Family, family.Record, refresh.Secret, error)
	Revoke(ctx context.Context, familyID string, reason family.RevokeReason) (bool, error)
}

// SessionDeps captures session creation dependencies.
type SessionDeps struct {
	Store            SessionStore
	IssueAccessToken func(subjectID, role, familyID string) (string, time.Time, error)
}

// RunCreateSession starts a family for an authenticated subject and issues its first pair.
func RunCreateSession(ctx context.Context, subjectID, role string, deps SessionDeps) SessionResult {
	if strings.TrimSpace(subjectID) == "" || strings.TrimSpace(role) == "" {
		return SessionResult{Failure: SessionFailureInvalidInput, Err: errEmptySubject}
	}

	fam, rec, secret, err := deps.Store.Create(ctx, subjectID, role)
	if err != nil {
		return SessionResult{Failure: SessionFailureStore, Err: err}
	}

	access, exp, err := deps.IssueAccessToken(fam.SubjectID, fam.Role, fam.ID)
	if err != nil {
		// A family nobody holds credentials for is closed right away.
		if _, rerr := deps.Store.Revoke(ctx, fam.ID, family.ReasonLogout); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return SessionResult{Failure: SessionFailureIssueAccess, Err: err, Family: fam}
	}

	return SessionResult{
		Family:          fam,
		Record:          rec,
		RefreshSecret:   secret,
		AccessToken:     access,
		AccessExpiresAt: exp,
	}
}
