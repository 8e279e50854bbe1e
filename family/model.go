package family

import (
	"time"

	"github.com/mealplanner/authcore/refresh"
)

// State is the lifecycle state of a family.
type State uint8

const (
	StateActive State = iota + 1
	// StateRotating is never persisted. It is reported while a rotation for the family is in
	// flight on this node.
	StateRotating
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRotating:
		return "rotating"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String for persisted states.
func ParseState(v string) (State, error) {
	switch v {
	case "active":
		return StateActive, nil
	case "revoked":
		return StateRevoked, nil
	default:
		return 0, ErrCorrupt
	}
}

// RevokeReason records why a family was revoked.
type RevokeReason string

const (
	ReasonReuse  RevokeReason = "reuse"
	ReasonLogout RevokeReason = "logout"
)

// Family is one login lineage.
type Family struct {
	ID                string
	SubjectID         string
	Role              string
	State             State
	CurrentRefreshID  string
	PreviousRefreshID string
	// GraceExpiresAt is zero until the first rotation.
	GraceExpiresAt time.Time
	CreatedAt      time.Time
	LastRotatedAt  time.Time
	RevokedAt      time.Time
	RevokeReason   RevokeReason
}

// Record is one issued refresh credential. Only the secret's fingerprint is kept.
type Record struct {
	ID           string
	FamilyID     string
	SecretHash   string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	SupersededBy string
}

// Current is the live credential of a family, returned by ValidateGrace so that a caller
// holding the just-superseded secret can be handed the same pair without a second rotation.
type Current struct {
	Family Family
	Record Record
	Secret refresh.Secret
}
