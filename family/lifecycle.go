package family

import (
	"time"

	"github.com/mealplanner/authcore/refresh"
)

// Event drives a family state transition.
type Event uint8

const (
	EventRotate Event = iota + 1
	EventGraceReserve
	EventBeginRotate
	EventEndRotate
	EventReuse
	EventLogout
)

func (e Event) String() string {
	switch e {
	case EventRotate:
		return "rotate"
	case EventGraceReserve:
		return "grace_reserve"
	case EventBeginRotate:
		return "begin_rotate"
	case EventEndRotate:
		return "end_rotate"
	case EventReuse:
		return "reuse"
	case EventLogout:
		return "logout"
	default:
		return "unknown"
	}
}

// Transition returns the state reached from `from` on ev. Revoked is terminal: revocation
// events keep it Revoked and every other event fails with ErrFamilyRevoked.
func Transition(from State, ev Event) (State, error) {
	switch from {
	case StateActive:
		switch ev {
		case EventRotate, EventGraceReserve:
			return StateActive, nil
		case EventBeginRotate:
			return StateRotating, nil
		case EventReuse, EventLogout:
			return StateRevoked, nil
		}
	case StateRotating:
		switch ev {
		case EventRotate, EventGraceReserve:
			return StateRotating, nil
		case EventEndRotate:
			return StateActive, nil
		case EventReuse, EventLogout:
			return StateRevoked, nil
		}
	case StateRevoked:
		switch ev {
		case EventReuse, EventLogout:
			return StateRevoked, nil
		default:
			return StateRevoked, ErrFamilyRevoked
		}
	}
	return from, ErrIllegalTransition
}

// Event is the lifecycle event a revocation with reason r applies.
func (r RevokeReason) Event() Event {
	if r == ReasonReuse {
		return EventReuse
	}
	return EventLogout
}

// Snapshot is the part of a family that rotate and grace decisions read.
type Snapshot struct {
	State            State
	RevokeReason     RevokeReason
	CurrentHash      string
	CurrentExpiresAt time.Time
	PreviousHash     string
	GraceExpiresAt   time.Time
}

// Verdict is the outcome of a rotate or grace decision.
type Verdict uint8

const (
	VerdictRotate Verdict = iota + 1
	VerdictGrace
	VerdictSuperseded
	VerdictMismatch
	VerdictExpired
	VerdictRevoked
)

// DecideRotate applies the rotate rules to s for a presented secret fingerprint at now.
//
// An expired lineage is reported as expired whatever secret was presented: nothing can be
// obtained from it, so a stale secret is not treated as a replay.
func DecideRotate(s Snapshot, presentedHash string, now time.Time) Verdict {
	if s.State == StateRevoked {
		return VerdictRevoked
	}
	if !now.Before(s.CurrentExpiresAt) {
		return VerdictExpired
	}
	if refresh.HashEqual(s.CurrentHash, presentedHash) {
		return VerdictRotate
	}
	if refresh.HashEqual(s.PreviousHash, presentedHash) {
		return VerdictSuperseded
	}
	return VerdictMismatch
}

// DecideGrace reports VerdictGrace only when presentedHash is the previous fingerprint and now
// is strictly before the grace deadline.
func DecideGrace(s Snapshot, presentedHash string, now time.Time) Verdict {
	if s.State == StateRevoked {
		return VerdictRevoked
	}
	if !now.Before(s.CurrentExpiresAt) {
		return VerdictExpired
	}
	if refresh.HashEqual(s.PreviousHash, presentedHash) && !s.GraceExpiresAt.IsZero() && now.Before(s.GraceExpiresAt) {
		return VerdictGrace
	}
	return VerdictMismatch
}

// Err maps a rejecting verdict to its sentinel error. VerdictRotate and VerdictGrace map to nil.
func (v Verdict) Err(reason RevokeReason) error {
	switch v {
	case VerdictRotate, VerdictGrace:
		return nil
	case VerdictSuperseded:
		return ErrSuperseded
	case VerdictExpired:
		return ErrRefreshExpired
	case VerdictRevoked:
		return &RevokedError{Reason: reason}
	default:
		return ErrSecretMismatch
	}
}
