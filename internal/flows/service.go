package flows

import (
	"context"

	"github.com/mealplanner/authcore/refresh"
)

// Service is the centralized flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.Refresh.Store != nil && s.deps.Verify.ParseAccess != nil
}

func (s Service) CreateSession(ctx context.Context, subjectID, role string) SessionResult {
	return RunCreateSession(ctx, subjectID, role, s.deps.Session)
}

func (s Service) Refresh(ctx context.Context, familyID string, presented refresh.Secret) RefreshResult {
	return RunRefresh(ctx, familyID, presented, s.deps.Refresh)
}

func (s Service) Verify(ctx context.Context, token string) VerifyResult {
	return RunVerify(ctx, token, s.deps.Verify)
}

func (s Service) Logout(ctx context.Context, familyID string) LogoutResult {
	return RunLogout(ctx, familyID, s.deps.Logout)
}

func (s Service) LogoutAll(ctx context.Context, subjectID string) (int, error) {
	return RunLogoutAll(ctx, subjectID, s.deps.Logout)
}
