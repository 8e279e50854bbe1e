package authcore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mealplanner/authcore/family"
	"github.com/mealplanner/authcore/internal/audit"
	"github.com/mealplanner/authcore/internal/flight"
	"github.com/mealplanner/authcore/internal/flows"
	"github.com/mealplanner/authcore/internal/rate"
	"github.com/mealplanner/authcore/jwt"
	"github.com/mealplanner/authcore/refresh"
)

// Engine issues, rotates, verifies and revokes credentials. It is safe for concurrent use
// after [Builder.Build].
type Engine struct {
	config  Config
	store   family.Store
	signer  *jwt.Signer
	limiter *rate.Limiter
	flights *flight.Arena[flows.RefreshResult]
	flows   flows.Service
	audit   *audit.Dispatcher
	metrics *Metrics
	log     *zap.Logger
	tracer  trace.Tracer
	closed  atomic.Bool
}

// TokenPair is the credential set handed to a client after login or refresh.
type TokenPair struct {
	FamilyID         string    `json:"family_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshSecret    string    `json:"refresh_secret"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	// Reserved is set when the pair was handed out again inside the grace window.
	Reserved bool `json:"reserved,omitempty"`
}

// Session is the result of a login.
type Session struct {
	TokenPair
	SubjectID string `json:"subject_id"`
	Role      string `json:"role"`
}

func (e *Engine) flowDeps() flows.Deps {
	refreshDeps := flows.RefreshDeps{
		Store:            e.store,
		IssueAccessToken: e.issueAccessToken,
		Logger:           e.log,
	}
	logoutDeps := flows.LogoutDeps{Store: e.store}
	if e.limiter != nil {
		refreshDeps.RateLimiter = e.limiter
		logoutDeps.ResetThrottle = e.limiter.Reset
	}

	return flows.Deps{
		Session: flows.SessionDeps{
			Store:            e.store,
			IssueAccessToken: e.issueAccessToken,
		},
		Refresh: refreshDeps,
		Verify: flows.VerifyDeps{
			ParseAccess: e.signer.Verify,
			Strict:      e.config.Security.StrictVerify,
			Store:       e.store,
		},
		Logout: logoutDeps,
	}
}

func (e *Engine) issueAccessToken(subjectID, role, familyID string) (string, time.Time, error) {
	token, claims, err := e.signer.Issue(subjectID, role, familyID)
	if err != nil {
		return "", time.Time{}, err
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return token, exp, nil
}

func (e *Engine) ready() error {
	if e == nil || !e.flows.Initialized() || e.closed.Load() {
		return ErrEngineNotReady
	}
	return nil
}

// Close flushes the audit buffer. The engine rejects calls afterwards.
func (e *Engine) Close() error {
	if e == nil || !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.audit.Close()
}

// AuditDropped returns how many audit events were dropped because the buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AuditDelivered returns how many audit events reached the sink.
func (e *Engine) AuditDelivered() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Delivered()
}

// RotationsInFlight returns how many families have a rotation running on this node.
func (e *Engine) RotationsInFlight() int {
	if e == nil || e.flights == nil {
		return 0
	}
	return e.flights.InFlight()
}

// MetricsSnapshot returns a copy of the in-process metrics.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) metricObserve(id MetricID, start time.Time) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Observe(id, time.Since(start))
}

/*
====================================
LOGIN
====================================
*/

// CreateSession starts a token family for an already authenticated subject.
func (e *Engine) CreateSession(ctx context.Context, subjectID, role string) (*Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "authcore.CreateSession",
		trace.WithAttributes(attribute.String("authcore.role", role)),
	)
	defer span.End()

	res := e.flows.CreateSession(ctx, subjectID, role)
	if res.Failure != flows.SessionFailureNone {
		err := sessionError(res)
		e.log.Error("authcore: create session failed",
			zap.String("subject_id", subjectID),
			zap.Error(res.Err),
		)
		e.emitAudit(ctx, AuditEvent{Action: AuditSessionCreated, SubjectID: subjectID, FamilyID: res.Family.ID, Role: role}, err)
		endSpan(span, err)
		return nil, err
	}

	pair, err := newTokenPair(res.Family.ID, res.AccessToken, res.AccessExpiresAt, res.RefreshSecret, res.Record.ExpiresAt)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("authcore.family_id", res.Family.ID))
	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, AuditEvent{
		Action:    AuditSessionCreated,
		SubjectID: res.Family.SubjectID,
		FamilyID:  res.Family.ID,
		Role:      res.Family.Role,
	}, nil)

	return &Session{
		TokenPair: pair,
		SubjectID: res.Family.SubjectID,
		Role:      res.Family.Role,
	}, nil
}

func sessionError(res flows.SessionResult) error {
	switch res.Failure {
	case flows.SessionFailureInvalidInput:
		return ErrInvalidSubject
	default:
		return fmt.Errorf("%w: %v", ErrTransient, res.Err)
	}
}

/*
====================================
REFRESH
====================================
*/

// Refresh exchanges a refresh secret for a new pair. Concurrent calls presenting the same secret
// for a family share one rotation and receive identical pairs.
func (e *Engine) Refresh(ctx context.Context, familyID, secret string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	presented, err := refresh.ParseSecret(secret)
	if err != nil || strings.TrimSpace(familyID) == "" {
		e.metricInc(MetricRefreshInvalid)
		e.emitAudit(ctx, AuditEvent{Action: AuditRefreshRejected, FamilyID: familyID, Detail: auditDetailMalformedSecret}, ErrTokenInvalid)
		return nil, ErrTokenInvalid
	}
	return e.refresh(ctx, familyID, presented)
}

// RefreshToken is [Engine.Refresh] for the combined opaque refresh token.
func (e *Engine) RefreshToken(ctx context.Context, token string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	t, err := refresh.DecodeToken(token)
	if err != nil {
		e.metricInc(MetricRefreshInvalid)
		e.emitAudit(ctx, AuditEvent{Action: AuditRefreshRejected, Detail: auditDetailDecodeFailed}, ErrTokenInvalid)
		return nil, ErrTokenInvalid
	}
	return e.refresh(ctx, t.FamilyID, t.Secret)
}

func (e *Engine) refresh(ctx context.Context, familyID string, presented refresh.Secret) (*TokenPair, error) {
	start := time.Now()
	defer e.metricObserve(MetricRefreshLatency, start)

	ctx, span := e.tracer.Start(ctx, "authcore.Refresh",
		trace.WithAttributes(attribute.String("authcore.family_id", familyID)),
	)
	defer span.End()

	res, shared, err := e.flights.Do(ctx, familyID, presented.Fingerprint(), func(fctx context.Context) (flows.RefreshResult, error) {
		res := e.flows.Refresh(fctx, familyID, presented)
		e.recordRefresh(fctx, res)
		return res, nil
	})
	if shared {
		e.metricInc(MetricRefreshCoalesced)
	}
	span.SetAttributes(attribute.Bool("authcore.coalesced", shared))
	if err != nil {
		if errors.Is(err, flight.ErrLockTimeout) {
			e.metricInc(MetricRefreshLockTimeout)
			e.log.Warn("authcore: refresh lock timeout",
				zap.String("family_id", familyID),
				zap.Duration("lock_ttl", e.flights.TTL()),
			)
		} else if !isContextErr(err) {
			e.log.Error("authcore: refresh flight failed",
				zap.String("family_id", familyID),
				zap.Error(err),
			)
		}
		e.metricInc(MetricRefreshTransient)
		endSpan(span, err)
		return nil, err
	}

	if err := refreshError(res); err != nil {
		span.SetAttributes(attribute.String("authcore.code", Code(err)))
		endSpan(span, err)
		return nil, err
	}

	pair, err := newTokenPair(res.FamilyID, res.AccessToken, res.AccessExpiresAt, res.RefreshSecret, res.RefreshExpiresAt)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	pair.Reserved = res.Reserved
	span.SetAttributes(attribute.Bool("authcore.reserved", res.Reserved))
	return &pair, nil
}

// recordRefresh runs once per flight, not once per coalesced caller.
func (e *Engine) recordRefresh(ctx context.Context, res flows.RefreshResult) {
	err := refreshError(res)
	switch res.Failure {
	case flows.RefreshFailureNone:
		if res.Reserved {
			e.metricInc(MetricRefreshGraceReserved)
			e.emitAudit(ctx, AuditEvent{Action: AuditRefreshGraceReserved, SubjectID: res.SubjectID, FamilyID: res.FamilyID, Role: res.Role}, nil)
			return
		}
		e.metricInc(MetricRefreshSuccess)
		e.emitAudit(ctx, AuditEvent{Action: AuditRefreshRotated, SubjectID: res.SubjectID, FamilyID: res.FamilyID, Role: res.Role}, nil)
	case flows.RefreshFailureRateLimited:
		e.metricInc(MetricRefreshRateLimited)
		e.emitAudit(ctx, AuditEvent{Action: AuditRefreshRejected, FamilyID: res.FamilyID}, err)
	case flows.RefreshFailureExpired:
		e.metricInc(MetricRefreshSessionExpired)
		e.emitAudit(ctx, AuditEvent{Action: AuditRefreshRejected, FamilyID: res.FamilyID}, err)
	case flows.RefreshFailureReuse:
		e.metricInc(MetricRefreshReuseDetected)
		if res.Revoked {
			e.metricInc(MetricSessionRevoked)
		}
		e.log.Warn("authcore: refresh token reuse detected",
			zap.String("family_id", res.FamilyID),
			zap.Bool("revoked", res.Revoked),
			zap.String("ip", clientIPFromContext(ctx)),
		)
		ev := AuditEvent{Action: AuditReuseDetected, FamilyID: res.FamilyID, RevokeReason: family.ReasonReuse}
		if res.Revoked {
			ev.Revoked = 1
		}
		e.emitAudit(ctx, ev, err)
	case flows.RefreshFailureRevoked:
		e.metricInc(MetricRefreshReuseDetected)
		e.log.Info("authcore: refresh on revoked family",
			zap.String("family_id", res.FamilyID),
			zap.String("reason", string(res.RevokeReason)),
		)
		e.emitAudit(ctx, AuditEvent{Action: AuditReuseDetected, FamilyID: res.FamilyID, RevokeReason: res.RevokeReason}, err)
	case flows.RefreshFailureStore, flows.RefreshFailureIssueAccess:
		e.metricInc(MetricRefreshTransient)
		e.log.Error("authcore: refresh failed",
			zap.String("family_id", res.FamilyID),
			zap.Error(res.Err),
		)
		e.emitAudit(ctx, AuditEvent{Action: AuditRefreshRejected, SubjectID: res.SubjectID, FamilyID: res.FamilyID, Role: res.Role}, err)
	}
}

func refreshError(res flows.RefreshResult) error {
	switch res.Failure {
	case flows.RefreshFailureNone:
		return nil
	case flows.RefreshFailureRateLimited:
		return ErrRefreshRateLimited
	case flows.RefreshFailureExpired:
		return ErrSessionExpired
	case flows.RefreshFailureReuse:
		return ErrReuseDetected
	case flows.RefreshFailureRevoked:
		if res.RevokeReason == family.ReasonLogout {
			return ErrSessionRevoked
		}
		return ErrReuseDetected
	case flows.RefreshFailureStore, flows.RefreshFailureIssueAccess:
		return fmt.Errorf("%w: %v", ErrTransient, res.Err)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, res.Err)
	}
}

func newTokenPair(familyID, access string, accessExp time.Time, secret refresh.Secret, refreshExp time.Time) (TokenPair, error) {
	token, err := refresh.Token{FamilyID: familyID, Secret: secret}.Encode()
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return TokenPair{
		FamilyID:         familyID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshSecret:    secret.String(),
		RefreshToken:     token,
		RefreshExpiresAt: refreshExp,
	}, nil
}

/*
====================================
VERIFY
====================================
*/

// Verify checks an access credential. It is stateless unless Security.StrictVerify is set.
func (e *Engine) Verify(ctx context.Context, accessToken string) (*jwt.Claims, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer e.metricObserve(MetricVerifyLatency, start)

	res := e.flows.Verify(ctx, accessToken)
	switch res.Failure {
	case flows.VerifyFailureNone:
		e.metricInc(MetricVerifySuccess)
		return res.Claims, nil
	case flows.VerifyFailureExpired:
		e.metricInc(MetricVerifyExpired)
		return nil, ErrTokenExpired
	case flows.VerifyFailureInvalid:
		e.metricInc(MetricVerifyInvalid)
		return nil, ErrTokenInvalid
	case flows.VerifyFailureRevoked:
		e.metricInc(MetricVerifyInvalid)
		if res.RevokeReason == family.ReasonLogout {
			return nil, ErrSessionRevoked
		}
		return nil, ErrReuseDetected
	default:
		e.log.Error("authcore: strict verify lookup failed", zap.Error(res.Err))
		return nil, fmt.Errorf("%w: %v", ErrTransient, res.Err)
	}
}

/*
====================================
LOGOUT
====================================
*/

// Revoke closes a family. It is idempotent; unknown families succeed.
func (e *Engine) Revoke(ctx context.Context, familyID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	ctx, span := e.tracer.Start(ctx, "authcore.Revoke",
		trace.WithAttributes(attribute.String("authcore.family_id", familyID)),
	)
	defer span.End()

	res := e.flows.Logout(ctx, familyID)
	if res.Err != nil {
		err := fmt.Errorf("%w: %v", ErrTransient, res.Err)
		e.log.Error("authcore: revoke failed", zap.String("family_id", familyID), zap.Error(res.Err))
		e.emitAudit(ctx, AuditEvent{Action: AuditSessionRevoked, FamilyID: familyID}, err)
		endSpan(span, err)
		return err
	}
	if res.Revoked {
		e.metricInc(MetricSessionRevoked)
	}
	span.SetAttributes(attribute.Bool("authcore.revoked", res.Revoked))
	ev := AuditEvent{Action: AuditSessionRevoked, FamilyID: familyID, RevokeReason: family.ReasonLogout}
	if res.Revoked {
		ev.Revoked = 1
	}
	e.emitAudit(ctx, ev, nil)
	return nil
}

// RevokeAll closes every family of subjectID and returns how many were transitioned.
func (e *Engine) RevokeAll(ctx context.Context, subjectID string) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	ctx, span := e.tracer.Start(ctx, "authcore.RevokeAll")
	defer span.End()

	n, err := e.flows.LogoutAll(ctx, subjectID)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrTransient, err)
		e.log.Error("authcore: revoke all failed", zap.String("subject_id", subjectID), zap.Error(err))
		e.emitAudit(ctx, AuditEvent{Action: AuditSubjectRevoked, SubjectID: subjectID}, err)
		endSpan(span, err)
		return n, err
	}
	for i := 0; i < n; i++ {
		e.metricInc(MetricSessionRevoked)
	}
	span.SetAttributes(attribute.Int("authcore.revoked", n))
	e.emitAudit(ctx, AuditEvent{
		Action:       AuditSubjectRevoked,
		SubjectID:    subjectID,
		RevokeReason: family.ReasonLogout,
		Revoked:      n,
	}, nil)
	return n, nil
}

// FamilyState reports the lifecycle state of a family. A family with a rotation in flight on
// this node reports Rotating.
func (e *Engine) FamilyState(ctx context.Context, familyID string) (family.State, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	fam, err := e.store.Get(ctx, familyID)
	if err != nil {
		if errors.Is(err, family.ErrFamilyNotFound) {
			return 0, ErrSessionExpired
		}
		return 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if !e.flights.Rotating(familyID) {
		return fam.State, nil
	}
	// Revoked stays terminal even with a flight still draining.
	if state, err := family.Transition(fam.State, family.EventBeginRotate); err == nil {
		return state, nil
	}
	return fam.State, nil
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, KindOf(err).String())
}
