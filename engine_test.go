package authcore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mealplanner/authcore/family"
	"github.com/mealplanner/authcore/refresh"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingStore counts rotations and can hold every Rotate until gate is closed.
type countingStore struct {
	family.Store
	gate        chan struct{}
	rotateCalls atomic.Int32
	rotations   atomic.Int32
}

func (s *countingStore) Rotate(ctx context.Context, familyID string, presented refresh.Secret) (family.Family, family.Record, refresh.Secret, error) {
	s.rotateCalls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	fam, rec, next, err := s.Store.Rotate(ctx, familyID, presented)
	if err == nil {
		s.rotations.Add(1)
	}
	return fam, rec, next, err
}

type harness struct {
	engine *Engine
	mr     *miniredis.Miniredis
	clock  *testClock
	store  *countingStore
}

func newHarness(t *testing.T, mutate func(*Config), opts ...func(*Builder)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	clock := &testClock{now: time.Now()}
	sealer, err := refresh.NewSealer(cfg.Refresh.SealKey)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	rs, err := family.NewRedisStore(rdb, cfg.Refresh.RedisPrefix, family.Config{
		RefreshTTL:  cfg.Refresh.RefreshTTL,
		GraceWindow: cfg.Refresh.GraceWindow,
		Retention:   cfg.Refresh.FamilyRetention,
		Sealer:      sealer,
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	store := &countingStore{Store: rs}

	b := New().WithConfig(cfg).WithRedis(rdb).WithStore(store)
	for _, opt := range opts {
		opt(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	return &harness{engine: engine, mr: mr, clock: clock, store: store}
}

func (h *harness) login(t *testing.T) *Session {
	t.Helper()
	sess, err := h.engine.CreateSession(context.Background(), "user-1", "customer")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestCreateSessionAndVerify(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.login(t)

	if sess.FamilyID == "" || sess.AccessToken == "" || sess.RefreshSecret == "" || sess.RefreshToken == "" {
		t.Fatalf("incomplete session: %+v", sess)
	}
	if !sess.AccessExpiresAt.After(time.Now()) || !sess.RefreshExpiresAt.After(sess.AccessExpiresAt) {
		t.Fatalf("unexpected expiries: access=%v refresh=%v", sess.AccessExpiresAt, sess.RefreshExpiresAt)
	}

	claims, err := h.engine.Verify(context.Background(), sess.AccessToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.SubjectID() != "user-1" || claims.Role != "customer" || claims.FamilyID != sess.FamilyID {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := h.engine.Verify(context.Background(), sess.AccessToken+"x"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}

	state, err := h.engine.FamilyState(context.Background(), sess.FamilyID)
	if err != nil || state != family.StateActive {
		t.Fatalf("expected active family, got %v err=%v", state, err)
	}
}

func TestCreateSessionRejectsEmptySubject(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.CreateSession(context.Background(), " ", "customer")
	if !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("expected ErrInvalidSubject, got %v", err)
	}
	if Code(err) != CodeInvalidRequest || HTTPStatus(err) != 400 {
		t.Fatalf("unexpected mapping %s/%d", Code(err), HTTPStatus(err))
	}
}

func TestRefreshRotates(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.login(t)

	pair, err := h.engine.Refresh(context.Background(), sess.FamilyID, sess.RefreshSecret)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if pair.RefreshSecret == sess.RefreshSecret || pair.Reserved {
		t.Fatalf("expected a fresh rotation, got %+v", pair)
	}
	if pair.FamilyID != sess.FamilyID {
		t.Fatalf("family changed: %s", pair.FamilyID)
	}
	if _, err := h.engine.Verify(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("verify refreshed access: %v", err)
	}

	next, err := h.engine.RefreshToken(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh by token: %v", err)
	}
	if next.RefreshSecret == pair.RefreshSecret {
		t.Fatal("combined token refresh must rotate")
	}
}

func TestRefreshMalformedInput(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.login(t)

	if _, err := h.engine.Refresh(context.Background(), sess.FamilyID, "not-a-secret"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
	if _, err := h.engine.RefreshToken(context.Background(), "garbage"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
	if h.store.rotateCalls.Load() != 0 {
		t.Fatal("malformed input must not reach the store")
	}
}

func TestConcurrentRefreshSingleRotation(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.login(t)
	h.store.gate = make(chan struct{})

	const n = 16
	var wg sync.WaitGroup
	pairs := make(chan *TokenPair, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pair, err := h.engine.Refresh(context.Background(), sess.FamilyID, sess.RefreshSecret)
			if err != nil {
				errs <- err
				return
			}
			pairs <- pair
		}()
	}
	time.Sleep(50 * time.Millisecond)
	if state, err := h.engine.FamilyState(context.Background(), sess.FamilyID); err != nil || state != family.StateRotating {
		t.Fatalf("expected rotating while the rotation is held, got %s err=%v", state, err)
	}
	close(h.store.gate)
	wg.Wait()
	close(pairs)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected refresh error: %v", err)
	}
	var first *TokenPair
	count := 0
	for p := range pairs {
		count++
		if first == nil {
			first = p
			continue
		}
		if p.RefreshSecret != first.RefreshSecret || p.RefreshToken != first.RefreshToken {
			t.Fatal("all callers must receive the same refresh credential")
		}
		if p.AccessToken != first.AccessToken || !p.AccessExpiresAt.Equal(first.AccessExpiresAt) {
			t.Fatal("all callers must receive the same access credential")
		}
	}
	if first.RefreshSecret == sess.RefreshSecret {
		t.Fatal("the shared pair must carry a rotated secret")
	}
	if count != n {
		t.Fatalf("expected %d pairs, got %d", n, count)
	}
	if got := h.store.rotations.Load(); got != 1 {
		t.Fatalf("expected exactly one rotation, got %d", got)
	}
}

func TestRefreshWithinGraceReservesCurrentPair(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.login(t)

	first, err := h.engine.Refresh(context.Background(), sess.FamilyID, sess.RefreshSecret)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	h.clock.Advance(10 * time.Second)

	again, err := h.engine.Refresh(context.Background(), sess.FamilyID, sess.RefreshSecret)
	if err != nil {
		t.Fatalf("grace refresh: %v", err)
	}
	if !again.Reserved || again.RefreshSecret != first.RefreshSecret {
		t.Fatalf("expected the current pair to be re-served, got %+v", again)
	}
	if got := h.store.rotations.Load(); got != 1 {
		t.Fatalf("grace re-serve must not rotate, got %d rotations", got)
	}
	state, _ := h.engine.FamilyState(context.Background(), sess.FamilyID)
	if state != family.StateActive {
		t.Fatalf("family must stay active, got %v", state)
	}
}

func TestRefreshPastGraceRevokes(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := newHarness(t, nil, func(b *Builder) { b.WithLogger(zap.New(core)) })
	sess := h.login(t)

	first, err := h.engine.Refresh(context.Background(), sess.FamilyID, sess.RefreshSecret)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	h.clock.Advance(15 * time.Second)

	_, err = h.engine.Refresh(context.Background(), sess.FamilyID, sess.RefreshSecret)
	if !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected, got %v", err)
	}
	if KindOf(err) != KindReuseDetected || Code(err) != CodeReuseDetected || HTTPStatus(err) != 401 {
		t.Fatalf("unexpected mapping for %v", err)
	}
	state, _ := h.engine.FamilyState(context.Background(), sess.FamilyID)
	if state != family.StateRevoked {
		t.Fatalf("expected revoked family, got %v", state)
	}

	// The formerly valid current secret is dead too.
	if _, err := h.engine.Refresh(context.Background(), sess.FamilyID, first.RefreshSecret); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected for current secret after revoke, got %v", err)
	}
	if logs.FilterMessage("authcore: refresh token reuse detected").Len() != 1 {
		t.Fatalf("expected one reuse warning, got %d", logs.Len())
	}
}

func TestRefreshUnknownSecretRevokes(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.login(t)

	stolen, _ := refresh.NewSecret()
	if _, err := h.engine.Refresh(context.Background(), sess.FamilyID, stolen.String()); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected, got %v", err)
	}
	if _, err := h.engine.Refresh(context.Background(), sess.FamilyID, sess.RefreshSecret); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected revoked family to reject its current secret, got %v", err)
	}
}

func TestRefreshExpiredSession(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.login(t)

	h.clock.Advance(30*24*time.Hour + time.Second)
	_, err := h.engine.Refresh(context.Background(), sess.FamilyID, sess.RefreshSecret)
	if !errors.Is(err, ErrSessionExpired) || Code(err) != CodeSessionExpired {
		t.Fatalf("expected SESSION_EXPIRED, got %v", err)
	}

	secret, _ := refresh.NewSecret()
	if _, err := h.engine.Refresh(context.Background(), "00000000-0000-4000-8000-000000000000", secret.String()); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("unknown family: expected ErrSessionExpired, got %v", err)
	}
}

func TestRevokeIsIdempotentAndReportsLogout(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.login(t)

	if err := h.engine.Revoke(context.Background(), sess.FamilyID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := h.engine.Revoke(context.Background(), sess.FamilyID); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if err := h.engine.Revoke(context.Background(), "missing"); err != nil {
		t.Fatalf("revoke unknown: %v", err)
	}

	_, err := h.engine.Refresh(context.Background(), sess.FamilyID, sess.RefreshSecret)
	if !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
	if KindOf(err) != KindReuseDetected || Code(err) != CodeSessionRevoked {
		t.Fatalf("unexpected mapping %v/%s", KindOf(err), Code(err))
	}
}

func TestRevokeAll(t *testing.T) {
	h := newHarness(t, nil)
	a := h.login(t)
	b := h.login(t)

	n, err := h.engine.RevokeAll(context.Background(), "user-1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 revocations, got %d err=%v", n, err)
	}
	for _, s := range []*Session{a, b} {
		state, _ := h.engine.FamilyState(context.Background(), s.FamilyID)
		if state != family.StateRevoked {
			t.Fatalf("family %s not revoked", s.FamilyID)
		}
	}
}

func TestStrictVerifyRejectsRevokedFamily(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Security.StrictVerify = true })
	sess := h.login(t)

	if _, err := h.engine.Verify(context.Background(), sess.AccessToken); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := h.engine.Revoke(context.Background(), sess.FamilyID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := h.engine.Verify(context.Background(), sess.AccessToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
}

func TestRefreshRateLimited(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Security.MaxRefreshAttempts = 2 })
	sess := h.login(t)

	secret := sess.RefreshSecret
	for i := 0; i < 2; i++ {
		pair, err := h.engine.Refresh(context.Background(), sess.FamilyID, secret)
		if err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
		secret = pair.RefreshSecret
	}
	_, err := h.engine.Refresh(context.Background(), sess.FamilyID, secret)
	if !errors.Is(err, ErrRefreshRateLimited) {
		t.Fatalf("expected ErrRefreshRateLimited, got %v", err)
	}
	if KindOf(err) != KindTransient || Code(err) != CodeRateLimited || HTTPStatus(err) != 429 {
		t.Fatalf("unexpected mapping for %v", err)
	}
	state, _ := h.engine.FamilyState(context.Background(), sess.FamilyID)
	if state != family.StateActive {
		t.Fatal("throttling must not revoke")
	}
}

func TestRefreshStoreOutageIsTransient(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.login(t)

	h.mr.Close()
	_, err := h.engine.Refresh(context.Background(), sess.FamilyID, sess.RefreshSecret)
	if KindOf(err) != KindTransient || Code(err) != CodeTransientFailure || HTTPStatus(err) != 503 {
		t.Fatalf("expected transient failure, got %v", err)
	}

	if err := h.mr.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	pair, err := h.engine.Refresh(context.Background(), sess.FamilyID, sess.RefreshSecret)
	if err != nil || pair.Reserved {
		t.Fatalf("outage must leave the family untouched, got %+v err=%v", pair, err)
	}
}

func TestEngineMetricsAuditAndSpans(t *testing.T) {
	sink := NewChannelSink(64)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	h := newHarness(t, func(c *Config) {
		c.Audit.Enabled = true
		c.Metrics.Enabled = true
	}, func(b *Builder) {
		b.WithAuditSink(sink).WithTracerProvider(tp)
	})
	sess := h.login(t)

	if _, err := h.engine.Refresh(context.Background(), sess.FamilyID, sess.RefreshSecret); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	h.clock.Advance(time.Minute)
	_, _ = h.engine.Refresh(context.Background(), sess.FamilyID, sess.RefreshSecret)

	snap := h.engine.MetricsSnapshot()
	if snap.Counters[MetricSessionCreated] != 1 || snap.Counters[MetricRefreshSuccess] != 1 || snap.Counters[MetricRefreshReuseDetected] != 1 {
		t.Fatalf("unexpected counters: %+v", snap.Counters)
	}
	if snap.Counters[MetricSessionRevoked] != 1 {
		t.Fatalf("reuse revocation not counted: %+v", snap.Counters)
	}

	if err := h.engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	var types []AuditAction
	var reuse AuditEvent
	for len(sink.Events()) > 0 {
		ev := <-sink.Events()
		types = append(types, ev.Action)
		if ev.Action == AuditReuseDetected {
			reuse = ev
		}
	}
	want := []AuditAction{AuditSessionCreated, AuditRefreshRotated, AuditReuseDetected}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}
	if reuse.Code != Code(ErrReuseDetected) || reuse.RevokeReason != family.ReasonReuse || reuse.Revoked != 1 || reuse.Success() {
		t.Fatalf("unexpected reuse event: %+v", reuse)
	}

	names := map[string]int{}
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	if names["authcore.CreateSession"] != 1 || names["authcore.Refresh"] != 2 {
		t.Fatalf("unexpected spans: %v", names)
	}

	if _, err := h.engine.Refresh(context.Background(), sess.FamilyID, sess.RefreshSecret); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("closed engine must reject calls, got %v", err)
	}
}

func TestBuilder(t *testing.T) {
	if _, err := New().Build(); err == nil {
		t.Fatal("expected error without redis or store")
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	b := New().WithRedis(rdb)
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer engine.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("builder must be single use")
	}

	report := engine.SecurityReport()
	if report.SigningAlgorithm != "ed25519" || !report.RefreshThrottleActive || report.GraceWindow != 15*time.Second {
		t.Fatalf("unexpected report: %+v", report)
	}

	bad := DefaultConfig()
	bad.Refresh.SealKey = []byte("short")
	if _, err := New().WithConfig(bad).WithRedis(rdb).Build(); err == nil {
		t.Fatal("expected invalid seal key to fail build")
	}
}
