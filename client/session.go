package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mealplanner/authcore"
)

// State is the client session state.
type State int

const (
	StateIdle State = iota
	StateRefreshing
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Refresher exchanges the current credentials for new ones.
type Refresher interface {
	Refresh(ctx context.Context, current authcore.TokenPair) (authcore.TokenPair, error)
}

// RefresherFunc adapts a function to [Refresher].
type RefresherFunc func(ctx context.Context, current authcore.TokenPair) (authcore.TokenPair, error)

func (f RefresherFunc) Refresh(ctx context.Context, current authcore.TokenPair) (authcore.TokenPair, error) {
	return f(ctx, current)
}

// Option configures a [Session].
type Option func(*Session)

// WithOnSessionEnded registers fn to run once when the session ends. cause is the server error.
func WithOnSessionEnded(fn func(cause error)) Option {
	return func(s *Session) { s.onEnded = fn }
}

// WithRefreshTimeout bounds a single refresh call. It should match the server lock TTL.
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.refreshTimeout = d
		}
	}
}

const defaultRefreshTimeout = 8 * time.Second

// refreshCall is the single in-flight refresh future. Fields are written before done closes.
type refreshCall struct {
	done  chan struct{}
	creds authcore.TokenPair
	gen   uint64
	err   error
}

// Session holds the credentials of one logged-in client.
//
// Every credential change bumps a generation counter. A request remembers the generation it was
// sent with, so a 401 for a stale generation reuses the newer credentials instead of refreshing
// again.
type Session struct {
	refresher      Refresher
	onEnded        func(error)
	refreshTimeout time.Duration

	mu       sync.Mutex
	creds    authcore.TokenPair
	gen      uint64
	state    State
	inflight *refreshCall
	endCause error
}

// NewSession returns a session holding creds. An empty creds.AccessToken leaves it waiting
// for [Session.SetCredentials].
func NewSession(r Refresher, creds authcore.TokenPair, opts ...Option) *Session {
	s := &Session{
		refresher:      r,
		refreshTimeout: defaultRefreshTimeout,
		creds:          creds,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCredentials installs credentials after a login and reopens an ended session.
func (s *Session) SetCredentials(creds authcore.TokenPair) {
	s.mu.Lock()
	s.creds = creds
	s.gen++
	s.state = StateIdle
	s.endCause = nil
	s.mu.Unlock()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Credentials returns the current credentials and their generation.
func (s *Session) Credentials() (authcore.TokenPair, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEnded {
		return authcore.TokenPair{}, s.gen, s.endedErr()
	}
	if s.creds.AccessToken == "" {
		return authcore.TokenPair{}, s.gen, ErrNoCredentials
	}
	return s.creds, s.gen, nil
}

// Refresh returns credentials newer than seen. It joins the in-flight refresh if there is one,
// returns the current credentials if they already moved past seen, and otherwise starts exactly
// one refresh. ctx only bounds the wait; the refresh itself outlives the caller.
func (s *Session) Refresh(ctx context.Context, seen uint64) (authcore.TokenPair, uint64, error) {
	s.mu.Lock()
	switch {
	case s.state == StateEnded:
		err, gen := s.endedErr(), s.gen
		s.mu.Unlock()
		return authcore.TokenPair{}, gen, err
	case s.gen != seen && s.inflight == nil:
		creds, gen := s.creds, s.gen
		s.mu.Unlock()
		return creds, gen, nil
	}

	call := s.inflight
	if call == nil {
		call = &refreshCall{done: make(chan struct{})}
		s.inflight = call
		s.state = StateRefreshing
		go s.run(call, s.creds)
	}
	s.mu.Unlock()

	select {
	case <-call.done:
		return call.creds, call.gen, call.err
	case <-ctx.Done():
		return authcore.TokenPair{}, seen, ctx.Err()
	}
}

// End clears the credentials and fails all future calls with [ErrSessionEnded].
func (s *Session) End(cause error) {
	s.mu.Lock()
	fire := s.end(cause)
	s.mu.Unlock()
	fire()
}

func (s *Session) run(call *refreshCall, current authcore.TokenPair) {
	ctx, cancel := context.WithTimeout(context.Background(), s.refreshTimeout)
	defer cancel()

	next, err := s.refresher.Refresh(ctx, current)

	fire := func() {}
	s.mu.Lock()
	s.inflight = nil
	switch {
	case s.state == StateEnded:
		call.gen = s.gen
		call.err = s.endedErr()
	case err == nil:
		s.creds = next
		s.gen++
		s.state = StateIdle
		call.creds, call.gen = next, s.gen
	case endsSession(err):
		fire = s.end(err)
		call.gen = s.gen
		call.err = s.endedErr()
	default:
		s.state = StateIdle
		call.creds, call.gen = s.creds, s.gen
		call.err = err
	}
	s.mu.Unlock()

	fire()
	close(call.done)
}

// end must run with mu held. The returned func runs the callback outside the lock.
func (s *Session) end(cause error) func() {
	if s.state == StateEnded {
		return func() {}
	}
	s.state = StateEnded
	s.creds = authcore.TokenPair{}
	s.gen++
	s.endCause = cause

	onEnded := s.onEnded
	if onEnded == nil {
		return func() {}
	}
	return func() { onEnded(cause) }
}

func (s *Session) endedErr() error {
	if s.endCause == nil {
		return ErrSessionEnded
	}
	return fmt.Errorf("%w: %w", ErrSessionEnded, s.endCause)
}
