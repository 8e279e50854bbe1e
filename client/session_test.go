package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealplanner/authcore"
)

func TestSessionRefreshSingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	refresher := RefresherFunc(func(ctx context.Context, current authcore.TokenPair) (authcore.TokenPair, error) {
		calls.Add(1)
		<-release
		return authcore.TokenPair{AccessToken: current.AccessToken + "+1"}, nil
	})
	s := NewSession(refresher, initialPair())
	_, gen, err := s.Credentials()
	require.NoError(t, err)

	const waiters = 8
	var wg sync.WaitGroup
	results := make(chan string, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			creds, _, err := s.Refresh(context.Background(), gen)
			assert.NoError(t, err)
			results <- creds.AccessToken
		}()
	}

	require.Eventually(t, func() bool { return s.State() == StateRefreshing }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for token := range results {
		assert.Equal(t, "access-0+1", token)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateIdle, s.State())
}

func TestSessionStaleGenerationSkipsRefresh(t *testing.T) {
	var calls atomic.Int32
	refresher := RefresherFunc(func(context.Context, authcore.TokenPair) (authcore.TokenPair, error) {
		calls.Add(1)
		return authcore.TokenPair{AccessToken: "access-1"}, nil
	})
	s := NewSession(refresher, initialPair())
	_, gen, _ := s.Credentials()

	_, next, err := s.Refresh(context.Background(), gen)
	require.NoError(t, err)
	require.NotEqual(t, gen, next)

	creds, _, err := s.Refresh(context.Background(), gen)
	require.NoError(t, err)
	assert.Equal(t, "access-1", creds.AccessToken)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSessionCallerCancelDoesNotCancelRefresh(t *testing.T) {
	release := make(chan struct{})
	var refreshCtxErr atomic.Value
	refresher := RefresherFunc(func(ctx context.Context, _ authcore.TokenPair) (authcore.TokenPair, error) {
		<-release
		if err := ctx.Err(); err != nil {
			refreshCtxErr.Store(err)
		}
		return authcore.TokenPair{AccessToken: "access-1"}, nil
	})
	s := NewSession(refresher, initialPair())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := s.Refresh(ctx, 0)
		done <- err
	}()
	require.Eventually(t, func() bool { return s.State() == StateRefreshing }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, time.Millisecond)
	creds, _, err := s.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "access-1", creds.AccessToken)
	assert.Nil(t, refreshCtxErr.Load())
}

func TestSessionEndAndRestart(t *testing.T) {
	var ended atomic.Int32
	s := NewSession(nil, initialPair(), WithOnSessionEnded(func(error) { ended.Add(1) }))

	cause := errors.New("logout elsewhere")
	s.End(cause)
	s.End(cause)
	assert.Equal(t, int32(1), ended.Load())

	_, _, err := s.Credentials()
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.ErrorIs(t, err, cause)
	_, _, err = s.Refresh(context.Background(), 0)
	assert.ErrorIs(t, err, ErrSessionEnded)

	s.SetCredentials(authcore.TokenPair{AccessToken: "fresh"})
	creds, _, err := s.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "fresh", creds.AccessToken)
	assert.Equal(t, StateIdle, s.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "refreshing", StateRefreshing.String())
	assert.Equal(t, "ended", StateEnded.String())
	assert.Equal(t, "unknown", State(9).String())
}
