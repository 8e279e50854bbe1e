package flight

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrLockTimeout is returned when a caller waited longer than the lease budget for its flight.
var ErrLockTimeout = errors.New("flight: lock timeout")

// Arena holds the in-flight attempts and family leases.
type Arena[T any] struct {
	group singleflight.Group
	ttl   time.Duration

	mu     sync.Mutex
	leases map[string]*lease
}

type lease struct {
	expires  time.Time
	released chan struct{}
	once     sync.Once
}

func (l *lease) release() {
	l.once.Do(func() { close(l.released) })
}

// New creates an [Arena] whose leases and attempts are bounded by ttl.
func New[T any](ttl time.Duration) *Arena[T] {
	return &Arena[T]{
		ttl:    ttl,
		leases: make(map[string]*lease),
	}
}

// TTL returns the lease duration.
func (a *Arena[T]) TTL() time.Duration {
	return a.ttl
}

// Do runs fn for (familyID, fingerprint) unless an identical flight is already running, in which
// case it waits for that flight. shared reports whether the result was handed to more than one
// caller.
//
// fn runs under the family lease on a context detached from the caller's cancellation and
// bounded by the lease TTL. Cancelling ctx only stops this caller from waiting.
func (a *Arena[T]) Do(
	ctx context.Context,
	familyID string,
	fingerprint [32]byte,
	fn func(context.Context) (T, error),
) (v T, shared bool, err error) {
	key := familyID + "\x00" + hex.EncodeToString(fingerprint[:])
	runCtx := context.WithoutCancel(ctx)

	ch := a.group.DoChan(key, func() (interface{}, error) {
		release, err := a.acquire(familyID)
		if err != nil {
			var zero T
			return zero, err
		}
		defer release()

		fctx, cancel := context.WithTimeout(runCtx, a.ttl)
		defer cancel()
		return fn(fctx)
	})

	// Lease wait and run budget are each bounded by ttl.
	timer := time.NewTimer(2 * a.ttl)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		v, _ = res.Val.(T)
		return v, res.Shared, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	case <-timer.C:
		a.group.Forget(key)
		return v, false, ErrLockTimeout
	}
}

// InFlight returns the number of families holding a live lease.
func (a *Arena[T]) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	n := 0
	for _, l := range a.leases {
		if now.Before(l.expires) {
			n++
		}
	}
	return n
}

// Rotating reports whether a live lease is held for familyID.
func (a *Arena[T]) Rotating(familyID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.leases[familyID]
	return ok && time.Now().Before(l.expires)
}

func (a *Arena[T]) acquire(familyID string) (func(), error) {
	deadline := time.Now().Add(a.ttl)
	for {
		now := time.Now()

		a.mu.Lock()
		held, ok := a.leases[familyID]
		if ok && !now.Before(held.expires) {
			delete(a.leases, familyID)
			held.release()
			ok = false
		}
		if !ok {
			l := &lease{
				expires:  now.Add(a.ttl),
				released: make(chan struct{}),
			}
			a.leases[familyID] = l
			a.mu.Unlock()
			return func() { a.release(familyID, l) }, nil
		}
		a.mu.Unlock()

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return nil, ErrLockTimeout
		}
		wait := held.expires.Sub(now)
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-held.released:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (a *Arena[T]) release(familyID string, l *lease) {
	a.mu.Lock()
	if a.leases[familyID] == l {
		delete(a.leases, familyID)
	}
	a.mu.Unlock()
	l.release()
}
