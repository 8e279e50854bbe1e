package rate

import "errors"

var (
	// ErrRateLimited is returned when a family spent its refresh budget for the window.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps counter backend failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
