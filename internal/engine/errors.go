package engine

import (
	"errors"
	"fmt"
)

// Resource availability errors from the proxy pool. Exhausted is transient
// (retry after backoff); empty is terminal for the job.
var (
	ErrProxyExhausted = errors.New("proxy pool exhausted")
	ErrProxyPoolEmpty = errors.New("proxy pool empty")
)

// Fetch-layer errors. These are the only error shapes the executor surfaces;
// raw transport errors are always translated into one of them.
var (
	ErrFetchTimeout    = errors.New("fetch timeout")
	ErrFetchConnection = errors.New("fetch connection error")
	ErrFetchBlocked    = errors.New("fetch blocked by anti-bot measures")
)

// ErrNotFound is returned by stores for missing jobs, templates, proxies
// and results.
var ErrNotFound = errors.New("not found")

// Scheduler-level terminal errors.
var (
	ErrDependencyFailed   = errors.New("blocking dependency failed")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrJobCancelled       = errors.New("job cancelled")
	ErrDependencyCycle    = errors.New("dependency cycle detected")
)

// HTTPError wraps a non-success status code from a fetch.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch http error: status %d", e.StatusCode)
}

// Retryable reports whether the scheduler should spend retry budget on err.
// Blocked fetches are retryable too, after the anti-bot level escalates.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrProxyPoolEmpty),
		errors.Is(err, ErrDependencyFailed),
		errors.Is(err, ErrJobCancelled),
		errors.Is(err, ErrMaxRetriesExceeded):
		return false
	default:
		return true
	}
}
