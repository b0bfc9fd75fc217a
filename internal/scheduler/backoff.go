package scheduler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// BackoffPolicy computes jittered exponential retry delays.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// NewBackoffPolicy builds a policy with sane defaults.
func NewBackoffPolicy(base, maxDelay time.Duration) BackoffPolicy {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return BackoffPolicy{Base: base, Max: maxDelay}
}

// Delay returns the wait before the given retry (1-based). Half the delay is
// deterministic, half is random jitter, so synchronized failures spread out.
func (p BackoffPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := float64(p.Base) * math.Pow(2, float64(retry-1))
	if delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	half := time.Duration(delay) / 2
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
