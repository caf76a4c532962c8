package core

import (
	"time"
)

// Retry defaults for starting an observation.
const (
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = 16 * time.Second
	DefaultMaxRetries     = 24
)

// RetryPolicy bounds how an observation attempt is retried.
type RetryPolicy struct {
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	MaxRetries int           `json:"max_retries"`
}

// DefaultRetryPolicy returns the 1s..16s, 24 attempt policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  DefaultRetryBaseDelay,
		MaxDelay:   DefaultRetryMaxDelay,
		MaxRetries: DefaultMaxRetries,
	}
}

// Backoff returns min(BaseDelay * 2^failedFor, MaxDelay).
func (p RetryPolicy) Backoff(failedFor int) time.Duration {
	base, ceil := p.BaseDelay, p.MaxDelay
	if base <= 0 {
		base = DefaultRetryBaseDelay
	}
	if ceil <= 0 {
		ceil = DefaultRetryMaxDelay
	}
	if failedFor < 0 {
		failedFor = 0
	}
	d := base
	for i := 0; i < failedFor; i++ {
		if d >= ceil {
			break
		}
		d *= 2
	}
	if d > ceil {
		d = ceil
	}
	return d
}

// Exhausted reports whether an attempt that has failed failedFor times may
// not be retried again.
func (p RetryPolicy) Exhausted(failedFor int) bool {
	max := p.MaxRetries
	if max <= 0 {
		max = DefaultMaxRetries
	}
	return failedFor >= max
}

// CalculateBackoff is Backoff on policy, falling back to the default policy
// when policy is nil.
func CalculateBackoff(policy *RetryPolicy, failedFor int) time.Duration {
	if policy == nil {
		return DefaultRetryPolicy().Backoff(failedFor)
	}
	return policy.Backoff(failedFor)
}
