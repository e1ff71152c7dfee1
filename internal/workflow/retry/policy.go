// Package retry holds the named retry policy catalog consumed by the activity
// invocation layer. Selection is per call site: financial or compliance-critical
// calls use Critical, pure reads use Default, third-party verification polling
// uses ExternalAPI.
package retry

import (
	"time"

	"veriflow/pkg/faults"
)

// Policy describes backoff behavior for repeated attempts of one operation.
type Policy struct {
	Name               string
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int
	// NonRetryableKinds are never retried regardless of attempt count,
	// on top of the taxonomy's own retryable flag.
	NonRetryableKinds []faults.Kind
}

// Default suits idempotent reads and low-stakes writes.
func Default() Policy {
	return Policy{
		Name:               "default",
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    3,
	}
}

// Critical suits financial and compliance-critical operations: more attempts,
// faster first retry, and an explicit exclusion of business errors.
func Critical() Policy {
	return Policy{
		Name:               "critical",
		InitialInterval:    500 * time.Millisecond,
		BackoffCoefficient: 2,
		MaximumInterval:    60 * time.Second,
		MaximumAttempts:    5,
		NonRetryableKinds:  []faults.Kind{faults.KindValidation, faults.KindAuthorization},
	}
}

// ExternalAPI suits third-party verification providers, which rate-limit and
// flake more than they hard-fail.
func ExternalAPI() Policy {
	return Policy{
		Name:               "external_api",
		InitialInterval:    2 * time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    4,
	}
}

// Idempotent suits keyed operations that are safe to hammer until they stick.
func Idempotent() Policy {
	return Policy{
		Name:               "idempotent",
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    120 * time.Second,
		MaximumAttempts:    10,
	}
}

// NoRetry runs exactly one attempt.
func NoRetry() Policy {
	return Policy{
		Name:               "no_retry",
		InitialInterval:    time.Second,
		BackoffCoefficient: 1,
		MaximumInterval:    time.Second,
		MaximumAttempts:    1,
	}
}

// BackoffFor returns the sleep before the given retry. attempt is 1-based and
// names the attempt that just failed, so BackoffFor(1) is the delay before the
// second call. The result is non-decreasing and capped at MaximumInterval.
func (p Policy) BackoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialInterval)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffCoefficient
		if time.Duration(d) >= p.MaximumInterval {
			return p.MaximumInterval
		}
	}
	if time.Duration(d) > p.MaximumInterval {
		return p.MaximumInterval
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt is allowed after the given
// failure. attempt is the 1-based number of the attempt that just failed.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaximumAttempts {
		return false
	}
	if !faults.IsRetryable(err) {
		return false
	}
	kind := faults.KindOf(err)
	for _, excluded := range p.NonRetryableKinds {
		if kind == excluded {
			return false
		}
	}
	return true
}
