// Package faults is the error taxonomy for the orchestration core. Every
// raised failure carries a kind, a retryability flag, a stable code, and
// structured context. The activity layer consults the taxonomy to decide
// continued retry; workflow code consults it to decide whether to compensate
// or re-raise.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure. Business, validation, and compliance kinds are
// non-retryable by construction; external-service and timeout kinds are
// retryable unless explicitly marked otherwise.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindAuthorization      Kind = "authorization"
	KindComplianceBlocked  Kind = "compliance_blocked"
	KindInsufficientFunds  Kind = "insufficient_funds"
	KindExternalService    Kind = "external_service"
	KindTimeout            Kind = "timeout"
	KindCompensationFailed Kind = "compensation_failed"
)

// Fault is the concrete taxonomy error. Construct via the helpers below so the
// retryable flag stays consistent with the kind.
type Fault struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	// Provider names the external service for KindExternalService faults.
	Provider string
	At       time.Time
	Context  map[string]any
	Err      error
}

func (f *Fault) Error() string {
	switch {
	case f.Provider != "" && f.Err != nil:
		return fmt.Sprintf("%s [%s/%s]: %s: %v", f.Kind, f.Provider, f.Code, f.Message, f.Err)
	case f.Err != nil:
		return fmt.Sprintf("%s [%s]: %s: %v", f.Kind, f.Code, f.Message, f.Err)
	default:
		return fmt.Sprintf("%s [%s]: %s", f.Kind, f.Code, f.Message)
	}
}

func (f *Fault) Unwrap() error { return f.Err }

// With attaches a structured context entry and returns the fault for chaining.
func (f *Fault) With(key string, value any) *Fault {
	if f.Context == nil {
		f.Context = make(map[string]any)
	}
	f.Context[key] = value
	return f
}

// MarkNonRetryable overrides the default retryability, e.g. a provider
// returning a permanent failure on an otherwise retryable channel.
func (f *Fault) MarkNonRetryable() *Fault {
	f.Retryable = false
	return f
}

func newFault(kind Kind, code, msg string, retryable bool) *Fault {
	return &Fault{Kind: kind, Code: code, Message: msg, Retryable: retryable, At: time.Now()}
}

// Validation reports malformed or disallowed input. Never retried.
func Validation(code, msg string) *Fault {
	return newFault(KindValidation, code, msg, false)
}

// Authorization reports a permission failure, e.g. an upgrade path the current
// tier does not allow. Never retried.
func Authorization(code, msg string) *Fault {
	return newFault(KindAuthorization, code, msg, false)
}

// ComplianceBlocked reports a sanctions match, adverse background result, or
// similar regulatory stop. Never retried.
func ComplianceBlocked(code, msg string) *Fault {
	return newFault(KindComplianceBlocked, code, msg, false)
}

// InsufficientFunds reports a funding shortfall on a banking operation.
func InsufficientFunds(code, msg string) *Fault {
	return newFault(KindInsufficientFunds, code, msg, false)
}

// External wraps a provider failure. Retryable by default; use
// MarkNonRetryable for permanent provider rejections.
func External(provider, code, msg string, err error) *Fault {
	f := newFault(KindExternalService, code, msg, true)
	f.Provider = provider
	f.Err = err
	return f
}

// Timeout reports an exceeded wait deadline. A human-gated wait expiring is a
// normal control-flow outcome; the fault exists so the state machine can route
// it to the expired terminal state. Retryable at the activity layer only.
func Timeout(operation string, elapsed time.Duration) *Fault {
	f := newFault(KindTimeout, "timeout", fmt.Sprintf("%s exceeded deadline", operation), true)
	return f.With("operation", operation).With("elapsed", elapsed.String())
}

// CompensationFailure records one failed undo action inside a compensation run.
type CompensationFailure struct {
	Name string
	Err  error
}

// CompensationFailed embeds the original failure plus every compensation
// attempt that itself failed. Deliberately terminal and non-retryable:
// automatic re-compensation of a failed compensation is unsafe, so the
// instance is handed to an operator.
func CompensationFailed(original error, failures []CompensationFailure) *Fault {
	f := newFault(KindCompensationFailed, "compensation_failed",
		fmt.Sprintf("%d compensation action(s) failed", len(failures)), false)
	f.Err = original
	names := make([]string, 0, len(failures))
	for _, cf := range failures {
		names = append(names, cf.Name)
		f.With("compensation."+cf.Name, cf.Err.Error())
	}
	return f.With("failed_compensations", names)
}

// KindOf returns the taxonomy kind of err, or "" if err carries no Fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsRetryable reports whether the failure may be attempted again. Errors
// outside the taxonomy (raw transport errors, context deadline) are treated as
// retryable; classification happens at the call site that wraps them.
func IsRetryable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable
	}
	return true
}

// AsFault extracts the Fault from err's chain if present.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	ok := errors.As(err, &f)
	return f, ok
}
