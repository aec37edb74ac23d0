// Package pipeline defines the error taxonomy shared across every worker and
// service in the cognitive-triangulation pipeline.
package pipeline

import "fmt"

// Kind classifies a pipeline failure so that workers, the retry layer, and
// the incident recorder can each make the right decision without needing to
// inspect the underlying cause.
type Kind string

const (
	// KindTransient covers failures expected to succeed on retry: network
	// blips, LLM rate limits, database connection churn.
	KindTransient Kind = "transient"

	// KindPermanent covers failures that will never succeed no matter how
	// many times the job is retried: malformed input, a path outside the
	// run root, a schema violation. Routed straight to the DLQ.
	KindPermanent Kind = "permanent"

	// KindLogical covers internal inconsistencies that indicate a bug or a
	// violated invariant, not a data problem: a manifest missing when it
	// should exist, a relationship hash with zero evidence.
	KindLogical Kind = "logical"

	// KindConflict covers reconciliation outcomes where evidence legitimately
	// disagrees (hasConflict = true). Not an error in the traditional sense;
	// it is a terminal relationship status that still warrants an incident
	// record for human review.
	KindConflict Kind = "conflict"
)

// Error is the structured error type every pipeline component returns
// instead of bare errors, so that callers can branch on Kind without string
// matching.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a worker should retry the job that produced
// this error. Only transient failures are retryable; everything else is
// either permanent (DLQ) or requires human attention (logical/conflict).
func (e *Error) IsRetryable() bool {
	return e.Kind == KindTransient
}

// Transient wraps cause as a retryable pipeline error.
func Transient(component, message string, cause error) *Error {
	return &Error{Kind: KindTransient, Component: component, Message: message, Cause: cause}
}

// Permanent wraps cause as a non-retryable pipeline error, routed to the DLQ.
func Permanent(component, message string, cause error) *Error {
	return &Error{Kind: KindPermanent, Component: component, Message: message, Cause: cause}
}

// Logical wraps cause as an internal-inconsistency error.
func Logical(component, message string, cause error) *Error {
	return &Error{Kind: KindLogical, Component: component, Message: message, Cause: cause}
}

// Conflict constructs a non-error outcome marker for a reconciliation
// conflict, carried through the same type so incident recording stays
// uniform across all four kinds.
func Conflict(component, message string) *Error {
	return &Error{Kind: KindConflict, Component: component, Message: message}
}

// AsError unwraps err looking for a *Error, returning (err, true) if found.
func AsError(err error) (*Error, bool) {
	pe, ok := err.(*Error)
	if ok {
		return pe, true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return AsError(u.Unwrap())
	}
	return nil, false
}
