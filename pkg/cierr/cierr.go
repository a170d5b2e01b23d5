// Package cierr defines the stable, string-kinded error taxonomy used
// across build orchestration. Kinds are persisted on stage and build
// records and surfaced verbatim through the API, so their values must
// never change.
package cierr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of orchestration failure.
type Kind string

// Error kinds. These values are part of the persisted data contract.
const (
	KindCheckoutFailed       Kind = "checkout-failed"
	KindPipelineNotFound     Kind = "pipeline-not-found"
	KindPipelineInvalid      Kind = "pipeline-invalid"
	KindExpressionResolution Kind = "expression-resolution"
	KindMatrixExplosion      Kind = "matrix-explosion"
	KindDAGCycle             Kind = "dag-cycle"
	KindDAGUnresolved        Kind = "dag-unresolved"
	KindSecretMissing        Kind = "secret-missing"
	KindPolicyDenied         Kind = "policy-denied"
	KindApprovalRejected     Kind = "approval-rejected"
	KindApprovalTimeout      Kind = "approval-timeout"
	KindStepTimeout          Kind = "step-timeout"
	KindStepNonzeroExit      Kind = "step-nonzero-exit"
	KindStepAborted          Kind = "step-aborted"
	KindCacheIO              Kind = "cache-io"
	KindArtifactIO           Kind = "artifact-io"
	KindNoAgentAvailable     Kind = "no-agent-available"
	KindDispatchFailed       Kind = "dispatch-failed"
	KindBreakerOpen          Kind = "breaker-open"
	KindOrphaned             Kind = "orphaned"
	KindAgentAuthFailed      Kind = "agent-auth-failed"
	KindQueueStalled         Kind = "queue-stalled"
	KindStoreConflict        Kind = "store-conflict"
)

// Error couples a Kind with a human-readable detail and an optional cause.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

// New creates an Error with a formatted detail message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records cause for errors.Is/As traversal.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the Kind from err, walking the wrap chain.
// Returns empty Kind when err carries no taxonomy kind.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
