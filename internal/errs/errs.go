// Package errs defines the error taxonomy crossing the core's boundary
// (spec §7). Errors are kinds, not exhaustive types: each kind is a
// sentinel wrapped with github.com/pkg/errors so callers can both
// errors.Is against the kind and inspect the wrapped context.
package errs

import "github.com/pkg/errors"

// Kind classifies an error for the purposes of retry/propagation policy.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindConditional   Kind = "conditional"
	KindTransport     Kind = "transport"
	KindAuthorization Kind = "authorization"
	KindFatal         Kind = "fatal"
)

// Sentinels. Code should compare with errors.Is, never string matching.
var (
	// Validation — raised locally, before log submission, never enter the log.
	ErrInvalidKey              = errors.New("invalid key")
	ErrBatchTooLarge           = errors.New("batch too large")
	ErrInvalidTTL              = errors.New("invalid ttl")
	ErrInvalidOperationFormat  = errors.New("invalid operation format")
	ErrMissingCondition        = errors.New("missing condition")
	ErrConflictingConditions   = errors.New("conflicting conditions")

	// Conditional — returned from the state machine as part of a normal commit.
	ErrNotFound        = errors.New("not found")
	ErrConditionFailed = errors.New("condition failed")

	// Transport — returned by the consensus layer; callers may retry.
	ErrTimeout         = errors.New("timeout")
	ErrClusterNotReady = errors.New("cluster not ready")
	ErrNotLeader       = errors.New("not leader")

	// Authorization — raised by the host's auth layer, never by this core.
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Fatal — treated as a crash; the node must not continue to apply.
	ErrCorruptState           = errors.New("corrupt state")
	ErrMalformedEncoding      = errors.New("malformed encoding")
	ErrSnapshotIntegrityFail  = errors.New("snapshot integrity failure")
)

// KindOf reports the taxonomy kind of a sentinel, for logging/metrics.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrBatchTooLarge),
		errors.Is(err, ErrInvalidTTL), errors.Is(err, ErrInvalidOperationFormat),
		errors.Is(err, ErrMissingCondition), errors.Is(err, ErrConflictingConditions):
		return KindValidation
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConditionFailed):
		return KindConditional
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrClusterNotReady), errors.Is(err, ErrNotLeader):
		return KindTransport
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return KindAuthorization
	case errors.Is(err, ErrCorruptState), errors.Is(err, ErrMalformedEncoding), errors.Is(err, ErrSnapshotIntegrityFail):
		return KindFatal
	default:
		return ""
	}
}

// IsFatal reports whether err belongs to the Fatal kind: the host must
// treat it as a crash, not a retryable failure.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}
