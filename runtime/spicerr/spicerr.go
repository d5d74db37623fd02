// Package spicerr defines the error taxonomy shared by the graph runtime and
// the event bus. Every failure surfaced by the runtime is an *Error carrying a
// stable machine-readable code, a classification kind, an optional cause, and
// a free-form context map. Errors are comparable with errors.Is/errors.As and
// wrap their causes so call sites can unwrap transport-level failures.
package spicerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the closed taxonomy categories.
type Kind string

const (
	// KindValidation covers malformed input, schema violations, and invariant
	// breaches detected before execution proceeds.
	KindValidation Kind = "validation"
	// KindExecution covers failures raised while a node or backend operation
	// was executing.
	KindExecution Kind = "execution"
	// KindTool covers failures raised by tool implementations.
	KindTool Kind = "tool"
	// KindRouting covers graph routing failures (no matching edge or decision
	// target).
	KindRouting Kind = "routing"
	// KindAgent covers failures raised by agent implementations.
	KindAgent Kind = "agent"
	// KindNetwork covers transport-level failures (connection refused, DNS).
	KindNetwork Kind = "network"
	// KindTimeout covers deadline expirations, including HITL response
	// deadlines.
	KindTimeout Kind = "timeout"
	// KindRateLimit covers throttling responses from downstream services.
	KindRateLimit Kind = "rate_limit"
	// KindSerialization covers marshal/unmarshal failures.
	KindSerialization Kind = "serialization"
	// KindAuthentication covers credential and permission failures.
	KindAuthentication Kind = "authentication"
	// KindPolicy covers policy violations such as missing tool tags.
	KindPolicy Kind = "policy"
	// KindUnknown is the fallback classification for coerced foreign errors.
	KindUnknown Kind = "unknown"
)

// Stable error codes used across the runtime. Components may define their own
// codes; these are the ones the core emits.
const (
	CodeInvalidTransition  = "INVALID_STATE_TRANSITION"
	CodeValidation         = "VALIDATION_ERROR"
	CodeRouting            = "ROUTING_ERROR"
	CodeMissingContext     = "MISSING_CONTEXT"
	CodeTimeout            = "TIMEOUT"
	CodeToolError          = "TOOL_ERROR"
	CodeAgentError         = "AGENT_ERROR"
	CodeNetworkError       = "NETWORK_ERROR"
	CodeSerialization      = "SERIALIZATION_ERROR"
	CodeExecution          = "EXECUTION_ERROR"
	CodePolicyViolation    = "POLICY_VIOLATION"
	CodeCheckpointNotFound = "CHECKPOINT_NOT_FOUND"
	CodeCheckpointExpired  = "CHECKPOINT_EXPIRED"
	CodeSchemaNotFound     = "SCHEMA_NOT_REGISTERED"
	CodeUnsupported        = "UNSUPPORTED"
	CodeUnknown            = "UNKNOWN"
)

type (
	// Error is the canonical runtime error. It is immutable once returned to
	// a caller except through the builder-style With* methods used at
	// construction time.
	Error struct {
		// Kind classifies the failure.
		Kind Kind
		// Code is a stable machine-readable identifier.
		Code string
		// Message is the human-readable description.
		Message string
		// Cause is the wrapped underlying error, if any.
		Cause error
		// Context carries free-form diagnostic key/value pairs.
		Context map[string]any
	}

	// RetryHint carries retry guidance embedded in a retryable error. The
	// retry resolver consults the hint before any registered policy.
	RetryHint struct {
		// SkipRetry forces the no-retry policy regardless of other settings.
		SkipRetry bool
		// MaxAttempts overrides the default policy's attempt budget when
		// positive.
		MaxAttempts int
	}

	// retryableError wraps an error with a RetryHint. It is constructed via
	// Retryable and inspected via HintOf.
	retryableError struct {
		err  error
		hint RetryHint
	}
)

// New constructs an Error with the given classification, code, and message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that records cause as the underlying error.
func Wrap(cause error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// WithContext records a diagnostic key/value pair and returns the receiver
// for chaining during construction.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// From coerces an arbitrary error into an *Error. Errors already carrying the
// taxonomy (directly or through wrapping) are returned as-is; foreign errors
// are classified as KindUnknown.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: KindUnknown, Code: CodeUnknown, Message: err.Error(), Cause: err}
}

// CodeOf returns the stable code of err, or CodeUnknown for foreign errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return From(err).Code
}

// KindOf returns the classification of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind
}

// HasCode reports whether err carries the given stable code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable wraps err with a retry hint. The wrapped error keeps its code and
// kind; only the resolver behavior changes.
func Retryable(err error, hint RetryHint) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err, hint: hint}
}

// HintOf extracts a RetryHint from err, reporting whether one was found.
func HintOf(err error) (RetryHint, bool) {
	var re *retryableError
	if errors.As(err, &re) {
		return re.hint, true
	}
	return RetryHint{}, false
}

// Error implements the error interface.
func (r *retryableError) Error() string { return r.err.Error() }

// Unwrap returns the hinted error.
func (r *retryableError) Unwrap() error { return r.err }
