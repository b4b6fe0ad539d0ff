package task

import "fmt"

// Code classifies the abstract error kinds spec.md §7 lists. It lets
// callers use errors.As to recover the kind without string matching.
type Code string

const (
	CodeInput           Code = "INPUT_ERROR"
	CodeTransientIO      Code = "TRANSIENT_ERROR"
	CodeEngine           Code = "ENGINE_ERROR"
	CodePoolExhausted    Code = "POOL_EXHAUSTED"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeInvariant        Code = "INVARIANT_VIOLATION"
)

// Error is the task package's classified error type. Every pipeline
// failure is converted to one of these before being written onto a Task's
// error_message field or surfaced to an ingress caller.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError wraps cause (which may be nil) as a classified task.Error.
func NewError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Input builds an Error for a bad submission (missing file/url, both
// present, disallowed extension, oversized file, malformed URL).
func Input(format string, args ...any) *Error {
	return &Error{Code: CodeInput, Message: fmt.Sprintf(format, args...)}
}

// Engine wraps an error raised by the transcription engine itself. Engine
// errors are never retried by the core.
func Engine(cause error) *Error {
	return &Error{Code: CodeEngine, Message: "engine error", Cause: cause}
}

// PoolExhausted reports that no model handle became available within the
// caller's timeout and the pool is already at max_size.
func PoolExhausted() *Error {
	return &Error{Code: CodePoolExhausted, Message: "pool exhausted"}
}

// StoreUnavailable reports that the Store's transport layer failed after
// exhausting its retry budget.
func StoreUnavailable(cause error) *Error {
	return &Error{Code: CodeStoreUnavailable, Message: "store unavailable", Cause: cause}
}

// Invariant reports a programmer error: a condition the core's contracts
// guarantee can't happen, happened anyway.
func Invariant(format string, args ...any) *Error {
	return &Error{Code: CodeInvariant, Message: fmt.Sprintf(format, args...)}
}
