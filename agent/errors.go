package agent

import "fmt"

// ErrorKind classifies a run failure for retry/terminal-status decisions,
// per the error taxonomy: AgentNotFound, ValidationError, AuthzDenied,
// QuotaExceeded, Cancelled, LeaseLost, Timeout, CallbackError,
// InfrastructureError.
type ErrorKind string

const (
	ErrorKindAgentNotFound      ErrorKind = "AgentNotFound"
	ErrorKindValidationError    ErrorKind = "ValidationError"
	ErrorKindAuthzDenied        ErrorKind = "AuthzDenied"
	ErrorKindQuotaExceeded      ErrorKind = "QuotaExceeded"
	ErrorKindCancelled          ErrorKind = "Cancelled"
	ErrorKindLeaseLost          ErrorKind = "LeaseLost"
	ErrorKindTimeout            ErrorKind = "Timeout"
	ErrorKindCallbackError      ErrorKind = "CallbackError"
	ErrorKindInfrastructureError ErrorKind = "InfrastructureError"
)

// defaultRetriable holds the default retry decision per kind when a
// callback's on_error hook does not override it.
var defaultRetriable = map[ErrorKind]bool{
	ErrorKindAgentNotFound:       false,
	ErrorKindValidationError:     false,
	ErrorKindAuthzDenied:         false,
	ErrorKindQuotaExceeded:       false,
	ErrorKindCancelled:           false,
	ErrorKindLeaseLost:           false,
	ErrorKindTimeout:             false,
	ErrorKindCallbackError:       true,
	ErrorKindInfrastructureError: true,
}

// ErrorInfo is the structured, user-visible error surfaced on a terminal
// or retried run: {kind, message, stack?, retriable, details?}.
type ErrorInfo struct {
	Kind      ErrorKind      `json:"kind"`
	Message   string         `json:"message"`
	Stack     string         `json:"stack,omitempty"`
	Retriable bool           `json:"retriable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewErrorInfo builds an ErrorInfo with the default retriable decision for
// its kind. Callers that want to override retriability (e.g. a callback's
// on_error hook) should set Retriable explicitly afterward.
func NewErrorInfo(kind ErrorKind, message string) *ErrorInfo {
	return &ErrorInfo{
		Kind:      kind,
		Message:   message,
		Retriable: defaultRetriable[kind],
	}
}

// ClassifyCallbackError wraps an arbitrary error returned by a callback as
// a CallbackError ErrorInfo, unless it already is one (or another
// ErrorInfo), in which case it is passed through unchanged. Mirrors the
// Runner's default classification when no on_error hook is registered.
func ClassifyCallbackError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	if info, ok := err.(*ErrorInfo); ok {
		return info
	}
	return NewErrorInfo(ErrorKindCallbackError, err.Error())
}
