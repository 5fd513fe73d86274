package domain

import "fmt"

// ErrorKind is the failure taxonomy shared by all channels and the router.
type ErrorKind string

const (
	// ErrValidation: the envelope was rejected locally, nothing was sent.
	ErrValidation ErrorKind = "validation"
	// ErrRateLimited: the per-channel window is exhausted.
	ErrRateLimited ErrorKind = "rate_limited"
	// ErrNotConnected: the channel is not in a connected state.
	ErrNotConnected ErrorKind = "not_connected"
	// ErrConnection: the transport to the provider failed mid-flight.
	ErrConnection ErrorKind = "connection"
	// ErrProvider: the provider accepted the request and rejected the message.
	ErrProvider ErrorKind = "provider"
	// ErrLaunch: the companion process could not be started.
	ErrLaunch ErrorKind = "launch"
)

// SendError is a typed, expected delivery failure. Unexpected failures
// (bugs) stay plain errors and are wrapped by callers.
type SendError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *SendError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewSendError builds a SendError with a formatted message.
func NewSendError(kind ErrorKind, format string, args ...any) *SendError {
	return &SendError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsSendError converts any error into a SendError, classifying unknown
// errors as ErrConnection when fromTransport is true, ErrProvider otherwise.
func AsSendError(err error, fromTransport bool) *SendError {
	if err == nil {
		return nil
	}
	if se, ok := err.(*SendError); ok {
		return se
	}
	kind := ErrProvider
	if fromTransport {
		kind = ErrConnection
	}
	return &SendError{Kind: kind, Message: err.Error()}
}

// KindOf extracts the error kind, or empty string for non-SendError values.
func KindOf(err error) ErrorKind {
	if se, ok := err.(*SendError); ok {
		return se.Kind
	}
	return ""
}

// ConnectionLevel reports whether the failure concerns the channel rather
// than the individual message. Only these failures are eligible for the
// router's single fallback attempt.
func (e *SendError) ConnectionLevel() bool {
	switch e.Kind {
	case ErrNotConnected, ErrConnection, ErrLaunch:
		return true
	}
	return false
}
