package backend

import (
	"context"
	"errors"
	"strings"
)

// ClientError represents an error from an inference server
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes client errors for handling
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeModelNotFound
	ErrTypeConnection
	ErrTypeInvalidResponse
	ErrTypeInterrupted
	ErrTypeNotLoaded
)

// Sentinel errors for easy checking
var (
	ErrNotRunning    = &ClientError{Type: ErrTypeNotRunning, Message: "inference server is not running"}
	ErrTimeout       = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrModelNotFound = &ClientError{Type: ErrTypeModelNotFound, Message: "model not found"}
	ErrInterrupted   = &ClientError{Type: ErrTypeInterrupted, Message: "request interrupted"}
	ErrNotLoaded     = &ClientError{Type: ErrTypeNotLoaded, Message: "no model loaded"}
)

func isType(err error, t ErrorType) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == t
	}
	return false
}

// IsNotRunning checks if an error indicates the server is unreachable
func IsNotRunning(err error) bool {
	return isType(err, ErrTypeNotRunning)
}

// IsModelNotFound checks if an error is a model not found error
func IsModelNotFound(err error) bool {
	return isType(err, ErrTypeModelNotFound)
}

// IsInterrupted checks if a request was aborted by Interrupt or cancellation
func IsInterrupted(err error) bool {
	return isType(err, ErrTypeInterrupted)
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return isType(err, ErrTypeTimeout)
}

// transportError classifies a failed round trip
func transportError(err error, interrupted bool) error {
	switch {
	case interrupted, errors.Is(err, context.Canceled):
		return &ClientError{Type: ErrTypeInterrupted, Message: "request interrupted", Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &ClientError{Type: ErrTypeTimeout, Message: "request timed out", Cause: err}
	default:
		return &ClientError{Type: ErrTypeNotRunning, Message: "inference server is not running", Cause: err}
	}
}

// serverError classifies an error message reported in a response body
func serverError(message string) error {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist") {
		return &ClientError{Type: ErrTypeModelNotFound, Message: message}
	}
	return &ClientError{Type: ErrTypeInvalidResponse, Message: message}
}
