package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrAdapterUnavailable means the controller was built without an engine
	ErrAdapterUnavailable = errors.New("inference engine unavailable")

	// ErrBusy is returned by Generate while another operation is in progress
	ErrBusy = errors.New("operation in progress")

	// ErrEmptyPrompt is returned by Generate for a blank prompt
	ErrEmptyPrompt = errors.New("empty prompt")
)

// LoadError reports a model that failed to initialize
type LoadError struct {
	Model string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Model, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// GenerationError reports a failure while streaming or fetching the final reply
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
