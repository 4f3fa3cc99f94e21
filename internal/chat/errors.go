package chat

import (
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors below.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrGenerationFailed = errors.New("generation failed")
)

// InvalidInputError reports an empty message or malformed thread id.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is matches ErrInvalidInput.
func (e *InvalidInputError) Is(target error) bool { return target == ErrInvalidInput }

// GenerationFailedError wraps a retrieval or generation failure.
type GenerationFailedError struct {
	Stage string // "retrieve" or "generate"
	Err   error
}

func (e *GenerationFailedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *GenerationFailedError) Unwrap() error { return e.Err }

// Is matches ErrGenerationFailed.
func (e *GenerationFailedError) Is(target error) bool { return target == ErrGenerationFailed }
