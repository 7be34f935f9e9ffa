package core

import (
	"errors"
	"fmt"
)

// Error kinds. InvalidInput is caused by the caller; the rest are failures of an
// external capability or of the pipeline itself.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrTranscription = errors.New("transcription failed")
	ErrGeneration    = errors.New("generation failed")
	ErrSynthesis     = errors.New("synthesis failed")
	ErrEncoding      = errors.New("encoding failed")
)

// PipelineError ties a failure to its kind and the operation that produced it.
type PipelineError struct {
	Kind error
	Op   string
	Err  error
}

// NewError builds a PipelineError. err may be nil when the kind says it all.
func NewError(kind error, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}

	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *PipelineError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// IsUserError reports whether err was caused by bad caller input.
func IsUserError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}
