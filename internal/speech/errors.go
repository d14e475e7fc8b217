package speech

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrEnvironmentUnavailable  = errors.New("speech environment unavailable")
	ErrAlreadyInProgress       = errors.New("speech generation already in progress")
	ErrComponentsUninitialized = errors.New("speech components not initialized")
	ErrSynthesisFailed         = errors.New("speech synthesis failed")
	ErrRoutingFailed           = errors.New("speech audio routing failed")
	ErrCancelled               = errors.New("speech generation cancelled")
)

// SynthesisError carries the engine's error code. It matches
// ErrSynthesisFailed with errors.Is.
type SynthesisError struct {
	Code string
	Err  error
}

func (e *SynthesisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrSynthesisFailed, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrSynthesisFailed, e.Code)
}

func (e *SynthesisError) Is(target error) bool {
	return target == ErrSynthesisFailed
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// Code maps a generation error to the code published on the bus and
// returned by the HTTP API.
func Code(err error) string {
	var synth *SynthesisError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &synth):
		return synth.Code
	case errors.Is(err, ErrEnvironmentUnavailable):
		return "environment_unavailable"
	case errors.Is(err, ErrAlreadyInProgress):
		return "already_in_progress"
	case errors.Is(err, ErrComponentsUninitialized):
		return "components_uninitialized"
	case errors.Is(err, ErrRoutingFailed):
		return "routing_failed"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal"
	}
}
