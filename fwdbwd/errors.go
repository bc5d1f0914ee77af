package fwdbwd

import (
	"errors"
	"fmt"
)

// Per-utterance recoverable conditions: the utterance is skipped.
var (
	ErrPruningFailed = errors.New("pruning failed: no path within the largest beam")
	ErrTooShort      = errors.New("utterance shorter than the minimum model-sequence duration")
	ErrBadSegments   = errors.New("inconsistent alignment segments")
)

// Per-utterance fatal conditions: the utterance is aborted, the run goes on.
var (
	ErrUnknownLabel    = errors.New("unknown label")
	ErrStateMismatch   = errors.New("alignment and update models differ in state count")
	ErrMixtureMismatch = errors.New("alignment and update models differ in mixture layout")
	ErrConsecutiveTee  = errors.New("two consecutive tee models")
	ErrTeeAtBoundary   = errors.New("tee model at the start or end of the sequence")
	ErrObservation     = errors.New("observation does not match the model set streams")
)

// ErrConfig reports a setup-time precondition violation.
var ErrConfig = errors.New("invalid configuration")

// UtteranceError ties a failure to the utterance that caused it.
type UtteranceError struct {
	Utterance string
	Err       error
}

func (e *UtteranceError) Error() string {
	return fmt.Sprintf("utterance %q: %v", e.Utterance, e.Err)
}

func (e *UtteranceError) Unwrap() error { return e.Err }

// Recoverable reports whether err is one of the conditions that merely
// skip an utterance, as opposed to a modelling or data defect.
func Recoverable(err error) bool {
	return errors.Is(err, ErrPruningFailed) ||
		errors.Is(err, ErrTooShort) ||
		errors.Is(err, ErrBadSegments)
}
