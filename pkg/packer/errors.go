package packer

import (
	"errors"
	"fmt"
)

// Package errors.
var (
	// ErrNotFound is returned when the subroutine or the cave section does
	// not exist in the image.
	ErrNotFound = errors.New("not found")

	// ErrMalformedFunction is returned when a subroutine has fewer
	// instructions than the prologue and epilogue remove.
	ErrMalformedFunction = errors.New("malformed function")

	// ErrSlotOverflow is returned when an instruction does not fit in the
	// slot width.
	ErrSlotOverflow = errors.New("instruction exceeds slot width")

	// ErrCaveOverflow is returned when the cave cannot hold the payload.
	ErrCaveOverflow = errors.New("cave overflow")

	// ErrPatchOverflow is returned when the entry redirect does not fit in
	// the entry budget.
	ErrPatchOverflow = errors.New("entry patch overflow")

	// ErrEncoding is returned when the codec cannot place an instruction.
	ErrEncoding = errors.New("encoding failed")

	// ErrKeyComputation is returned when the laid-out stream disagrees with
	// the slot template.
	ErrKeyComputation = errors.New("key computation failed")

	// ErrInvalidPolicy is returned for unusable policies.
	ErrInvalidPolicy = errors.New("invalid policy")
)

// Stage names a pipeline step.
type Stage string

// Pipeline stages.
const (
	StageResolve   Stage = "resolve"
	StageDecode    Stage = "decode"
	StageExtract   Stage = "extract"
	StageObfuscate Stage = "obfuscate"
	StageLayout    Stage = "layout"
	StageCave      Stage = "cave"
	StagePatch     Stage = "patch"
)

// StageError records the stage a run failed in.
type StageError struct {
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// FailedStage returns the stage recorded in err, if any.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// IsPolicyMismatch returns true if the run failed because the image does
// not fit the layout constants, as opposed to a missing or broken input.
func IsPolicyMismatch(err error) bool {
	return errors.Is(err, ErrSlotOverflow) ||
		errors.Is(err, ErrCaveOverflow) ||
		errors.Is(err, ErrPatchOverflow) ||
		errors.Is(err, ErrInvalidPolicy)
}
