package generate

import (
	"errors"
	"fmt"
)

type Stage string

const (
	StageLoad       Stage = "load"
	StageDecode     Stage = "decode"
	StageBackground Stage = "background"
	StageInfer      Stage = "infer"
	StageExport     Stage = "export"
)

var ErrNoMesh = errors.New("pipeline returned no mesh")

// StageError tags a failure with the step it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Recoverable reports whether retrying with different input or output paths can succeed.
// Model loading, background removal and inference failures are fatal.
func (e *StageError) Recoverable() bool {
	return e.Stage == StageDecode || e.Stage == StageExport
}

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// IsRecoverable unwraps err looking for a recoverable StageError.
func IsRecoverable(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Recoverable()
}
