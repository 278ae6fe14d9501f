package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrSynthesisFailed marks a job whose intermediate audio is missing or empty.
	ErrSynthesisFailed = errors.New("synthesis failed")
	// ErrTranscodeFailed marks a job whose encoder failed, timed out or wrote nothing.
	ErrTranscodeFailed = errors.New("transcode failed")
)

// ProductionError reports the stage and job a failure belongs to.
type ProductionError struct {
	Stage string // "synthesize", "transcode"
	JobID string
	Err   error
}

func (e *ProductionError) Error() string {
	return fmt.Sprintf("production error [%s] %s: %v", e.Stage, e.JobID, e.Err)
}

func (e *ProductionError) Unwrap() []error {
	return []error{e.sentinel(), e.Err}
}

func (e *ProductionError) sentinel() error {
	if e.Stage == stageTranscode {
		return ErrTranscodeFailed
	}
	return ErrSynthesisFailed
}
