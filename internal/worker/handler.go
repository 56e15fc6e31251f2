package worker

import (
	"context"
	"errors"
)

// Job is a unit of periodic background work.
type Job interface {
	// Name identifies the job in logs and metrics.
	Name() string

	// Run performs one iteration. Returning ErrSkipped records the run as
	// skipped; a PermanentError stops the job from being scheduled again.
	Run(ctx context.Context) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (f JobFunc) Name() string { return f.JobName }

func (f JobFunc) Run(ctx context.Context) error { return f.Fn(ctx) }

// ErrSkipped reports that a run found nothing to do.
var ErrSkipped = errors.New("nothing to do")

// PermanentError wraps an error to indicate the job should not run again.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a PermanentError that wraps err.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is a PermanentError.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}
