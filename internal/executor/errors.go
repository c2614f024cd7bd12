package executor

import (
	"errors"
	"fmt"
)

// StepExecutionError reports a step that ran and failed. ExitCode is -1
// when the step never produced one, e.g. an action error or a timeout.
type StepExecutionError struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *StepExecutionError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("step %q failed with exit code %d: %v", e.Step, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// WorkerFault is an infrastructure failure of the worker running a job,
// as opposed to a failure of the job's own commands. Faulted jobs fail
// and are never retried.
type WorkerFault struct {
	WorkerID string
	Job      string
	Err      error
}

func (e *WorkerFault) Error() string {
	return fmt.Sprintf("worker %s faulted while running %q: %v", e.WorkerID, e.Job, e.Err)
}

func (e *WorkerFault) Unwrap() error { return e.Err }

// IsWorkerFault reports whether err is or wraps a *WorkerFault.
func IsWorkerFault(err error) bool {
	var wf *WorkerFault
	return errors.As(err, &wf)
}
