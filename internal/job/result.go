package job

import "time"

// StepResult records one step of a job instance. Outcome is what happened;
// Conclusion is what counts for the job, which differs from Outcome only
// for failed continue-on-error steps.
type StepResult struct {
	ID         string            `json:"id" cbor:"id"`
	Name       string            `json:"name" cbor:"name"`
	Outcome    Status            `json:"outcome" cbor:"outcome"`
	Conclusion Status            `json:"conclusion" cbor:"conclusion"`
	ExitCode   int               `json:"exit_code" cbor:"exit_code"`
	Output     string            `json:"output,omitempty" cbor:"output,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty" cbor:"outputs,omitempty"`
	StartedAt  time.Time         `json:"started_at" cbor:"started_at"`
	Duration   time.Duration     `json:"duration" cbor:"duration"`
	Error      string            `json:"error,omitempty" cbor:"error,omitempty"`
	Attempts   int               `json:"attempts" cbor:"attempts"`
}
