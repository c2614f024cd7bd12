package job

import "fmt"

// Status is the lifecycle state of a job instance or the outcome of a step.
type Status int32

const (
	// Pending instances have been created but not examined by the scheduler.
	Pending Status = iota
	// Blocked instances wait for at least one non-terminal dependency.
	Blocked
	// Queued instances are ready and wait for a worker or a concurrency group.
	Queued
	// Running instances are executing on a worker.
	Running
	Succeeded
	Failed
	Skipped
	Cancelled
)

var statusNames = [...]string{
	Pending:   "pending",
	Blocked:   "blocked",
	Queued:    "queued",
	Running:   "running",
	Succeeded: "succeeded",
	Failed:    "failed",
	Skipped:   "skipped",
	Cancelled: "cancelled",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// MarshalText renders the status by name in JSON and CBOR snapshots.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case Succeeded, Failed, Skipped, Cancelled:
		return true
	}
	return false
}

// Result is the value exposed to expressions as needs.<job>.result and
// steps.<id>.outcome.
func (s Status) Result() string {
	switch s {
	case Succeeded:
		return "success"
	case Failed:
		return "failure"
	case Cancelled:
		return "cancelled"
	case Skipped:
		return "skipped"
	}
	return ""
}

var validTransitions = map[Status]map[Status]bool{
	Pending: {
		Blocked:   true,
		Queued:    true,
		Skipped:   true,
		Cancelled: true,
	},
	Blocked: {
		Queued:    true,
		Skipped:   true,
		Cancelled: true,
	},
	Queued: {
		Running:   true,
		Failed:    true, // no worker can ever satisfy runs-on
		Cancelled: true,
	},
	Running: {
		Succeeded: true,
		Failed:    true,
		Cancelled: true,
	},
}

// ValidateTransition returns an error if from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if from.IsTerminal() {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid job transition: %q -> %q", from, to)
	}
	return nil
}

// SkipReason explains why an instance was skipped.
type SkipReason string

const (
	// SkipCondition means the instance's own `if` evaluated false.
	SkipCondition SkipReason = "condition"
	// SkipUpstream means a dependency failed, was cancelled, or was itself
	// skipped because of its own upstream.
	SkipUpstream SkipReason = "upstream"
)
