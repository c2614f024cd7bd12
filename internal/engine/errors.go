package engine

import (
	"fmt"
	"strings"
)

// RunFailedError is returned by Execute when at least one job instance
// failed.
type RunFailedError struct {
	RunID  string
	Failed []string
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("run %s failed: %d job(s) failed: %s", e.RunID, len(e.Failed), strings.Join(e.Failed, ", "))
}
