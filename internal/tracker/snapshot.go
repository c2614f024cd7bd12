package tracker

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/vk/burstci/internal/job"
)

// Snapshot is the state of a run at a point in time. The terminal
// snapshot is the one produced by Archive.
type Snapshot struct {
	RunID       string        `json:"run_id" cbor:"run_id"`
	Workflow    string        `json:"workflow" cbor:"workflow"`
	Result      string        `json:"result" cbor:"result"`
	Terminal    bool          `json:"terminal" cbor:"terminal"`
	StartedAt   time.Time     `json:"started_at" cbor:"started_at"`
	TakenAt     time.Time     `json:"taken_at" cbor:"taken_at"`
	Jobs        []JobSnapshot `json:"jobs" cbor:"jobs"`
	Transitions int           `json:"transitions" cbor:"transitions"`
}

type JobSnapshot struct {
	ID         string            `json:"id" cbor:"id"`
	Job        string            `json:"job" cbor:"job"`
	Matrix     map[string]any    `json:"matrix,omitempty" cbor:"matrix,omitempty"`
	Status     job.Status        `json:"status" cbor:"status"`
	SkipReason job.SkipReason    `json:"skip_reason,omitempty" cbor:"skip_reason,omitempty"`
	Worker     string            `json:"worker,omitempty" cbor:"worker,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitzero" cbor:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitzero" cbor:"finished_at"`
	Duration   time.Duration     `json:"duration" cbor:"duration"`
	Outputs    map[string]string `json:"outputs,omitempty" cbor:"outputs,omitempty"`
	Steps      []*job.StepResult `json:"steps,omitempty" cbor:"steps,omitempty"`
	Error      string            `json:"error,omitempty" cbor:"error,omitempty"`
}

// Job finds a job snapshot by instance id.
func (s *Snapshot) Job(id string) (JobSnapshot, bool) {
	for _, j := range s.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return JobSnapshot{}, false
}

// Snapshot returns the current state of every registered instance. After
// Archive it returns the terminal snapshot.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.archived != nil {
		return t.archived
	}
	return t.snapshotLocked(false)
}

func (t *Tracker) snapshotLocked(terminal bool) *Snapshot {
	snap := &Snapshot{
		RunID:       t.runID,
		Workflow:    t.workflow,
		Terminal:    terminal,
		StartedAt:   t.started,
		TakenAt:     t.now(),
		Transitions: len(t.log),
	}
	for _, inst := range t.instances {
		started, finished := inst.Times()
		js := JobSnapshot{
			ID:         inst.ID,
			Job:        inst.Name(),
			Status:     inst.Status(),
			SkipReason: inst.SkipReason(),
			Worker:     inst.Worker(),
			StartedAt:  started,
			FinishedAt: finished,
			Duration:   inst.Duration(),
			Outputs:    inst.Outputs(),
			Steps:      inst.StepResults(),
		}
		if len(inst.Matrix) > 0 {
			js.Matrix = inst.MatrixValue().ToGo().(map[string]any)
		}
		if err := inst.Err(); err != nil {
			js.Error = err.Error()
		}
		snap.Jobs = append(snap.Jobs, js)
	}
	snap.Result = overallResult(snap.Jobs)
	return snap
}

// overallResult is failure if any job failed, cancelled if any was
// cancelled, and success otherwise.
func overallResult(jobs []JobSnapshot) string {
	result := "success"
	for _, j := range jobs {
		switch j.Status {
		case job.Failed:
			return "failure"
		case job.Cancelled:
			result = "cancelled"
		case job.Succeeded, job.Skipped:
		default:
			if result == "success" {
				result = "in_progress"
			}
		}
	}
	return result
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	opts.TextMarshaler = cbor.TextMarshalerTextString
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("tracker: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{TextUnmarshaler: cbor.TextUnmarshalerTextString}.DecMode()
	if err != nil {
		panic("tracker: CBOR decoder initialization failed: " + err.Error())
	}
}

// WriteJSON writes the snapshot as indented JSON.
func (s *Snapshot) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// WriteCBOR writes the snapshot with deterministic CBOR encoding.
func (s *Snapshot) WriteCBOR(w io.Writer) error {
	return cborEnc.NewEncoder(w).Encode(s)
}

// ReadCBOR decodes a snapshot written by WriteCBOR.
func ReadCBOR(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := cborDec.NewDecoder(r).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// WriteFile writes the snapshot to path, choosing CBOR for .cbor files and
// JSON otherwise.
func (s *Snapshot) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		err = s.WriteCBOR(f)
	} else {
		err = s.WriteJSON(f)
	}
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return f.Close()
}
