package importer

import (
	"fmt"
	"time"
)

// State is a run coordinator step.
type State string

const (
	StateAcquire     State = "ACQUIRE"
	StateExtract     State = "EXTRACT"
	StateLoad        State = "LOAD"
	StateAlignTypes  State = "ALIGN_TYPES"
	StateEnforceKeys State = "ENFORCE_KEYS"
	StateReconcile   State = "RECONCILE"
	StateArchive     State = "ARCHIVE"
	StateCleanup     State = "CLEANUP"
	StateComplete    State = "COMPLETE"
	StateFailed      State = "FAILED"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool { return s == StateComplete || s == StateFailed }

// StepError is a fatal failure of one run step.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ArchiveReport describes the processing of one extracted archive.
type ArchiveReport struct {
	Archive     string
	Loaded      []LoadedTable
	Alterations []Alteration
	KeysRemoved map[string]int64
	Results     []TableResult
}

// Totals sums row outcomes across record types.
func (a ArchiveReport) Totals() TableResult {
	var t TableResult
	for _, r := range a.Results {
		t.Inserted += r.Inserted
		t.Updated += r.Updated
		t.Unchanged += r.Unchanged
		t.Failed += r.Failed
	}
	return t
}

// Report is the outcome of one coordinator run.
type Report struct {
	RunID      string
	State      State
	DryRun     bool
	Archives   []ArchiveReport
	Archived   int
	Warnings   []string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall time of the run.
func (r Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Succeeded reports whether the run completed.
func (r Report) Succeeded() bool { return r.State == StateComplete }
