package core

import (
	"sort"
	"sync"
	"time"
)

// RunStatus represents the status of a run.
type RunStatus string

// RunStatus values.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StageState is the per-object-type state machine position.
type StageState string

// StageState values. A type moves Pending -> Extracting -> Transforming ->
// Loading -> (Verifying) -> Completed, or to Failed from any stage.
const (
	StatePending      StageState = "pending"
	StateExtracting   StageState = "extracting"
	StateTransforming StageState = "transforming"
	StateLoading      StageState = "loading"
	StateVerifying    StageState = "verifying"
	StateCompleted    StageState = "completed"
	StateFailed       StageState = "failed"
)

var stateTransitions = map[StageState][]StageState{
	StatePending:      {StateExtracting, StateFailed},
	StateExtracting:   {StateTransforming, StateFailed},
	// Transform-only runs finish after transforming.
	StateTransforming: {StateLoading, StateCompleted, StateFailed},
	StateLoading:      {StateVerifying, StateCompleted, StateFailed},
	StateVerifying:    {StateCompleted, StateFailed},
}

// CanTransition reports whether moving from s to next is allowed.
func (s StageState) CanTransition(next StageState) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is Completed or Failed.
func (s StageState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Mode selects how the extractor reads the source.
type Mode string

// Extraction modes.
const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeCSV         Mode = "csv"
)

// Counts aggregates per-record outcomes.
type Counts struct {
	Extracted           int `json:"extracted" yaml:"extracted"`
	Transformed         int `json:"transformed" yaml:"transformed"`
	Loaded              int `json:"loaded" yaml:"loaded"`
	Created             int `json:"created" yaml:"created"`
	Updated             int `json:"updated" yaml:"updated"`
	Skipped             int `json:"skipped" yaml:"skipped"`
	DuplicatesMerged    int `json:"duplicates_merged" yaml:"duplicates_merged"`
	Failed              int `json:"failed" yaml:"failed"`
	AssociationsCreated int `json:"associations_created" yaml:"associations_created"`
	AssociationsDropped int `json:"associations_dropped" yaml:"associations_dropped"`
	Diagnostics         int `json:"diagnostics" yaml:"diagnostics"`
}

// Add accumulates o into c.
func (c *Counts) Add(o Counts) {
	c.Extracted += o.Extracted
	c.Transformed += o.Transformed
	c.Loaded += o.Loaded
	c.Created += o.Created
	c.Updated += o.Updated
	c.Skipped += o.Skipped
	c.DuplicatesMerged += o.DuplicatesMerged
	c.Failed += o.Failed
	c.AssociationsCreated += o.AssociationsCreated
	c.AssociationsDropped += o.AssociationsDropped
	c.Diagnostics += o.Diagnostics
}

// Transition is one recorded state change.
type Transition struct {
	From StageState `json:"from" yaml:"from"`
	To   StageState `json:"to" yaml:"to"`
	At   time.Time  `json:"at" yaml:"at"`
}

// BatchOutcome records the result of one load batch.
type BatchOutcome struct {
	Index  int `json:"index" yaml:"index"`
	Size   int `json:"size" yaml:"size"`
	Loaded int `json:"loaded" yaml:"loaded"`
	Failed int `json:"failed" yaml:"failed"`
}

// TypeReport is the outcome for one object type within a run.
type TypeReport struct {
	Type        ObjectType     `json:"object_type" yaml:"object_type"`
	State       StageState     `json:"state" yaml:"state"`
	Counts      Counts         `json:"counts" yaml:"counts"`
	Batches     []BatchOutcome `json:"batches,omitempty" yaml:"batches,omitempty"`
	Transitions []Transition   `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// FieldClass classifies a verified field.
type FieldClass string

// Field classes.
const (
	FieldMatch              FieldClass = "match"
	FieldExpectedDivergence FieldClass = "expected_transform_divergence"
	FieldUnexplained        FieldClass = "unexplained_divergence"
)

// FieldDiff is the verification result for one mapped field.
type FieldDiff struct {
	Source   string     `json:"source" yaml:"source"`
	Target   string     `json:"target" yaml:"target"`
	Raw      string     `json:"raw" yaml:"raw"`
	Expected string     `json:"expected" yaml:"expected"`
	Actual   string     `json:"actual" yaml:"actual"`
	Class    FieldClass `json:"class" yaml:"class"`
}

// RecordDiff is the verification result for one source/target pair.
type RecordDiff struct {
	Type     ObjectType  `json:"object_type" yaml:"object_type"`
	SourceID string      `json:"source_id" yaml:"source_id"`
	TargetID string      `json:"target_id" yaml:"target_id"`
	Fields   []FieldDiff `json:"fields" yaml:"fields"`
}

// Unexplained returns the fields that diverge for no declared reason.
func (d RecordDiff) Unexplained() []FieldDiff {
	var out []FieldDiff
	for _, f := range d.Fields {
		if f.Class == FieldUnexplained {
			out = append(out, f)
		}
	}
	return out
}

// VerificationSummary aggregates verification results.
type VerificationSummary struct {
	Records     int          `json:"records" yaml:"records"`
	Matched     int          `json:"matched" yaml:"matched"`
	Expected    int          `json:"expected_divergences" yaml:"expected_divergences"`
	Unexplained int          `json:"unexplained_divergences" yaml:"unexplained_divergences"`
	Missing     int          `json:"missing" yaml:"missing"`
	Diffs       []RecordDiff `json:"diffs,omitempty" yaml:"diffs,omitempty"`
}

// RunReport is the outcome of one run. It is safe for concurrent use through
// its methods; fields are read directly only after the run has finished.
type RunReport struct {
	RunID        string               `json:"run_id" yaml:"run_id"`
	Mode         Mode                 `json:"mode" yaml:"mode"`
	ObjectTypes  []ObjectType         `json:"object_types" yaml:"object_types"`
	Status       RunStatus            `json:"status" yaml:"status"`
	Cancelled    bool                 `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	DryRun       bool                 `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	Error        string               `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt    time.Time            `json:"started_at" yaml:"started_at"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Types        []*TypeReport        `json:"types" yaml:"types"`
	Errors       []RecordError        `json:"errors" yaml:"errors"`
	Verification *VerificationSummary `json:"verification,omitempty" yaml:"verification,omitempty"`

	mu sync.Mutex
}

// NewRunReport creates a running report.
func NewRunReport(runID string, mode Mode, types []ObjectType, startedAt time.Time) *RunReport {
	r := &RunReport{
		RunID:       runID,
		Mode:        mode,
		ObjectTypes: types,
		Status:      RunStatusRunning,
		StartedAt:   startedAt,
		Errors:      []RecordError{},
	}
	for _, t := range types {
		r.Types = append(r.Types, &TypeReport{Type: t, State: StatePending})
	}
	return r
}

// Type returns the report of one object type, or nil.
func (r *RunReport) Type(t ObjectType) *TypeReport {
	for _, tr := range r.Types {
		if tr.Type == t {
			return tr
		}
	}
	return nil
}

// AddError appends an error entry in arrival order.
func (r *RunReport) AddError(e RecordError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, e)
}

// ErrorCount returns the number of error entries.
func (r *RunReport) ErrorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Errors)
}

// SortErrors orders the errors of type t recorded at or after index from by
// batch. Entries of other types keep their positions and equal batches keep
// arrival order.
func (r *RunReport) SortErrors(t ObjectType, from int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pos []int
	var errs []RecordError
	for i := max(from, 0); i < len(r.Errors); i++ {
		if r.Errors[i].Type == t {
			pos = append(pos, i)
			errs = append(errs, r.Errors[i])
		}
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Batch < errs[j].Batch })
	for k, i := range pos {
		r.Errors[i] = errs[k]
	}
}

// Update runs fn on the type report under the report lock.
func (r *RunReport) Update(t ObjectType, fn func(tr *TypeReport)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tr := r.Type(t); tr != nil {
		fn(tr)
	}
}

// Totals sums the counts of every object type.
func (r *RunReport) Totals() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c Counts
	for _, tr := range r.Types {
		c.Add(tr.Counts)
	}
	return c
}
