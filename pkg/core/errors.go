package core

import "fmt"

// ErrorKind classifies a failure by its effect on the run.
type ErrorKind string

// Error kinds.
const (
	// KindTransient failures are retried with backoff.
	KindTransient ErrorKind = "transient"
	// KindRecordFatal failures fail one record; the run continues.
	KindRecordFatal ErrorKind = "record_fatal"
	// KindRunFatal failures abort the run.
	KindRunFatal ErrorKind = "run_fatal"
	// KindValidation is a diagnostic, not an error.
	KindValidation ErrorKind = "validation"
)

// Stage names the pipeline stage where a record error happened.
type Stage string

// Pipeline stages.
const (
	StageExtract   Stage = "extract"
	StageTransform Stage = "transform"
	StageDedupe    Stage = "dedupe"
	StageLoad      Stage = "load"
	StageAssociate Stage = "associate"
	StageVerify    Stage = "verify"
)

// RecordError is one entry in a run report's error list.
type RecordError struct {
	Type     ObjectType `json:"object_type" yaml:"object_type"`
	SourceID string     `json:"source_id" yaml:"source_id"`
	Stage    Stage      `json:"stage" yaml:"stage"`
	Kind     ErrorKind  `json:"kind" yaml:"kind"`
	Message  string     `json:"message" yaml:"message"`
	Batch    int        `json:"batch,omitempty" yaml:"batch,omitempty"`
}

func (e RecordError) Error() string {
	return fmt.Sprintf("%s %s/%s: %s (%s)", e.Stage, e.Type, e.SourceID, e.Message, e.Kind)
}
