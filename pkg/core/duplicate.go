package core

// Resolution is the duplicate resolver's decision for one record.
type Resolution string

// Resolutions.
const (
	ResolutionCreate Resolution = "create"
	ResolutionMerge  Resolution = "merge"
	ResolutionSkip   Resolution = "skip"
	// ResolutionUpdate is used when the identity map already holds the record.
	ResolutionUpdate Resolution = "update"
)

// MergePolicy controls which target fields a merge may overwrite.
type MergePolicy string

// Merge policies.
const (
	// MergeFillBlank only writes source values into blank target fields.
	MergeFillBlank MergePolicy = "fill_blank"
	// MergeOverwrite writes every mapped source value.
	MergeOverwrite MergePolicy = "overwrite"
)

// DuplicateCandidate is a target record matching a source record's key.
type DuplicateCandidate struct {
	TargetID   string
	Properties map[string]string
}

// DuplicateDecision is the resolver output.
type DuplicateDecision struct {
	Resolution Resolution
	MatchKey   string
	Candidate  *DuplicateCandidate
	// Candidates holds every matching target id, sorted.
	Candidates []string
	Reason     string
}
