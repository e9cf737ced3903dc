package core

import "time"

// Record is one business record moving through the pipeline.
// SourceID is unique within an object type for a given run.
type Record struct {
	Type         ObjectType
	SourceID     string
	TargetID     string
	Properties   *Properties
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Associations []AssociationRef
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	c := r
	c.Properties = r.Properties.Clone()
	if r.Associations != nil {
		c.Associations = make([]AssociationRef, len(r.Associations))
		copy(c.Associations, r.Associations)
	}
	return c
}

// Key returns the identity key of the record.
func (r Record) Key() RecordKey {
	return RecordKey{Type: r.Type, SourceID: r.SourceID}
}

// RecordKey identifies a source record across object types.
type RecordKey struct {
	Type     ObjectType
	SourceID string
}

func (k RecordKey) String() string { return string(k.Type) + "/" + k.SourceID }

// AssociationRef is an association carried on a source record, pointing at
// another source record.
type AssociationRef struct {
	ToType     ObjectType
	ToSourceID string
	Category   string
	TypeID     int
}

// Association links two records by source ids. Both endpoints are resolved
// through the identity map before the link is written to the target.
type Association struct {
	FromType     ObjectType
	FromSourceID string
	ToType       ObjectType
	ToSourceID   string
	Category     string
	TypeID       int
}

// Association category constants.
const (
	AssociationCategoryDefined     = "HUBSPOT_DEFINED"
	AssociationCategoryUserDefined = "USER_DEFINED"
)
