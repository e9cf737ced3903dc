package core

import "time"

// IdentityOrigin records how a target record came to be mapped.
type IdentityOrigin string

// Identity origins.
const (
	OriginCreated IdentityOrigin = "created"
	OriginMerged  IdentityOrigin = "merged"
)

// IdentityEntry maps a source record to its target counterpart.
// Entries are created on the first successful load, updated on later loads
// and only removed by an explicit reset.
type IdentityEntry struct {
	Type         ObjectType
	SourceID     string
	TargetID     string
	Origin       IdentityOrigin
	RunID        string
	LastSyncedAt time.Time
}

// Key returns the source key of the entry.
func (e IdentityEntry) Key() RecordKey {
	return RecordKey{Type: e.Type, SourceID: e.SourceID}
}
