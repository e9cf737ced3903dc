package core

import (
	"context"
	"time"
)

// IdentityStore persists source-to-target record mappings.
type IdentityStore interface {
	// LookupIdentity returns the entry for a source record, or nil when unmapped.
	LookupIdentity(ctx context.Context, t ObjectType, sourceID string) (*IdentityEntry, error)
	// PutIdentity inserts or updates an entry.
	PutIdentity(ctx context.Context, entry IdentityEntry) error
	// ListIdentities returns all entries of a type ordered by source id.
	ListIdentities(ctx context.Context, t ObjectType) ([]IdentityEntry, error)
	// ResetIdentities removes all entries of a type.
	ResetIdentities(ctx context.Context, t ObjectType) (int64, error)
}

// WatermarkStore persists incremental extraction watermarks.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, t ObjectType) (*time.Time, error)
	SetWatermark(ctx context.Context, t ObjectType, at time.Time) error
	ClearWatermark(ctx context.Context, t ObjectType) error
}

// RunStore persists run reports.
type RunStore interface {
	SaveRun(ctx context.Context, report *RunReport) error
	GetRun(ctx context.Context, id string) (*RunReport, error)
	ListRuns(ctx context.Context, limit int) ([]*RunReport, error)
}

// Store is the complete persisted state of the migration engine.
type Store interface {
	IdentityStore
	WatermarkStore
	RunStore
	Close() error
}
