package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leapstack-labs/crmsync/pkg/core"
)

// MemoryStore is a thread-safe in-memory core.Store.
// Reports are stored encoded so callers never share mutable state with it.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[core.RecordKey]core.IdentityEntry
	watermarks map[core.ObjectType]time.Time
	runs       map[string][]byte
	failure    error
}

var _ core.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[core.RecordKey]core.IdentityEntry),
		watermarks: make(map[core.ObjectType]time.Time),
		runs:       make(map[string][]byte),
	}
}

// FailWith makes every later call fail with err wrapped in ErrUnavailable.
// A nil err restores normal operation.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

func (m *MemoryStore) check(op string) error {
	if m.failure != nil {
		return unavailable(op, m.failure)
	}
	return nil
}

// LookupIdentity implements core.IdentityStore.
func (m *MemoryStore) LookupIdentity(_ context.Context, t core.ObjectType, sourceID string) (*core.IdentityEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("lookup identity"); err != nil {
		return nil, err
	}

	entry, ok := m.identities[core.RecordKey{Type: t, SourceID: sourceID}]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// PutIdentity implements core.IdentityStore.
func (m *MemoryStore) PutIdentity(_ context.Context, entry core.IdentityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("put identity"); err != nil {
		return err
	}

	if entry.Origin == "" {
		entry.Origin = core.OriginCreated
	}
	m.identities[entry.Key()] = entry
	return nil
}

// ListIdentities implements core.IdentityStore.
func (m *MemoryStore) ListIdentities(_ context.Context, t core.ObjectType) ([]core.IdentityEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("list identities"); err != nil {
		return nil, err
	}

	var out []core.IdentityEntry
	for k, e := range m.identities {
		if k.Type == t {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// ResetIdentities implements core.IdentityStore.
func (m *MemoryStore) ResetIdentities(_ context.Context, t core.ObjectType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("reset identities"); err != nil {
		return 0, err
	}

	var n int64
	for k := range m.identities {
		if k.Type == t {
			delete(m.identities, k)
			n++
		}
	}
	return n, nil
}

// GetWatermark implements core.WatermarkStore.
func (m *MemoryStore) GetWatermark(_ context.Context, t core.ObjectType) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get watermark"); err != nil {
		return nil, err
	}

	at, ok := m.watermarks[t]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

// SetWatermark implements core.WatermarkStore.
func (m *MemoryStore) SetWatermark(_ context.Context, t core.ObjectType, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("set watermark"); err != nil {
		return err
	}
	m.watermarks[t] = at
	return nil
}

// ClearWatermark implements core.WatermarkStore.
func (m *MemoryStore) ClearWatermark(_ context.Context, t core.ObjectType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("clear watermark"); err != nil {
		return err
	}
	delete(m.watermarks, t)
	return nil
}

// SaveRun implements core.RunStore.
func (m *MemoryStore) SaveRun(_ context.Context, report *core.RunReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("save run"); err != nil {
		return err
	}
	m.runs[report.RunID] = body
	return nil
}

// GetRun implements core.RunStore.
func (m *MemoryStore) GetRun(_ context.Context, id string) (*core.RunReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get run"); err != nil {
		return nil, err
	}

	body, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return decodeReport(string(body))
}

// ListRuns implements core.RunStore.
func (m *MemoryStore) ListRuns(_ context.Context, limit int) ([]*core.RunReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("list runs"); err != nil {
		return nil, err
	}

	reports := make([]*core.RunReport, 0, len(m.runs))
	for _, body := range m.runs {
		r, err := decodeReport(string(body))
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool {
		if !reports[i].StartedAt.Equal(reports[j].StartedAt) {
			return reports[i].StartedAt.After(reports[j].StartedAt)
		}
		return reports[i].RunID < reports[j].RunID
	})
	if limit > 0 && len(reports) > limit {
		reports = reports[:limit]
	}
	return reports, nil
}

// Close implements core.Store.
func (m *MemoryStore) Close() error { return nil }
