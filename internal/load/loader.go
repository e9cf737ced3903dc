// Package load writes transformed records into the target portal.
//
// The loader is the only writer of identity map entries. A record that is
// already mapped is updated in place; an unmapped record goes through the
// duplicate resolver and is created, merged into an existing record, or
// skipped. Work on the same source record is serialized, so two workers can
// never create the same record twice.
//
// Properties that reference another record and associations are rewritten
// through the identity map. When the other record has no target id yet the
// write is deferred until that record is committed, or dropped with a
// diagnostic when the association policy says so.
package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/leapstack-labs/crmsync/internal/dedupe"
	"github.com/leapstack-labs/crmsync/internal/retry"
	"github.com/leapstack-labs/crmsync/internal/state"
	"github.com/leapstack-labs/crmsync/pkg/core"
	"github.com/leapstack-labs/crmsync/pkg/crm"
)

// Defaults.
const (
	DefaultBatchSize    = 100
	DefaultWorkers      = 4
	DefaultMaxDeferrals = 3
)

// AssociationPolicy decides what happens to a reference whose other end
// has not been loaded yet.
type AssociationPolicy string

// Association policies.
const (
	PolicyDefer AssociationPolicy = "defer"
	PolicyDrop  AssociationPolicy = "drop"
)

// Resolver decides how an unmapped record reaches the target.
type Resolver interface {
	Resolve(ctx context.Context, rec core.Record) (*core.DuplicateDecision, error)
}

// Outcome describes what happened to one record.
type Outcome struct {
	Type     core.ObjectType
	SourceID string
	TargetID string
	Action   core.Resolution
	Batch    int
	Err      error
}

// Config holds loader dependencies and policies.
type Config struct {
	Client   core.Client
	Store    core.IdentityStore
	Resolver Resolver
	Retry    retry.Policy
	// Report receives counts, batch outcomes and error entries.
	Report *core.RunReport
	RunID  string

	BatchSize int
	// Workers bounds the number of batches in flight.
	Workers           int
	AssociationPolicy AssociationPolicy
	// MaxDeferrals bounds how often a deferred write is attempted.
	MaxDeferrals int
	MergePolicy  core.MergePolicy
	// References maps a type's target properties to the object type whose
	// source id they hold.
	References map[core.ObjectType]map[string]core.ObjectType
	// DryRun plans writes without touching the target or the identity map.
	DryRun bool

	// Classify maps an error to its kind. Run-fatal errors abort the load.
	Classify func(error) core.ErrorKind
	Observer func(Outcome)
	Now      func() time.Time
	Logger   *slog.Logger
}

// Loader writes records and maintains the identity map.
type Loader struct {
	cfg      Config
	locks    *keyLocks
	queue    *deferredQueue
	report   *core.RunReport
	classify func(error) core.ErrorKind
	now      func() time.Time
	logger   *slog.Logger

	linkMu sync.Mutex
	linked map[string]bool
}

// New creates a loader.
func New(cfg Config) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxDeferrals <= 0 {
		cfg.MaxDeferrals = DefaultMaxDeferrals
	}
	if cfg.AssociationPolicy == "" {
		cfg.AssociationPolicy = PolicyDefer
	}
	if cfg.MergePolicy == "" {
		cfg.MergePolicy = core.MergeFillBlank
	}
	l := &Loader{
		cfg:      cfg,
		locks:    newKeyLocks(),
		queue:    newDeferredQueue(),
		report:   cfg.Report,
		classify: cfg.Classify,
		now:      cfg.Now,
		logger:   cfg.Logger,
		linked:   make(map[string]bool),
	}
	if l.report == nil {
		l.report = core.NewRunReport(cfg.RunID, core.ModeFull, nil, time.Now().UTC())
	}
	if l.classify == nil {
		l.classify = defaultClassify
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.New(slog.DiscardHandler)
	}
	return l
}

func defaultClassify(err error) core.ErrorKind {
	if errors.Is(err, state.ErrUnavailable) || crm.IsUnavailable(err) {
		return core.KindRunFatal
	}
	return core.KindRecordFatal
}

// stageError tags an error with the stage that produced it.
type stageError struct {
	stage core.Stage
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func at(stage core.Stage, err error) error {
	if err == nil {
		return nil
	}
	return &stageError{stage: stage, err: err}
}

func stageOf(err error) core.Stage {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return core.StageLoad
}

// Load writes records of one type in fixed-size batches. Batches run
// concurrently up to the worker limit and fail independently. When ctx is
// cancelled no new batch starts, batches already running finish, and
// ctx.Err() is returned. A run-fatal error stops scheduling and is returned.
func (l *Loader) Load(ctx context.Context, t core.ObjectType, records []core.Record) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(l.cfg.Workers))
	firstErr := l.report.ErrorCount()

	for i, start := 0, 0; start < len(records); i, start = i+1, start+l.cfg.BatchSize {
		// Acquire can succeed on a done context when a slot is free.
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		if gctx.Err() != nil {
			sem.Release(1)
			break
		}
		batch := records[start:min(start+l.cfg.BatchSize, len(records))]
		index := i + 1
		g.Go(func() error {
			defer sem.Release(1)
			return l.loadBatch(context.WithoutCancel(gctx), t, index, batch)
		})
	}

	err := g.Wait()
	l.report.Update(t, func(tr *core.TypeReport) {
		sort.Slice(tr.Batches, func(i, j int) bool { return tr.Batches[i].Index < tr.Batches[j].Index })
	})
	l.report.SortErrors(t, firstErr)
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (l *Loader) loadBatch(ctx context.Context, t core.ObjectType, index int, batch []core.Record) error {
	outcome := core.BatchOutcome{Index: index, Size: len(batch)}
	defer func() {
		l.report.Update(t, func(tr *core.TypeReport) { tr.Batches = append(tr.Batches, outcome) })
	}()

	logger := l.logger.With(slog.String("object_type", string(t)), slog.Int("batch", index))
	logger.Debug("loading batch", slog.Int("size", len(batch)))

	for _, rec := range batch {
		action, targetID, err := l.loadRecord(ctx, index, rec)
		if l.cfg.Observer != nil {
			l.cfg.Observer(Outcome{Type: t, SourceID: rec.SourceID, TargetID: targetID, Action: action, Batch: index, Err: err})
		}
		if err == nil {
			if action != core.ResolutionSkip {
				outcome.Loaded++
			}
			continue
		}

		kind := l.classify(err)
		if kind == core.KindRunFatal {
			logger.Error("run-fatal load failure", slog.String("source_id", rec.SourceID), slog.String("error", err.Error()))
			return fmt.Errorf("failed to load %s %s: %w", t, rec.SourceID, err)
		}
		outcome.Failed++
		l.report.Update(t, func(tr *core.TypeReport) { tr.Counts.Failed++ })
		l.report.AddError(core.RecordError{
			Type:     t,
			SourceID: rec.SourceID,
			Stage:    stageOf(err),
			Kind:     kind,
			Message:  err.Error(),
			Batch:    index,
		})
		logger.Warn("record failed", slog.String("source_id", rec.SourceID), slog.String("error", err.Error()))
	}
	return nil
}

// loadRecord writes one record while holding its source id lock.
func (l *Loader) loadRecord(ctx context.Context, batch int, rec core.Record) (core.Resolution, string, error) {
	unlock := l.locks.lock(rec.Key())
	defer unlock()

	entry, err := l.cfg.Store.LookupIdentity(ctx, rec.Type, rec.SourceID)
	if err != nil {
		return "", "", err
	}

	props, unresolved, err := l.resolveReferences(ctx, rec)
	if err != nil {
		return "", "", err
	}

	var (
		action   core.Resolution
		targetID string
		origin   core.IdentityOrigin
	)
	if entry != nil {
		action, targetID, origin = core.ResolutionUpdate, entry.TargetID, entry.Origin
		if err := l.update(ctx, rec.Type, entry, props); err != nil {
			if !crm.IsNotFound(err) {
				return "", "", at(core.StageLoad, err)
			}
			l.logger.Warn("mapped target record is gone, resolving again",
				slog.String("object_type", string(rec.Type)),
				slog.String("source_id", rec.SourceID),
				slog.String("target_id", entry.TargetID))
			entry = nil
		}
	}

	if entry == nil {
		resolved := rec
		resolved.Properties = props
		decision, err := l.cfg.Resolver.Resolve(ctx, resolved)
		if err != nil {
			return "", "", at(core.StageDedupe, err)
		}
		switch decision.Resolution {
		case core.ResolutionSkip:
			l.report.Update(rec.Type, func(tr *core.TypeReport) { tr.Counts.Skipped++ })
			l.report.AddError(core.RecordError{
				Type:     rec.Type,
				SourceID: rec.SourceID,
				Stage:    core.StageDedupe,
				Kind:     core.KindRecordFatal,
				Message:  decision.Reason,
				Batch:    batch,
			})
			return core.ResolutionSkip, "", nil
		case core.ResolutionMerge:
			action, targetID, origin = core.ResolutionMerge, decision.Candidate.TargetID, core.OriginMerged
			if err := l.merge(ctx, rec.Type, targetID, props, decision.Candidate.Properties); err != nil {
				return "", "", at(core.StageLoad, err)
			}
		default:
			action, origin = core.ResolutionCreate, core.OriginCreated
			targetID, err = l.create(ctx, rec.Type, props)
			var dup *crm.DuplicateError
			if errors.As(err, &dup) && dup.ExistingID != "" {
				action, targetID, origin = core.ResolutionMerge, dup.ExistingID, core.OriginMerged
				err = l.mergeExisting(ctx, rec.Type, targetID, props)
			}
			if err != nil {
				return "", "", at(core.StageLoad, err)
			}
		}
	}

	l.count(rec.Type, action)
	if l.cfg.DryRun {
		return action, targetID, nil
	}

	err = l.cfg.Store.PutIdentity(ctx, core.IdentityEntry{
		Type:         rec.Type,
		SourceID:     rec.SourceID,
		TargetID:     targetID,
		Origin:       origin,
		RunID:        l.cfg.RunID,
		LastSyncedAt: l.now().UTC(),
	})
	if err != nil {
		return action, targetID, err
	}

	if err := l.commit(ctx, rec.Key(), targetID); err != nil {
		return action, targetID, err
	}
	from := rec.Key()
	for _, u := range unresolved {
		u.from, u.fromTarget = from, targetID
		if err := l.deferOrDrop(ctx, u); err != nil {
			return action, targetID, err
		}
	}
	for _, ref := range rec.Associations {
		p := &pending{
			kind:       pendingAssociation,
			from:       from,
			fromTarget: targetID,
			on:         core.RecordKey{Type: ref.ToType, SourceID: ref.ToSourceID},
			category:   ref.Category,
			typeID:     ref.TypeID,
		}
		if err := l.link(ctx, p); err != nil {
			return action, targetID, err
		}
	}
	return action, targetID, nil
}

func (l *Loader) count(t core.ObjectType, action core.Resolution) {
	l.report.Update(t, func(tr *core.TypeReport) {
		tr.Counts.Loaded++
		switch action {
		case core.ResolutionCreate:
			tr.Counts.Created++
		case core.ResolutionUpdate:
			tr.Counts.Updated++
		case core.ResolutionMerge:
			tr.Counts.DuplicatesMerged++
		}
	})
}

// resolveReferences rewrites reference properties to target ids. References
// whose record is not mapped yet are removed from the write and returned.
func (l *Loader) resolveReferences(ctx context.Context, rec core.Record) (*core.Properties, []*pending, error) {
	props := rec.Properties.Clone()
	refs := l.cfg.References[rec.Type]
	if len(refs) == 0 {
		return props, nil, nil
	}
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)

	var unresolved []*pending
	for _, name := range names {
		sourceID, ok := props.Get(name)
		if !ok || sourceID == "" {
			continue
		}
		on := core.RecordKey{Type: refs[name], SourceID: sourceID}
		entry, err := l.cfg.Store.LookupIdentity(ctx, on.Type, on.SourceID)
		if err != nil {
			return nil, nil, err
		}
		if entry != nil {
			props.Set(name, entry.TargetID)
			continue
		}
		props.Delete(name)
		unresolved = append(unresolved, &pending{kind: pendingProperty, on: on, property: name})
	}
	return props, unresolved, nil
}

func (l *Loader) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return l.cfg.Retry.Do(ctx, op, fn)
}

func (l *Loader) create(ctx context.Context, t core.ObjectType, props *core.Properties) (string, error) {
	if l.cfg.DryRun {
		return "", nil
	}
	var obj *core.RemoteObject
	err := l.call(ctx, "create "+string(t), func(ctx context.Context) error {
		var err error
		obj, err = l.cfg.Client.Create(ctx, t, props.Map())
		return err
	})
	if err != nil {
		return "", err
	}
	return obj.ID, nil
}

func (l *Loader) write(ctx context.Context, t core.ObjectType, id string, props *core.Properties) error {
	if l.cfg.DryRun || props.Len() == 0 {
		return nil
	}
	return l.call(ctx, "update "+string(t), func(ctx context.Context) error {
		_, err := l.cfg.Client.Update(ctx, t, id, props.Map())
		return err
	})
}

func (l *Loader) get(ctx context.Context, t core.ObjectType, id string) (map[string]string, error) {
	var obj *core.RemoteObject
	err := l.call(ctx, "get "+string(t), func(ctx context.Context) error {
		var err error
		obj, err = l.cfg.Client.Get(ctx, t, id, core.GetRequest{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return obj.Properties, nil
}

// update rewrites a mapped record. Records we created are overwritten;
// records we merged into keep the merge policy.
func (l *Loader) update(ctx context.Context, t core.ObjectType, entry *core.IdentityEntry, props *core.Properties) error {
	if entry.Origin == core.OriginMerged {
		return l.mergeExisting(ctx, t, entry.TargetID, props)
	}
	return l.write(ctx, t, entry.TargetID, props)
}

func (l *Loader) mergeExisting(ctx context.Context, t core.ObjectType, id string, props *core.Properties) error {
	current, err := l.get(ctx, t, id)
	if err != nil {
		return err
	}
	return l.merge(ctx, t, id, props, current)
}

func (l *Loader) merge(ctx context.Context, t core.ObjectType, id string, props *core.Properties, current map[string]string) error {
	return l.write(ctx, t, id, dedupe.MergePatch(l.cfg.MergePolicy, props, current))
}
