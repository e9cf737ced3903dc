package load

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leapstack-labs/crmsync/pkg/core"
)

// commit drains the writes that were waiting for key to get a target id.
func (l *Loader) commit(ctx context.Context, key core.RecordKey, targetID string) error {
	for _, p := range l.queue.take(key) {
		if err := l.apply(ctx, p, targetID); err != nil {
			return err
		}
	}
	return nil
}

// link writes an association now if the other record is mapped, and defers
// or drops it otherwise.
func (l *Loader) link(ctx context.Context, p *pending) error {
	entry, err := l.cfg.Store.LookupIdentity(ctx, p.on.Type, p.on.SourceID)
	if err != nil {
		return err
	}
	if entry != nil {
		return l.apply(ctx, p, entry.TargetID)
	}
	return l.deferOrDrop(ctx, p)
}

func (l *Loader) deferOrDrop(ctx context.Context, p *pending) error {
	if l.cfg.AssociationPolicy == PolicyDrop {
		l.drop(p, "not loaded yet")
		return nil
	}
	l.queue.add(p)

	// The awaited record may have been committed between the first lookup
	// and the add above; its drain would then have missed p.
	entry, err := l.cfg.Store.LookupIdentity(ctx, p.on.Type, p.on.SourceID)
	if err != nil {
		return err
	}
	if entry != nil {
		return l.commit(ctx, p.on, entry.TargetID)
	}
	return nil
}

// apply performs a deferred write. Failures that are not run-fatal park the
// write for the next sweep until MaxDeferrals attempts are used.
func (l *Loader) apply(ctx context.Context, p *pending, toTarget string) error {
	p.attempts++
	var err error
	switch p.kind {
	case pendingProperty:
		props := core.NewProperties(p.property, toTarget)
		err = l.write(ctx, p.from.Type, p.fromTarget, props)
	default:
		err = l.associate(ctx, p, toTarget)
	}
	if err == nil {
		return nil
	}
	if l.classify(err) == core.KindRunFatal {
		return err
	}
	if p.attempts < l.cfg.MaxDeferrals {
		l.logger.Debug("deferred write failed, parking",
			slog.String("object_type", string(p.from.Type)),
			slog.String("source_id", p.from.SourceID),
			slog.String("write", p.describe()),
			slog.String("error", err.Error()))
		l.queue.park(p)
		return nil
	}
	l.report.AddError(core.RecordError{
		Type:     p.from.Type,
		SourceID: p.from.SourceID,
		Stage:    core.StageAssociate,
		Kind:     l.classify(err),
		Message:  fmt.Sprintf("%s: %v", p.describe(), err),
	})
	l.report.Update(p.from.Type, func(tr *core.TypeReport) { tr.Counts.AssociationsDropped++ })
	return nil
}

func (l *Loader) associate(ctx context.Context, p *pending, toTarget string) error {
	key := linkKey(p.from.Type, p.fromTarget, p.on.Type, toTarget, p.typeID)
	l.linkMu.Lock()
	done := l.linked[key]
	l.linkMu.Unlock()
	if done {
		return nil
	}

	link := core.AssociationLink{
		FromType: p.from.Type,
		FromID:   p.fromTarget,
		ToType:   p.on.Type,
		ToID:     toTarget,
		Category: p.category,
		TypeID:   p.typeID,
	}
	err := l.call(ctx, "associate "+string(p.from.Type), func(ctx context.Context) error {
		return l.cfg.Client.Associate(ctx, link)
	})
	if err != nil {
		return err
	}

	l.linkMu.Lock()
	l.linked[key] = true
	l.linkMu.Unlock()
	l.report.Update(p.from.Type, func(tr *core.TypeReport) { tr.Counts.AssociationsCreated++ })
	return nil
}

// linkKey identifies an association regardless of direction.
func linkKey(aType core.ObjectType, aID string, bType core.ObjectType, bID string, typeID int) string {
	a, b := string(aType)+"/"+aID, string(bType)+"/"+bID
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%s|%s|%d", a, b, typeID)
}

func (l *Loader) drop(p *pending, reason string) {
	l.report.AddError(core.RecordError{
		Type:     p.from.Type,
		SourceID: p.from.SourceID,
		Stage:    core.StageAssociate,
		Kind:     core.KindValidation,
		Message:  fmt.Sprintf("dropped %s: %s", p.describe(), reason),
	})
	l.report.Update(p.from.Type, func(tr *core.TypeReport) {
		tr.Counts.AssociationsDropped++
		tr.Counts.Diagnostics++
	})
}

// Pending returns the number of deferred writes not yet applied.
func (l *Loader) Pending() int {
	return l.queue.len()
}

// Sweep retries parked writes and re-checks the identity map for records
// still awaited. The coordinator calls it after each object type.
func (l *Loader) Sweep(ctx context.Context) error {
	for _, p := range l.queue.takeFailed() {
		entry, err := l.cfg.Store.LookupIdentity(ctx, p.on.Type, p.on.SourceID)
		if err != nil {
			return err
		}
		if entry == nil {
			l.queue.add(p)
			continue
		}
		if err := l.apply(ctx, p, entry.TargetID); err != nil {
			return err
		}
	}
	for _, key := range l.queue.keys() {
		entry, err := l.cfg.Store.LookupIdentity(ctx, key.Type, key.SourceID)
		if err != nil {
			return err
		}
		if entry != nil {
			if err := l.commit(ctx, key, entry.TargetID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Finish runs the remaining sweeps and drops every write that still cannot
// be applied. It returns the number of dropped writes.
func (l *Loader) Finish(ctx context.Context) (int, error) {
	for i := 0; i < l.cfg.MaxDeferrals && l.queue.len() > 0; i++ {
		if err := l.Sweep(ctx); err != nil {
			return 0, err
		}
	}
	dropped := 0
	for _, p := range l.queue.takeFailed() {
		l.drop(p, "gave up after retries")
		dropped++
	}
	for _, key := range l.queue.keys() {
		for _, p := range l.queue.take(key) {
			l.drop(p, "referenced record was never loaded")
			dropped++
		}
	}
	return dropped, nil
}
