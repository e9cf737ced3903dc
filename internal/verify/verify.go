// Package verify compares loaded records with their source counterparts.
//
// Only mapped properties are compared. The expected target value of each
// property is recomputed by running the source record through the same
// transform engine the load used, so a difference produced by a declared
// transformation is told apart from one nobody can explain. The verifier
// only reads from the target and the identity map.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/leapstack-labs/crmsync/internal/retry"
	"github.com/leapstack-labs/crmsync/internal/state"
	"github.com/leapstack-labs/crmsync/internal/transform"
	"github.com/leapstack-labs/crmsync/pkg/core"
	"github.com/leapstack-labs/crmsync/pkg/crm"
)

// ErrNotMapped is returned for a source record without an identity entry.
var ErrNotMapped = errors.New("source record has no target mapping")

// Config holds verifier dependencies.
type Config struct {
	Target core.Client
	Store  core.IdentityStore
	Engine *transform.Engine
	Plans  map[core.ObjectType]core.ObjectPlan
	// MergePolicy is the policy the load used. Under fill_blank a merged
	// record may legitimately keep its own non-blank values.
	MergePolicy core.MergePolicy
	Retry       retry.Policy
	// Report receives per-record verification errors. Optional.
	Report *core.RunReport
	Logger *slog.Logger
}

// Verifier computes field-level diffs.
type Verifier struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a verifier.
func New(cfg Config) *Verifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MergePolicy == "" {
		cfg.MergePolicy = core.MergeFillBlank
	}
	return &Verifier{cfg: cfg, logger: logger}
}

// Record diffs one source record against its mapped target record.
func (v *Verifier) Record(ctx context.Context, rec core.Record) (*core.RecordDiff, error) {
	entry, err := v.cfg.Store.LookupIdentity(ctx, rec.Type, rec.SourceID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotMapped
	}

	res, err := v.cfg.Engine.Apply(rec)
	if err != nil {
		return nil, err
	}
	expected := res.Record.Properties

	targets, sources := v.columns(rec.Type, expected)
	var obj *core.RemoteObject
	err = v.cfg.Retry.Do(ctx, "verify get "+string(rec.Type), func(ctx context.Context) error {
		var err error
		obj, err = v.cfg.Target.Get(ctx, rec.Type, entry.TargetID, core.GetRequest{Properties: targets})
		return err
	})
	if err != nil {
		return nil, err
	}

	refs := v.references(rec.Type)
	diff := &core.RecordDiff{Type: rec.Type, SourceID: rec.SourceID, TargetID: entry.TargetID}
	for i, target := range targets {
		want := expected.Value(target)
		if refType, ok := refs[target]; ok && want != "" {
			want, err = v.referenceTarget(ctx, refType, want)
			if err != nil {
				return nil, err
			}
		}
		raw := rawValue(rec, sources[i])
		actual := obj.Properties[target]
		diff.Fields = append(diff.Fields, core.FieldDiff{
			Source:   strings.Join(sources[i], "|"),
			Target:   target,
			Raw:      raw,
			Expected: want,
			Actual:   actual,
			Class:    v.classify(entry.Origin, raw, want, actual),
		})
	}
	return diff, nil
}

// columns returns the compared target properties and the source names each
// one reads. Without rules every transformed property is compared.
func (v *Verifier) columns(t core.ObjectType, expected *core.Properties) ([]string, [][]string) {
	plan, ok := v.cfg.Plans[t]
	if !ok || len(plan.Rules) == 0 {
		keys := expected.Keys()
		sources := make([][]string, len(keys))
		for i, k := range keys {
			sources[i] = []string{k}
		}
		return keys, sources
	}

	var (
		targets []string
		sources [][]string
		index   = make(map[string]int)
	)
	for _, r := range plan.Rules {
		names := append([]string{r.Source}, r.Fallbacks...)
		if i, ok := index[r.Target]; ok {
			sources[i] = append(sources[i], names...)
			continue
		}
		index[r.Target] = len(targets)
		targets = append(targets, r.Target)
		sources = append(sources, names)
	}
	return targets, sources
}

func (v *Verifier) references(t core.ObjectType) map[string]core.ObjectType {
	out := make(map[string]core.ObjectType)
	for _, r := range v.cfg.Plans[t].Rules {
		if r.Reference != "" {
			out[r.Target] = r.Reference
		}
	}
	return out
}

// referenceTarget maps a referenced source id to its target id, or "" when
// the referenced record was never loaded.
func (v *Verifier) referenceTarget(ctx context.Context, t core.ObjectType, sourceID string) (string, error) {
	entry, err := v.cfg.Store.LookupIdentity(ctx, t, sourceID)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", nil
	}
	return entry.TargetID, nil
}

func rawValue(rec core.Record, names []string) string {
	for _, name := range names {
		if v, ok := rec.Properties.Get(name); ok && !transform.IsFalsey(v) {
			return v
		}
	}
	return ""
}

func (v *Verifier) classify(origin core.IdentityOrigin, raw, expected, actual string) core.FieldClass {
	switch {
	case !equal(expected, actual):
		if origin == core.OriginMerged && v.cfg.MergePolicy == core.MergeFillBlank && strings.TrimSpace(actual) != "" {
			return core.FieldExpectedDivergence
		}
		return core.FieldUnexplained
	case equal(raw, actual):
		return core.FieldMatch
	default:
		return core.FieldExpectedDivergence
	}
}

// equal compares property values the way the portal stores them: surrounding
// space is ignored and numbers compare by value.
func equal(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == b {
		return true
	}
	da, errA := decimal.NewFromString(a)
	db, errB := decimal.NewFromString(b)
	return errA == nil && errB == nil && da.Equal(db)
}

// Run verifies records of one type and returns the summary. Unmapped records
// and vanished targets count as missing. Only run-fatal failures of the
// store or the portal are returned.
func (v *Verifier) Run(ctx context.Context, t core.ObjectType, records []core.Record) (*core.VerificationSummary, error) {
	sum := &core.VerificationSummary{}
	logger := v.logger.With(slog.String("object_type", string(t)))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		diff, err := v.Record(ctx, rec)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotMapped):
			sum.Missing++
			continue
		case errors.Is(err, state.ErrUnavailable), crm.IsUnavailable(err):
			return sum, fmt.Errorf("failed to verify %s %s: %w", t, rec.SourceID, err)
		default:
			if crm.IsNotFound(err) {
				sum.Missing++
			}
			v.addError(rec, err)
			logger.Warn("verification failed", slog.String("source_id", rec.SourceID), slog.String("error", err.Error()))
			continue
		}

		sum.Records++
		keep := false
		for _, f := range diff.Fields {
			switch f.Class {
			case core.FieldMatch:
				sum.Matched++
			case core.FieldExpectedDivergence:
				sum.Expected++
				keep = true
			default:
				sum.Unexplained++
				keep = true
			}
		}
		if keep {
			sum.Diffs = append(sum.Diffs, *diff)
		}
	}
	logger.Info("verification finished",
		slog.Int("records", sum.Records),
		slog.Int("unexplained", sum.Unexplained),
		slog.Int("missing", sum.Missing))
	return sum, nil
}

func (v *Verifier) addError(rec core.Record, err error) {
	if v.cfg.Report == nil {
		return
	}
	v.cfg.Report.AddError(core.RecordError{
		Type:     rec.Type,
		SourceID: rec.SourceID,
		Stage:    core.StageVerify,
		Kind:     core.KindRecordFatal,
		Message:  err.Error(),
	})
}

// Merge adds src into dst.
func Merge(dst, src *core.VerificationSummary) {
	if src == nil {
		return
	}
	dst.Records += src.Records
	dst.Matched += src.Matched
	dst.Expected += src.Expected
	dst.Unexplained += src.Unexplained
	dst.Missing += src.Missing
	dst.Diffs = append(dst.Diffs, src.Diffs...)
}
