// Package engine coordinates migration runs.
// It drives each object type through extraction, transformation, loading
// and optional verification, classifies failures and keeps the run report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leapstack-labs/crmsync/internal/dedupe"
	"github.com/leapstack-labs/crmsync/internal/extract"
	"github.com/leapstack-labs/crmsync/internal/load"
	"github.com/leapstack-labs/crmsync/internal/retry"
	"github.com/leapstack-labs/crmsync/internal/state"
	"github.com/leapstack-labs/crmsync/internal/transform"
	"github.com/leapstack-labs/crmsync/pkg/core"
	"github.com/leapstack-labs/crmsync/pkg/crm"
)

// Engine runs migrations between a source and a target portal.
type Engine struct {
	source core.Client
	target core.Client
	store  core.Store

	plans      map[core.ObjectType]core.ObjectPlan
	order      []core.ObjectType
	transforms *transform.Engine
	references map[core.ObjectType]map[string]core.ObjectType

	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Config holds engine configuration.
type Config struct {
	// Source and Target are the two portals. Source may be nil when only
	// csv extraction is used.
	Source core.Client
	Target core.Client
	// Store holds identity map entries, watermarks and run reports.
	Store core.Store
	// Plans lists the object types in their default processing order.
	Plans []core.ObjectPlan

	// MaxInFlight bounds concurrent requests per portal.
	MaxInFlight       int
	PageSize          int
	BatchSize         int
	Workers           int
	AssociationPolicy load.AssociationPolicy
	MaxDeferrals      int
	MergePolicy       core.MergePolicy
	Retry             retry.Policy

	// Now is the clock used for run timestamps (optional).
	Now func() time.Time
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
}

// New validates the plans, compiles their mapping rules and wraps both
// clients with the in-flight limit.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = logger
	}

	e := &Engine{
		store:      cfg.Store,
		plans:      make(map[core.ObjectType]core.ObjectPlan),
		references: make(map[core.ObjectType]map[string]core.ObjectType),
		cfg:        cfg,
		now:        cfg.Now,
		logger:     logger,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if cfg.Source != nil {
		e.source = crm.Throttle(cfg.Source, cfg.MaxInFlight)
	}
	if cfg.Target != nil {
		e.target = crm.Throttle(cfg.Target, cfg.MaxInFlight)
	}

	for _, plan := range cfg.Plans {
		if _, dup := e.plans[plan.Type]; dup {
			return nil, fmt.Errorf("object type %s is configured twice", plan.Type)
		}
		plan.Filter.Type = plan.Type
		e.plans[plan.Type] = plan
		e.order = append(e.order, plan.Type)
		for _, r := range plan.Rules {
			if r.Reference == "" {
				continue
			}
			if e.references[plan.Type] == nil {
				e.references[plan.Type] = make(map[string]core.ObjectType)
			}
			e.references[plan.Type][r.Target] = r.Reference
		}
	}

	transforms, err := transform.New(cfg.Plans, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to compile mapping rules: %w", err)
	}
	e.transforms = transforms

	logger.Debug("engine initialized", "object_types", len(e.order), "max_in_flight", cfg.MaxInFlight)
	return e, nil
}

// Close releases the state store.
func (e *Engine) Close() error {
	e.logger.Debug("closing engine")
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// Store returns the state store.
func (e *Engine) Store() core.Store {
	return e.store
}

// Plan returns the configured plan of t.
func (e *Engine) Plan(t core.ObjectType) (core.ObjectPlan, bool) {
	p, ok := e.plans[t]
	return p, ok
}

// Classify maps an error to its effect on the run. It is the only place
// where that decision is made.
func Classify(err error) core.ErrorKind {
	var (
		recErr     *transform.RecordError
		unknown    *transform.UnknownTransformError
		missingRec *extract.MissingRecordError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return core.KindRunFatal
	case errors.Is(err, state.ErrUnavailable), crm.IsUnavailable(err):
		return core.KindRunFatal
	case errors.Is(err, extract.ErrMissingWatermark), errors.As(err, &unknown):
		return core.KindRunFatal
	case errors.As(err, &recErr), errors.As(err, &missingRec):
		return core.KindRecordFatal
	case retry.IsExhausted(err):
		return core.KindRecordFatal
	case crm.IsRetryable(err):
		return core.KindTransient
	default:
		return core.KindRecordFatal
	}
}

func (e *Engine) newResolver() *dedupe.Resolver {
	rules := core.DefaultMatchRules()
	props := make(map[core.ObjectType][]string)
	for t, plan := range e.plans {
		if plan.Match != nil {
			m := *plan.Match
			m.Type = t
			rules[t] = m
		}
		props[t] = plan.MappedTargets()
	}
	return dedupe.New(dedupe.Config{
		Client:     e.target,
		Retry:      e.cfg.Retry,
		Rules:      rules,
		Properties: props,
		Logger:     e.logger,
	})
}

// Reset clears identity entries and watermarks of the given types. With
// watermarkOnly the identity map is kept. It returns the number of removed
// identity entries per type.
func (e *Engine) Reset(ctx context.Context, types []core.ObjectType, watermarkOnly bool) (map[core.ObjectType]int64, error) {
	removed := make(map[core.ObjectType]int64, len(types))
	for _, t := range types {
		if err := e.store.ClearWatermark(ctx, t); err != nil {
			return removed, fmt.Errorf("failed to clear %s watermark: %w", t, err)
		}
		if watermarkOnly {
			continue
		}
		n, err := e.store.ResetIdentities(ctx, t)
		if err != nil {
			return removed, fmt.Errorf("failed to reset %s identities: %w", t, err)
		}
		removed[t] = n
		e.logger.Info("identity map reset", "object_type", string(t), "removed", n)
	}
	return removed, nil
}
