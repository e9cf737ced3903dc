package engine

// run.go - Run orchestration across object types

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/leapstack-labs/crmsync/internal/csvio"
	"github.com/leapstack-labs/crmsync/internal/extract"
	"github.com/leapstack-labs/crmsync/internal/load"
	"github.com/leapstack-labs/crmsync/internal/verify"
	"github.com/leapstack-labs/crmsync/pkg/core"
)

// RunOptions selects what one run does.
type RunOptions struct {
	// Types are processed in this order. Defaults to the configured order.
	Types []core.ObjectType
	Mode  core.Mode
	// OpenCSV returns the input of one object type in csv mode.
	OpenCSV    func(t core.ObjectType) (io.ReadCloser, error)
	CSVOptions csvio.ReaderOptions
	Verify     bool
	DryRun     bool
}

// run holds the state of one run.
type run struct {
	e       *Engine
	opts    RunOptions
	report  *core.RunReport
	loader  *load.Loader
	sources map[core.ObjectType][]core.Record
	logger  *slog.Logger
}

// Run executes one migration run and always returns its report. Types are
// extracted, transformed and loaded one after another so later types can
// resolve references to earlier ones; deferred writes are drained after
// every type and dropped at the end when they still cannot be applied.
//
// A run-fatal error stops the run and is returned. Record-level failures
// are recorded in the report and the run continues. Watermarks are written
// only when the run completes.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*core.RunReport, error) {
	if len(opts.Types) == 0 {
		opts.Types = e.order
	}
	for _, t := range opts.Types {
		if _, ok := e.plans[t]; !ok {
			return nil, fmt.Errorf("object type %s is not configured", t)
		}
	}
	if opts.Mode == "" {
		opts.Mode = core.ModeFull
	}
	if e.target == nil {
		return nil, fmt.Errorf("no target client configured")
	}

	report := core.NewRunReport(uuid.NewString(), opts.Mode, opts.Types, e.now().UTC())
	report.DryRun = opts.DryRun
	logger := e.logger.With("run_id", report.RunID)
	logger.Info("starting run", "mode", string(opts.Mode), "object_types", len(opts.Types), "dry_run", opts.DryRun)

	if err := e.store.SaveRun(ctx, report); err != nil {
		return report, fmt.Errorf("failed to create run: %w", err)
	}

	r := &run{
		e:       e,
		opts:    opts,
		report:  report,
		sources: make(map[core.ObjectType][]core.Record),
		logger:  logger,
	}
	r.loader = load.New(load.Config{
		Client:            e.target,
		Store:             e.store,
		Resolver:          e.newResolver(),
		Retry:             e.cfg.Retry,
		Report:            report,
		RunID:             report.RunID,
		BatchSize:         e.cfg.BatchSize,
		Workers:           e.cfg.Workers,
		AssociationPolicy: e.cfg.AssociationPolicy,
		MaxDeferrals:      e.cfg.MaxDeferrals,
		MergePolicy:       e.cfg.MergePolicy,
		References:        e.references,
		DryRun:            opts.DryRun,
		Classify:          Classify,
		Now:               e.now,
		Logger:            logger,
	})

	runErr := r.execute(ctx)
	if runErr == nil {
		runErr = r.saveWatermarks(ctx)
	}
	r.complete(runErr)

	if err := e.store.SaveRun(context.WithoutCancel(ctx), report); err != nil {
		logger.Error("failed to save run report", "error", err.Error())
		return report, errors.Join(runErr, fmt.Errorf("failed to save run report: %w", err))
	}
	return report, runErr
}

func (r *run) execute(ctx context.Context) error {
	for _, t := range r.opts.Types {
		if err := ctx.Err(); err != nil {
			r.abort(t, err)
			return err
		}
		if err := r.migrate(ctx, t); err != nil {
			r.abort(t, err)
			return err
		}
	}

	dropped, err := r.loader.Finish(ctx)
	if err != nil {
		r.abort("", err)
		return err
	}
	if dropped > 0 {
		r.logger.Warn("deferred writes dropped", "count", dropped)
	}

	for _, t := range r.opts.Types {
		if r.opts.Verify && !r.opts.DryRun {
			if err := r.verify(ctx, t); err != nil {
				r.abort(t, err)
				return err
			}
		}
		if err := r.transition(t, core.StateCompleted); err != nil {
			return err
		}
	}
	return nil
}

// migrate moves one type from Pending to Loading.
func (r *run) migrate(ctx context.Context, t core.ObjectType) error {
	logger := r.logger.With("object_type", string(t))

	if err := r.transition(t, core.StateExtracting); err != nil {
		return err
	}
	records, err := r.extract(ctx, t)
	if err != nil {
		return err
	}
	logger.Debug("extracted", "records", len(records))

	if err := r.transition(t, core.StateTransforming); err != nil {
		return err
	}
	transformed := r.transform(t, records)

	if err := r.transition(t, core.StateLoading); err != nil {
		return err
	}
	if err := r.loader.Load(ctx, t, transformed); err != nil {
		return err
	}
	if err := r.loader.Sweep(ctx); err != nil {
		return fmt.Errorf("failed to apply deferred writes: %w", err)
	}
	logger.Info("loaded", "records", len(transformed), "pending", r.loader.Pending())
	return nil
}

func (r *run) extract(ctx context.Context, t core.ObjectType) ([]core.Record, error) {
	plan := r.e.plans[t]
	req := extract.Request{
		Mode:         r.opts.Mode,
		Filter:       plan.Filter,
		Properties:   plan.SourceProperties(),
		Associations: plan.Associations,
		CSVOptions:   r.opts.CSVOptions,
	}

	switch r.opts.Mode {
	case core.ModeIncremental:
		wm, err := r.e.store.GetWatermark(ctx, t)
		if err != nil {
			return nil, err
		}
		req.Watermark = wm
	case core.ModeCSV:
		if r.opts.OpenCSV == nil {
			return nil, fmt.Errorf("csv mode needs an input for %s", t)
		}
		rc, err := r.opts.OpenCSV(t)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s csv input: %w", t, err)
		}
		defer func() { _ = rc.Close() }()
		req.CSV = rc
	}

	ext := extract.New(extract.Config{
		Client:   r.e.source,
		Retry:    r.e.cfg.Retry,
		PageSize: r.e.cfg.PageSize,
		Logger:   r.logger,
	})
	seq, err := ext.Open(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s extraction: %w", t, err)
	}

	var records []core.Record
	for rec, err := range seq.All(ctx) {
		if err == nil {
			records = append(records, rec)
			continue
		}
		if !rejected(err) {
			return nil, fmt.Errorf("failed to extract %s: %w", t, err)
		}
		r.recordFailure(t, sourceIDOf(err), core.StageExtract, err)
	}
	r.report.Update(t, func(tr *core.TypeReport) { tr.Counts.Extracted += len(records) })
	return records, nil
}

// rejected reports whether err fails one record rather than the sequence.
func rejected(err error) bool {
	var (
		missing *extract.MissingRecordError
		row     *csvio.RowError
	)
	return errors.As(err, &missing) || errors.As(err, &row)
}

func sourceIDOf(err error) string {
	var missing *extract.MissingRecordError
	if errors.As(err, &missing) {
		return missing.ID
	}
	return ""
}

func (r *run) transform(t core.ObjectType, records []core.Record) []core.Record {
	out := make([]core.Record, 0, len(records))
	sources := make([]core.Record, 0, len(records))
	diagnostics := 0
	for _, rec := range records {
		res, err := r.e.transforms.Apply(rec)
		if err != nil {
			r.recordFailure(t, rec.SourceID, core.StageTransform, err)
			continue
		}
		for _, d := range res.Issues() {
			diagnostics++
			r.logger.Debug("transform diagnostic",
				"object_type", string(t),
				"source_id", rec.SourceID,
				"property", d.Property,
				"status", string(d.Status),
				"reason", d.Reason)
		}
		out = append(out, res.Record)
		sources = append(sources, rec)
	}
	r.sources[t] = sources
	r.report.Update(t, func(tr *core.TypeReport) {
		tr.Counts.Transformed += len(out)
		tr.Counts.Diagnostics += diagnostics
	})
	return out
}

func (r *run) verify(ctx context.Context, t core.ObjectType) error {
	if err := r.transition(t, core.StateVerifying); err != nil {
		return err
	}
	v := verify.New(verify.Config{
		Target:      r.e.target,
		Store:       r.e.store,
		Engine:      r.e.transforms,
		Plans:       r.e.plans,
		MergePolicy: r.e.cfg.MergePolicy,
		Retry:       r.e.cfg.Retry,
		Report:      r.report,
		Logger:      r.logger,
	})
	sum, err := v.Run(ctx, t, r.sources[t])
	if r.report.Verification == nil {
		r.report.Verification = &core.VerificationSummary{}
	}
	verify.Merge(r.report.Verification, sum)
	return err
}

func (r *run) recordFailure(t core.ObjectType, sourceID string, stage core.Stage, err error) {
	r.report.Update(t, func(tr *core.TypeReport) { tr.Counts.Failed++ })
	r.report.AddError(core.RecordError{
		Type:     t,
		SourceID: sourceID,
		Stage:    stage,
		Kind:     Classify(err),
		Message:  err.Error(),
	})
}

func (r *run) saveWatermarks(ctx context.Context) error {
	if r.opts.DryRun || r.opts.Mode == core.ModeCSV {
		return nil
	}
	for _, t := range r.opts.Types {
		if err := r.e.store.SetWatermark(ctx, t, r.report.StartedAt); err != nil {
			return fmt.Errorf("failed to save %s watermark: %w", t, err)
		}
	}
	return nil
}

// complete sets the final run status.
func (r *run) complete(runErr error) {
	completedAt := r.e.now().UTC()
	r.report.CompletedAt = &completedAt
	totals := r.report.Totals()

	if runErr != nil {
		r.report.Status = core.RunStatusFailed
		r.report.Error = runErr.Error()
		r.report.Cancelled = errors.Is(runErr, context.Canceled)
		r.logger.Info("run failed",
			"error", runErr.Error(),
			"kind", string(Classify(runErr)),
			"cancelled", r.report.Cancelled)
		return
	}
	r.report.Status = core.RunStatusCompleted
	r.logger.Info("run completed",
		"loaded", totals.Loaded,
		"created", totals.Created,
		"updated", totals.Updated,
		"failed", totals.Failed,
		"errors", len(r.report.Errors))
}
