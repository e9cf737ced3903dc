package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/leapstack-labs/crmsync/internal/csvio"
	"github.com/leapstack-labs/crmsync/pkg/core"
)

// TransformCSV runs the transform-only pipeline: rows of one object type are
// read from in, mapped through the type's rules and written to out. Nothing
// is loaded and the identity map is not touched. The report is persisted
// like any other run.
func (e *Engine) TransformCSV(ctx context.Context, t core.ObjectType, in io.Reader, out io.Writer, opts csvio.ReaderOptions) (*core.RunReport, error) {
	plan, ok := e.plans[t]
	if !ok {
		return nil, fmt.Errorf("object type %s is not configured", t)
	}
	opts.Type = t

	report := core.NewRunReport(uuid.NewString(), core.ModeCSV, []core.ObjectType{t}, e.now().UTC())
	logger := e.logger.With("run_id", report.RunID, "object_type", string(t))

	err := advance(report, t, core.StateExtracting, e.now().UTC())
	if err == nil {
		err = e.transformCSV(ctx, plan, report, in, out, opts)
	}
	if err == nil {
		err = advance(report, t, core.StateCompleted, e.now().UTC())
	}
	completedAt := e.now().UTC()
	report.CompletedAt = &completedAt
	if err != nil {
		report.Status = core.RunStatusFailed
		report.Error = err.Error()
		report.Cancelled = errors.Is(err, context.Canceled)
		fail(report, t, err.Error(), completedAt)
	} else {
		report.Status = core.RunStatusCompleted
	}
	logger.Info("transform finished", "status", string(report.Status))

	if saveErr := e.store.SaveRun(context.WithoutCancel(ctx), report); saveErr != nil {
		return report, errors.Join(err, fmt.Errorf("failed to save run report: %w", saveErr))
	}
	return report, err
}

func (e *Engine) transformCSV(ctx context.Context, plan core.ObjectPlan, report *core.RunReport, in io.Reader, out io.Writer, opts csvio.ReaderOptions) error {
	t := plan.Type
	reader, err := csvio.NewReader(in, opts)
	if err != nil {
		return fmt.Errorf("failed to open csv input: %w", err)
	}
	if err := advance(report, t, core.StateTransforming, e.now().UTC()); err != nil {
		return err
	}
	columns := plan.MappedTargets()
	if len(columns) == 0 {
		columns = reader.Header()
	}
	writer := csvio.NewWriter(out, opts.IDColumn, columns)

	var counts core.Counts
	defer func() {
		report.Update(t, func(tr *core.TypeReport) { tr.Counts.Add(counts) })
	}()

	for rec, err := range reader.Records() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			var row *csvio.RowError
			if !errors.As(err, &row) {
				return fmt.Errorf("failed to read csv input: %w", err)
			}
			counts.Failed++
			report.AddError(core.RecordError{Type: t, Stage: core.StageExtract, Kind: core.KindRecordFatal, Message: err.Error()})
			continue
		}
		counts.Extracted++

		res, err := e.transforms.Apply(rec)
		if err != nil {
			counts.Failed++
			report.AddError(core.RecordError{Type: t, SourceID: rec.SourceID, Stage: core.StageTransform, Kind: Classify(err), Message: err.Error()})
			continue
		}
		counts.Diagnostics += len(res.Issues())
		if err := writer.Write(res.Record); err != nil {
			return err
		}
		counts.Transformed++
	}
	for _, w := range reader.Warnings() {
		e.logger.Warn("csv input warning", "object_type", string(t), "row", w.Row, "message", w.Message)
	}
	return writer.Flush()
}
