// Package output renders run reports for the terminal or for machines.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/crmsync/pkg/core"
)

// Mode selects the output format.
type Mode string

// Output modes.
const (
	ModeText Mode = "text"
	ModeJSON Mode = "json"
	ModeYAML Mode = "yaml"
)

// maxErrorRows caps the error table in text mode. JSON and YAML carry every entry.
const maxErrorRows = 20

// Renderer writes command results in the configured mode.
type Renderer struct {
	out    io.Writer
	errOut io.Writer
	mode   Mode
}

// NewRenderer creates a renderer. Unknown modes fall back to text.
func NewRenderer(out, errOut io.Writer, mode Mode) *Renderer {
	switch mode {
	case ModeJSON, ModeYAML:
	default:
		mode = ModeText
	}
	return &Renderer{out: out, errOut: errOut, mode: mode}
}

// Mode returns the effective output mode.
func (r *Renderer) Mode() Mode {
	return r.mode
}

// Writer returns the primary output writer.
func (r *Renderer) Writer() io.Writer {
	return r.out
}

// Println writes a human-facing line. It is suppressed in machine modes so
// stdout stays parseable.
func (r *Renderer) Println(format string, args ...any) {
	if r.mode != ModeText {
		return
	}
	_, _ = fmt.Fprintf(r.out, format+"\n", args...)
}

// Warn writes a warning to the error stream.
func (r *Renderer) Warn(format string, args ...any) {
	_, _ = fmt.Fprintf(r.errOut, "Warning: "+format+"\n", args...)
}

// Encode writes v as JSON or YAML. It returns false in text mode.
func (r *Renderer) Encode(v any) (bool, error) {
	switch r.mode {
	case ModeJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case ModeYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

// RunReport renders one run report.
func (r *Renderer) RunReport(report *core.RunReport) error {
	if ok, err := r.Encode(report); ok {
		return err
	}
	w := r.out

	_, _ = fmt.Fprintf(w, "Run %s: %s\n", report.RunID, report.Status)
	_, _ = fmt.Fprintf(w, "Mode: %s", report.Mode)
	if report.DryRun {
		_, _ = fmt.Fprint(w, " (dry run)")
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Started: %s\n", report.StartedAt.Format(time.RFC3339))
	if report.CompletedAt != nil {
		_, _ = fmt.Fprintf(w, "Duration: %s\n", report.CompletedAt.Sub(report.StartedAt).Round(time.Millisecond))
	}
	if report.Cancelled {
		_, _ = fmt.Fprintln(w, "Cancelled: yes")
	}
	if report.Error != "" {
		_, _ = fmt.Fprintf(w, "Error: %s\n", report.Error)
	}
	_, _ = fmt.Fprintln(w)

	renderTypes(w, report)

	if v := report.Verification; v != nil {
		_, _ = fmt.Fprintln(w)
		renderVerification(w, v)
	}
	if len(report.Errors) > 0 {
		_, _ = fmt.Fprintln(w)
		renderErrors(w, report.Errors)
	}
	return nil
}

func renderTypes(w io.Writer, report *core.RunReport) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Object Type", "State", "Extracted", "Transformed", "Loaded", "Created", "Updated", "Merged", "Skipped", "Failed", "Associations"})
	for _, tr := range report.Types {
		c := tr.Counts
		t.AppendRow(table.Row{
			tr.Type, tr.State, c.Extracted, c.Transformed, c.Loaded, c.Created, c.Updated,
			c.DuplicatesMerged, c.Skipped, c.Failed, associations(c),
		})
	}
	c := report.Totals()
	t.AppendFooter(table.Row{"Total", "", c.Extracted, c.Transformed, c.Loaded, c.Created, c.Updated,
		c.DuplicatesMerged, c.Skipped, c.Failed, associations(c)})
	t.Render()
}

func associations(c core.Counts) string {
	if c.AssociationsDropped == 0 {
		return fmt.Sprintf("%d", c.AssociationsCreated)
	}
	return fmt.Sprintf("%d (%d dropped)", c.AssociationsCreated, c.AssociationsDropped)
}

func renderVerification(w io.Writer, v *core.VerificationSummary) {
	_, _ = fmt.Fprintf(w, "Verification: %d records, %d fields matched, %d expected divergences, %d unexplained, %d missing\n",
		v.Records, v.Matched, v.Expected, v.Unexplained, v.Missing)

	var rows []table.Row
	for _, d := range v.Diffs {
		for _, f := range d.Unexplained() {
			rows = append(rows, table.Row{d.Type, d.SourceID, d.TargetID, f.Target, f.Expected, f.Actual})
		}
	}
	if len(rows) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Object Type", "Source ID", "Target ID", "Property", "Expected", "Actual"})
	t.AppendRows(rows)
	t.Render()
}

func renderErrors(w io.Writer, errs []core.RecordError) {
	_, _ = fmt.Fprintf(w, "Errors (%d):\n", len(errs))
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Object Type", "Source ID", "Stage", "Kind", "Message"})
	for i, e := range errs {
		if i == maxErrorRows {
			break
		}
		t.AppendRow(table.Row{e.Type, e.SourceID, e.Stage, e.Kind, e.Message})
	}
	t.Render()
	if len(errs) > maxErrorRows {
		_, _ = fmt.Fprintf(w, "... and %d more (use -o json for the full list)\n", len(errs)-maxErrorRows)
	}
}

// RunSummary is the list view of one persisted run.
type RunSummary struct {
	RunID       string         `json:"run_id" yaml:"run_id"`
	Status      core.RunStatus `json:"status" yaml:"status"`
	Mode        core.Mode      `json:"mode" yaml:"mode"`
	DryRun      bool           `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	ObjectTypes string         `json:"object_types" yaml:"object_types"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	Loaded      int            `json:"loaded" yaml:"loaded"`
	Failed      int            `json:"failed" yaml:"failed"`
	Errors      int            `json:"errors" yaml:"errors"`
}

// Summarize builds the list view of a report.
func Summarize(report *core.RunReport) RunSummary {
	types := make([]string, len(report.ObjectTypes))
	for i, t := range report.ObjectTypes {
		types[i] = string(t)
	}
	totals := report.Totals()
	return RunSummary{
		RunID:       report.RunID,
		Status:      report.Status,
		Mode:        report.Mode,
		DryRun:      report.DryRun,
		ObjectTypes: strings.Join(types, ","),
		StartedAt:   report.StartedAt,
		Loaded:      totals.Loaded,
		Failed:      totals.Failed,
		Errors:      len(report.Errors),
	}
}

// Runs renders the run history, newest first.
func (r *Renderer) Runs(reports []*core.RunReport) error {
	summaries := make([]RunSummary, len(reports))
	for i, rep := range reports {
		summaries[i] = Summarize(rep)
	}
	if ok, err := r.Encode(summaries); ok {
		return err
	}
	if len(summaries) == 0 {
		_, _ = fmt.Fprintln(r.out, "No runs recorded.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run ID", "Status", "Mode", "Object Types", "Started", "Loaded", "Failed", "Errors"})
	for _, s := range summaries {
		mode := string(s.Mode)
		if s.DryRun {
			mode += " (dry run)"
		}
		t.AppendRow(table.Row{s.RunID, s.Status, mode, s.ObjectTypes, s.StartedAt.Format(time.RFC3339), s.Loaded, s.Failed, s.Errors})
	}
	t.Render()
	return nil
}

// ResetResult is the outcome of a reset command.
type ResetResult struct {
	ObjectTypes   []core.ObjectType         `json:"object_types" yaml:"object_types"`
	WatermarkOnly bool                      `json:"watermark_only" yaml:"watermark_only"`
	Removed       map[core.ObjectType]int64 `json:"removed_identities,omitempty" yaml:"removed_identities,omitempty"`
}

// Reset renders the outcome of a reset.
func (r *Renderer) Reset(res ResetResult) error {
	if ok, err := r.Encode(res); ok {
		return err
	}
	for _, t := range res.ObjectTypes {
		_, _ = fmt.Fprintf(r.out, "%s: watermark cleared\n", t)
	}
	if res.WatermarkOnly {
		return nil
	}
	types := make([]string, 0, len(res.Removed))
	for t := range res.Removed {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		_, _ = fmt.Fprintf(r.out, "%s: %d identity entries removed\n", t, res.Removed[core.ObjectType(t)])
	}
	return nil
}
