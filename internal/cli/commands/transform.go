package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/crmsync/internal/csvio"
	"github.com/leapstack-labs/crmsync/pkg/core"
)

// TransformOptions holds options for the transform command.
type TransformOptions struct {
	Type     string
	In       string
	Out      string
	IDColumn string
	Encoding string
}

// NewTransformCommand creates the transform command.
func NewTransformCommand() *cobra.Command {
	opts := &TransformOptions{}

	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Apply mapping rules to a CSV file without loading it",
		Long: `Read records of one object type from CSV, run them through the
configured mapping rules and write the result as CSV.

Nothing is written to a portal and the identity map is not touched. Rows
that fail their rules are left out of the output and listed in the run
report.`,
		Example: `  # Clean a contacts export
  crmsync transform --type contacts --in contacts.csv --out contacts.clean.csv

  # Use stdin and stdout
  cat companies.csv | crmsync transform --type companies > clean.csv`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTransform(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "Object type of the input rows")
	cmd.Flags().StringVar(&opts.In, "in", "", "Input CSV file (default: stdin)")
	cmd.Flags().StringVar(&opts.Out, "out", "", "Output CSV file (default: stdout)")
	cmd.Flags().StringVar(&opts.IDColumn, "id-column", "", "Column holding the source id (default: hs_object_id)")
	cmd.Flags().StringVar(&opts.Encoding, "encoding", csvio.EncodingUTF8, "Input encoding (utf-8|latin-1)")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runTransform(cmd *cobra.Command, opts *TransformOptions) (err error) {
	cc := NewCommandContext(cmd)

	t, err := core.ParseObjectType(opts.Type)
	if err != nil {
		return err
	}

	var in io.Reader = cmd.InOrStdin()
	if opts.In != "" && opts.In != "-" {
		f, err := os.Open(opts.In)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	toStdout := opts.Out == "" || opts.Out == "-"
	var out io.Writer = cmd.OutOrStdout()
	if !toStdout {
		f, err := os.Create(opts.Out)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("failed to close output: %w", cerr)
			}
		}()
		out = f
	}

	store, err := cc.OpenStore()
	if err != nil {
		return err
	}
	eng, err := cc.NewEngine(store, false)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() { _ = eng.Close() }()

	report, runErr := eng.TransformCSV(cmd.Context(), t, in, out, csvio.ReaderOptions{
		IDColumn: opts.IDColumn,
		Encoding: opts.Encoding,
	})
	if report != nil {
		if toStdout {
			// stdout carries the CSV; keep the summary on stderr.
			c := report.Totals()
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Run %s: %d of %d %s transformed, %d failed\n",
				report.RunID, c.Transformed, c.Extracted, t, c.Failed)
		} else if err := cc.Renderer.RunReport(report); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("transform failed: %w", runErr)
	}
	return nil
}
