package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/crmsync/internal/state"
)

// NewRunsCommand creates the runs command with its list and show subcommands.
func NewRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect past run reports",
		Long:  `List persisted run reports or show one in full.`,
	}
	cmd.AddCommand(newRunsListCommand(), newRunsShowCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Example: `  crmsync runs list
  crmsync runs list --limit 5 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := NewCommandContext(cmd)
			store, err := cc.OpenStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			reports, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			return cc.Renderer.Runs(reports)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show (0 for all)")
	return cmd
}

func newRunsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "show <run-id>",
		Short:   "Show the full report of one run",
		Example: `  crmsync runs show 1f0c6b2e-4d1a-4c55-9f0e-3c7a8d2b9e41 -o yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := NewCommandContext(cmd)
			store, err := cc.OpenStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			report, err := store.GetRun(cmd.Context(), args[0])
			if errors.Is(err, state.ErrRunNotFound) {
				return fmt.Errorf("no run with id %s\nHint: use 'crmsync runs list' to see recorded runs", args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to load run: %w", err)
			}
			return cc.Renderer.RunReport(report)
		},
	}
}
