package commands

import (
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/crmsync/internal/cli/output"
	"github.com/leapstack-labs/crmsync/pkg/core"
)

// NewResetCommand creates the reset command.
func NewResetCommand() *cobra.Command {
	var (
		types         string
		watermarkOnly bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear identity map entries and watermarks",
		Long: `Forget what earlier runs migrated for the given object types.

Without --watermark-only the identity map entries are removed too, so the
next run treats every source record as new and resolves it against target
duplicates again.`,
		Example: `  # Start contacts over
  crmsync reset --type contacts

  # Force the next incremental run to read everything
  crmsync reset --type contacts,companies --watermark-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := NewCommandContext(cmd)

			parsed, err := core.ParseObjectTypes(types)
			if err != nil {
				return err
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

			removed, err := eng.Reset(cmd.Context(), parsed, watermarkOnly)
			if err != nil {
				return err
			}
			return cc.Renderer.Reset(output.ResetResult{
				ObjectTypes:   parsed,
				WatermarkOnly: watermarkOnly,
				Removed:       removed,
			})
		},
	}

	cmd.Flags().StringVar(&types, "type", "", "Comma-separated object types to reset")
	cmd.Flags().BoolVar(&watermarkOnly, "watermark-only", false, "Keep the identity map and only clear watermarks")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}
