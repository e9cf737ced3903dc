package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/crmsync/internal/cli/config"
	"github.com/leapstack-labs/crmsync/internal/cli/output"
	"github.com/leapstack-labs/crmsync/internal/engine"
	"github.com/leapstack-labs/crmsync/internal/load"
	"github.com/leapstack-labs/crmsync/internal/retry"
	"github.com/leapstack-labs/crmsync/internal/state"
	"github.com/leapstack-labs/crmsync/pkg/core"
	"github.com/leapstack-labs/crmsync/pkg/crm"

	// Client implementations register themselves with the crm registry.
	_ "github.com/leapstack-labs/crmsync/internal/crm/hubspot"
	_ "github.com/leapstack-labs/crmsync/internal/crm/memory"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Renderer *output.Renderer
}

// NewCommandContext creates a CommandContext from the loaded configuration.
func NewCommandContext(cmd *cobra.Command) *CommandContext {
	cfg := getConfig()
	return &CommandContext{
		Cfg:      cfg,
		Logger:   config.GetLogger(cmd.Context()),
		Renderer: output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.OutputFormat)),
	}
}

// OpenStore opens the state store and applies pending migrations.
func (cc *CommandContext) OpenStore() (*state.SQLiteStore, error) {
	store, err := state.OpenSQLite(cc.Cfg.StatePath, cc.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database %s: %w", cc.Cfg.StatePath, err)
	}
	return store, nil
}

// NewEngine builds an engine over store. The source portal is only
// connected when withSource is set. The engine owns the store afterwards.
func (cc *CommandContext) NewEngine(store core.Store, withSource bool) (*engine.Engine, error) {
	cfg := cc.Cfg
	plans, err := cfg.Plans(cfg.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid object configuration: %w", err)
	}

	var source, target core.Client
	if withSource {
		if cfg.Source == nil {
			return nil, fmt.Errorf("no source portal configured\nHint: add a source section to %s or use --mode csv", config.ConfigFileNames[0])
		}
		if source, err = crm.NewClient(cfg.Source.ClientConfig(), cc.Logger); err != nil {
			return nil, fmt.Errorf("failed to create source client: %w", err)
		}
	}
	if cfg.Target != nil {
		if target, err = crm.NewClient(cfg.Target.ClientConfig(), cc.Logger); err != nil {
			return nil, fmt.Errorf("failed to create target client: %w", err)
		}
	}

	return engine.New(engine.Config{
		Source:            source,
		Target:            target,
		Store:             store,
		Plans:             plans,
		MaxInFlight:       cfg.Sync.MaxInFlight,
		PageSize:          cfg.Sync.PageSize,
		BatchSize:         cfg.Sync.BatchSize,
		Workers:           cfg.Sync.Workers,
		AssociationPolicy: load.AssociationPolicy(cfg.Sync.AssociationPolicy),
		MaxDeferrals:      cfg.Sync.MaxDeferrals,
		MergePolicy:       core.MergePolicy(cfg.Sync.MergePolicy),
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Logger:      cc.Logger,
		},
		Logger: cc.Logger,
	})
}

// getConfig returns the current configuration, or the defaults when no
// configuration was loaded.
func getConfig() *config.Config {
	if cfg := config.GetCurrentConfig(); cfg != nil {
		return cfg
	}
	return &config.Config{
		StatePath:    config.DefaultStateFile,
		OutputFormat: config.DefaultOutput,
		CSVDir:       config.DefaultCSVDir,
	}
}
