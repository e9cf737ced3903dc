// Package config provides the shared project configuration of crmsync:
// portals, sync tuning and per-object migration plans. It is decoupled from
// CLI concerns; the cli/config package loads it from files, env and flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leapstack-labs/crmsync/internal/csvio"
	"github.com/leapstack-labs/crmsync/pkg/core"
)

// PortalConfig holds the connection settings of one CRM portal.
type PortalConfig struct {
	Type    string        `koanf:"type" validate:"required,client"`
	BaseURL string        `koanf:"base_url" validate:"omitempty,url"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`
}

// ClientConfig converts the portal settings for the client registry.
func (p *PortalConfig) ClientConfig() core.ClientConfig {
	return core.ClientConfig{
		Type:    strings.ToLower(p.Type),
		BaseURL: p.BaseURL,
		Token:   p.Token,
		Timeout: p.Timeout,
	}
}

// SyncConfig tunes extraction and loading.
type SyncConfig struct {
	BatchSize         int    `koanf:"batch_size" validate:"min=1,max=100"`
	PageSize          int    `koanf:"page_size" validate:"min=1,max=100"`
	MaxInFlight       int    `koanf:"max_in_flight" validate:"min=1"`
	Workers           int    `koanf:"workers" validate:"min=1"`
	AssociationPolicy string `koanf:"association_policy" validate:"oneof=defer drop"`
	MaxDeferrals      int    `koanf:"max_deferrals" validate:"min=1"`
	MergePolicy       string `koanf:"merge_policy" validate:"oneof=fill_blank overwrite"`
}

// RetryConfig is the shared retry policy.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts" validate:"min=1"`
	BaseDelay   time.Duration `koanf:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `koanf:"max_delay" validate:"gtefield=BaseDelay"`
}

// PredicateConfig is one property filter.
type PredicateConfig struct {
	Property string `koanf:"property" validate:"required"`
	Operator string `koanf:"operator" validate:"required,operator"`
	Value    string `koanf:"value"`
}

// FilterConfig selects the source records of one object type.
// Timestamps must carry a UTC offset.
type FilterConfig struct {
	CreatedAfter  string            `koanf:"created_after"`
	ModifiedAfter string            `koanf:"modified_after"`
	Properties    []PredicateConfig `koanf:"properties" validate:"dive"`
	IDs           []string          `koanf:"ids"`
	// IDsCSV is a CSV file whose IDsColumn lists source ids to fetch.
	IDsCSV    string `koanf:"ids_csv"`
	IDsColumn string `koanf:"ids_column"`
}

// MappingConfig is one mapping rule.
type MappingConfig struct {
	Source     string              `koanf:"source" validate:"required"`
	Target     string              `koanf:"target"`
	Fallbacks  []string            `koanf:"fallbacks"`
	Required   bool                `koanf:"required"`
	Reference  string              `koanf:"reference" validate:"omitempty,objecttype"`
	Transforms []core.TransformRef `koanf:"transforms" validate:"dive"`
}

// ObjectConfig is the migration plan of one object type.
type ObjectConfig struct {
	Type         string          `koanf:"type" validate:"required,objecttype"`
	Filter       FilterConfig    `koanf:"filter"`
	Match        []string        `koanf:"match"`
	Associations []string        `koanf:"associations" validate:"dive,objecttype"`
	Mappings     []MappingConfig `koanf:"mappings" validate:"dive"`
}

// ProjectConfig holds everything a migration needs besides CLI concerns.
type ProjectConfig struct {
	Source  *PortalConfig  `koanf:"source"`
	Target  *PortalConfig  `koanf:"target"`
	Sync    SyncConfig     `koanf:"sync"`
	Retry   RetryConfig    `koanf:"retry"`
	Objects []ObjectConfig `koanf:"objects" validate:"dive"`
}

// ApplyDefaults fills unset values of the portals and objects.
func (c *ProjectConfig) ApplyDefaults() {
	ApplyPortalDefaults(c.Source)
	ApplyPortalDefaults(c.Target)
	for i := range c.Objects {
		ApplyObjectDefaults(&c.Objects[i])
	}
}

// Plans resolves the object configs into plans in declaration order.
// Relative ids_csv paths are resolved against baseDir.
func (c *ProjectConfig) Plans(baseDir string) ([]core.ObjectPlan, error) {
	plans := make([]core.ObjectPlan, 0, len(c.Objects))
	for i := range c.Objects {
		plan, err := c.Objects[i].plan(baseDir)
		if err != nil {
			return nil, fmt.Errorf("objects[%d]: %w", i, err)
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func (o *ObjectConfig) plan(baseDir string) (core.ObjectPlan, error) {
	t, err := core.ParseObjectType(o.Type)
	if err != nil {
		return core.ObjectPlan{}, err
	}
	plan := core.ObjectPlan{Type: t}

	filter, err := o.Filter.spec(t, baseDir)
	if err != nil {
		return core.ObjectPlan{}, fmt.Errorf("filter: %w", err)
	}
	plan.Filter = filter

	for _, m := range o.Mappings {
		rule := core.MappingRule{
			Type:       t,
			Source:     m.Source,
			Target:     m.Target,
			Fallbacks:  m.Fallbacks,
			Transforms: m.Transforms,
			Required:   m.Required,
		}
		if rule.Target == "" {
			rule.Target = rule.Source
		}
		if m.Reference != "" {
			ref, err := core.ParseObjectType(m.Reference)
			if err != nil {
				return core.ObjectPlan{}, fmt.Errorf("mapping %s: %w", m.Source, err)
			}
			rule.Reference = ref
		}
		plan.Rules = append(plan.Rules, rule)
	}

	if len(o.Match) > 0 {
		plan.Match = &core.MatchRule{Type: t, Properties: o.Match}
	}
	for _, a := range o.Associations {
		at, err := core.ParseObjectType(a)
		if err != nil {
			return core.ObjectPlan{}, fmt.Errorf("associations: %w", err)
		}
		plan.Associations = append(plan.Associations, at)
	}
	return plan, nil
}

func (f *FilterConfig) spec(t core.ObjectType, baseDir string) (core.FilterSpec, error) {
	spec := core.FilterSpec{Type: t, IDs: f.IDs}
	if f.CreatedAfter != "" {
		ts, err := core.ParseTimestamp(f.CreatedAfter)
		if err != nil {
			return spec, fmt.Errorf("created_after: %w", err)
		}
		spec.CreatedAfter = &ts
	}
	if f.ModifiedAfter != "" {
		ts, err := core.ParseTimestamp(f.ModifiedAfter)
		if err != nil {
			return spec, fmt.Errorf("modified_after: %w", err)
		}
		spec.ModifiedAfter = &ts
	}
	for _, p := range f.Properties {
		spec.Properties = append(spec.Properties, core.Filter{
			Property: p.Property,
			Operator: core.Operator(strings.ToUpper(p.Operator)),
			Value:    p.Value,
		})
	}
	if f.IDsCSV != "" {
		ids, err := readIDs(resolvePath(f.IDsCSV, baseDir), f.IDsColumn)
		if err != nil {
			return spec, err
		}
		spec.IDs = append(spec.IDs, ids...)
	}
	return spec, spec.Validate()
}

func readIDs(path, column string) ([]string, error) {
	if column == "" {
		column = DefaultIDColumn
	}
	f, err := os.Open(path) //nolint:gosec // path comes from the project config
	if err != nil {
		return nil, fmt.Errorf("failed to open id list: %w", err)
	}
	defer func() { _ = f.Close() }()

	ids, err := csvio.ReadIDs(f, column)
	if err != nil {
		return nil, fmt.Errorf("failed to read id list %s: %w", path, err)
	}
	return ids, nil
}

func resolvePath(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
