package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/crmsync/pkg/core"

	// Register client types for validation.
	_ "github.com/leapstack-labs/crmsync/internal/crm/hubspot"
	_ "github.com/leapstack-labs/crmsync/internal/crm/memory"
)

func validConfig() ProjectConfig {
	return ProjectConfig{
		Target: &PortalConfig{Type: "hubspot", Token: "t"},
		Sync: SyncConfig{
			BatchSize:         DefaultBatchSize,
			PageSize:          DefaultPageSize,
			MaxInFlight:       DefaultMaxInFlight,
			Workers:           DefaultWorkers,
			AssociationPolicy: DefaultAssociationPolicy,
			MaxDeferrals:      DefaultMaxDeferrals,
			MergePolicy:       DefaultMergePolicy,
		},
		Retry: RetryConfig{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   DefaultBaseDelay,
			MaxDelay:    DefaultMaxDelay,
		},
		Objects: []ObjectConfig{{
			Type:     "contacts",
			Mappings: []MappingConfig{{Source: "email"}},
		}},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *ProjectConfig)
		errSubstr string
	}{
		{name: "valid", mutate: func(*ProjectConfig) {}},
		{name: "no portals", mutate: func(c *ProjectConfig) { c.Target = nil }},
		{
			name:      "unknown client",
			mutate:    func(c *ProjectConfig) { c.Target.Type = "salesforce" },
			errSubstr: `target.type: unknown client type "salesforce"`,
		},
		{
			name:      "missing client type",
			mutate:    func(c *ProjectConfig) { c.Source = &PortalConfig{} },
			errSubstr: "source.type is required",
		},
		{
			name:      "bad base url",
			mutate:    func(c *ProjectConfig) { c.Target.BaseURL = "not a url" },
			errSubstr: "target.base_url must be a valid URL",
		},
		{
			name:      "batch size above cap",
			mutate:    func(c *ProjectConfig) { c.Sync.BatchSize = 500 },
			errSubstr: "sync.batch_size must be at most 100",
		},
		{
			name:      "zero in-flight",
			mutate:    func(c *ProjectConfig) { c.Sync.MaxInFlight = 0 },
			errSubstr: "sync.max_in_flight must be at least 1",
		},
		{
			name:      "unknown association policy",
			mutate:    func(c *ProjectConfig) { c.Sync.AssociationPolicy = "retry" },
			errSubstr: "sync.association_policy must be one of [defer drop]",
		},
		{
			name:      "unknown merge policy",
			mutate:    func(c *ProjectConfig) { c.Sync.MergePolicy = "replace" },
			errSubstr: "sync.merge_policy must be one of",
		},
		{
			name:      "max delay below base",
			mutate:    func(c *ProjectConfig) { c.Retry.MaxDelay = time.Millisecond },
			errSubstr: "retry.max_delay must not be less than base_delay",
		},
		{
			name:      "unknown object type",
			mutate:    func(c *ProjectConfig) { c.Objects[0].Type = "leads" },
			errSubstr: `objects[0].type: unknown object type "leads"`,
		},
		{
			name:      "mapping without source",
			mutate:    func(c *ProjectConfig) { c.Objects[0].Mappings[0].Source = "" },
			errSubstr: "objects[0].mappings[0].source is required",
		},
		{
			name: "unknown operator",
			mutate: func(c *ProjectConfig) {
				c.Objects[0].Filter.Properties = []PredicateConfig{{Property: "x", Operator: "LIKE"}}
			},
			errSubstr: `unknown filter operator "LIKE"`,
		},
		{
			name:      "duplicate object type",
			mutate:    func(c *ProjectConfig) { c.Objects = append(c.Objects, ObjectConfig{Type: "contact"}) },
			errSubstr: "object type contacts is configured twice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errSubstr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestPlans(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ids.csv"), []byte("hs_object_id,name\n11,a\n12,b\n11,c\n"), 0o600))

	cfg := ProjectConfig{Objects: []ObjectConfig{
		{
			Type: "company",
			Filter: FilterConfig{
				CreatedAfter: "2024-01-01T00:00:00+02:00",
				Properties:   []PredicateConfig{{Property: "lifecyclestage", Operator: "eq", Value: "customer"}},
				IDs:          []string{"10"},
				IDsCSV:       "ids.csv",
			},
			Match:        []string{"domain"},
			Associations: []string{"contacts"},
			Mappings: []MappingConfig{
				{Source: "company_name", Target: "name", Fallbacks: []string{"company"}, Required: true,
					Transforms: []core.TransformRef{{Kind: "strip_company_suffix"}}},
				{Source: "domain"},
			},
		},
		{
			Type:     "contacts",
			Mappings: []MappingConfig{{Source: "company_id", Target: "associatedcompanyid", Reference: "companies"}},
		},
	}}
	cfg.ApplyDefaults()

	plans, err := cfg.Plans(dir)
	require.NoError(t, err)
	require.Len(t, plans, 2)

	companies := plans[0]
	assert.Equal(t, core.ObjectCompanies, companies.Type)
	assert.Equal(t, core.ObjectCompanies, companies.Filter.Type)
	require.NotNil(t, companies.Filter.CreatedAfter)
	assert.Equal(t, time.Date(2023, 12, 31, 22, 0, 0, 0, time.UTC), companies.Filter.CreatedAfter.UTC())
	assert.Equal(t, []core.Filter{{Property: "lifecyclestage", Operator: core.OpEQ, Value: "customer"}}, companies.Filter.Properties)
	assert.Equal(t, []string{"10", "11", "12"}, companies.Filter.IDs)
	assert.Equal(t, &core.MatchRule{Type: core.ObjectCompanies, Properties: []string{"domain"}}, companies.Match)
	assert.Equal(t, []core.ObjectType{core.ObjectContacts}, companies.Associations)
	assert.Equal(t, []string{"name", "domain"}, companies.MappedTargets())
	assert.True(t, companies.Rules[0].Required)

	contacts := plans[1]
	assert.Nil(t, contacts.Match)
	assert.Equal(t, core.ObjectCompanies, contacts.Rules[0].Reference)
}

func TestPlansRejectsNaiveTimestamp(t *testing.T) {
	cfg := ProjectConfig{Objects: []ObjectConfig{{
		Type:   "contacts",
		Filter: FilterConfig{ModifiedAfter: "2024-01-01T00:00:00"},
	}}}
	_, err := cfg.Plans("")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNaiveTimestamp)
	assert.Contains(t, err.Error(), "objects[0]: filter: modified_after")
}

func TestPlansMissingIDFile(t *testing.T) {
	cfg := ProjectConfig{Objects: []ObjectConfig{{
		Type:   "contacts",
		Filter: FilterConfig{IDsCSV: "missing.csv"},
	}}}
	_, err := cfg.Plans(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open id list")
}

func TestApplyDefaults(t *testing.T) {
	cfg := ProjectConfig{
		Target:  &PortalConfig{Type: "hubspot"},
		Objects: []ObjectConfig{{Type: "contacts", Mappings: []MappingConfig{{Source: "email"}}}},
	}
	cfg.ApplyDefaults()

	assert.Equal(t, DefaultClientTimeout, cfg.Target.Timeout)
	assert.Equal(t, DefaultIDColumn, cfg.Objects[0].Filter.IDsColumn)
	assert.Equal(t, "email", cfg.Objects[0].Mappings[0].Target)
}

func TestClientConfig(t *testing.T) {
	p := PortalConfig{Type: "HubSpot", BaseURL: "https://api.example.com", Token: "tok", Timeout: time.Second}
	assert.Equal(t, core.ClientConfig{Type: "hubspot", BaseURL: "https://api.example.com", Token: "tok", Timeout: time.Second}, p.ClientConfig())
}
