package config

import "time"

// Default configuration values.
const (
	DefaultBatchSize         = 100
	DefaultPageSize          = 100
	DefaultMaxInFlight       = 4
	DefaultWorkers           = 4
	DefaultMaxAttempts       = 5
	DefaultBaseDelay         = 500 * time.Millisecond
	DefaultMaxDelay          = 30 * time.Second
	DefaultAssociationPolicy = "defer"
	DefaultMaxDeferrals      = 3
	DefaultMergePolicy       = "fill_blank"
	DefaultIDColumn          = "hs_object_id"
	DefaultClientTimeout     = 30 * time.Second
)

// Defaults returns the default values keyed by their config path.
func Defaults() map[string]any {
	return map[string]any{
		"sync.batch_size":         DefaultBatchSize,
		"sync.page_size":          DefaultPageSize,
		"sync.max_in_flight":      DefaultMaxInFlight,
		"sync.workers":            DefaultWorkers,
		"sync.association_policy": DefaultAssociationPolicy,
		"sync.max_deferrals":      DefaultMaxDeferrals,
		"sync.merge_policy":       DefaultMergePolicy,
		"retry.max_attempts":      DefaultMaxAttempts,
		"retry.base_delay":        DefaultBaseDelay,
		"retry.max_delay":         DefaultMaxDelay,
	}
}

// ApplyPortalDefaults fills unset portal values.
func ApplyPortalDefaults(p *PortalConfig) {
	if p == nil {
		return
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultClientTimeout
	}
}

// ApplyObjectDefaults fills unset object values. A mapping without a target
// writes to the property it reads.
func ApplyObjectDefaults(o *ObjectConfig) {
	if o == nil {
		return
	}
	if o.Filter.IDsColumn == "" {
		o.Filter.IDsColumn = DefaultIDColumn
	}
	for i := range o.Mappings {
		if o.Mappings[i].Target == "" {
			o.Mappings[i].Target = o.Mappings[i].Source
		}
	}
}
