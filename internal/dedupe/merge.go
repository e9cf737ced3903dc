package dedupe

import (
	"strings"

	"github.com/leapstack-labs/crmsync/pkg/core"
)

// MergePatch returns the properties to write when merging source into an
// existing target record. With MergeFillBlank only blank target fields are
// written; with MergeOverwrite every differing source value is. Values
// already equal on the target are left out, so an empty patch means the
// target is up to date.
func MergePatch(policy core.MergePolicy, source *core.Properties, target map[string]string) *core.Properties {
	patch := &core.Properties{}
	for _, k := range source.Keys() {
		v := source.Value(k)
		current, ok := target[k]
		if ok && current == v {
			continue
		}
		if policy != core.MergeOverwrite && ok && strings.TrimSpace(current) != "" {
			continue
		}
		patch.Set(k, v)
	}
	return patch
}
