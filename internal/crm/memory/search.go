package memory

import (
	"strings"
	"time"

	"github.com/leapstack-labs/crmsync/pkg/core"
)

func matchesAll(t core.ObjectType, obj *object, filters []core.Filter) bool {
	for _, f := range filters {
		v, ok := value(t, obj, f.Property)
		if !f.Matches(v, ok) {
			return false
		}
	}
	return true
}

// value resolves a property, falling back to the system timestamps and id.
func value(t core.ObjectType, obj *object, name string) (string, bool) {
	if v, ok := obj.props[name]; ok && v != "" {
		return v, true
	}
	switch name {
	case core.IDProperty:
		return obj.id, true
	case t.CreatedProperty():
		return millis(obj.createdAt)
	case t.ModifiedProperty():
		return millis(obj.updatedAt)
	}
	return "", false
}

func millis(at time.Time) (string, bool) {
	if at.IsZero() {
		return "", false
	}
	return core.MillisString(at), true
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
