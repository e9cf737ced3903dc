package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Operator is a search filter operator.
type Operator string

// Filter operators understood by the CRM search API.
const (
	OpEQ             Operator = "EQ"
	OpNEQ            Operator = "NEQ"
	OpLT             Operator = "LT"
	OpLTE            Operator = "LTE"
	OpGT             Operator = "GT"
	OpGTE            Operator = "GTE"
	OpHasProperty    Operator = "HAS_PROPERTY"
	OpNotHasProperty Operator = "NOT_HAS_PROPERTY"
	OpContainsToken  Operator = "CONTAINS_TOKEN"
)

// Valid reports whether the operator is known.
func (o Operator) Valid() bool {
	switch o {
	case OpEQ, OpNEQ, OpLT, OpLTE, OpGT, OpGTE, OpHasProperty, OpNotHasProperty, OpContainsToken:
		return true
	default:
		return false
	}
}

// NeedsValue reports whether the operator takes a comparison value.
func (o Operator) NeedsValue() bool {
	return o != OpHasProperty && o != OpNotHasProperty
}

// Filter is one property predicate.
type Filter struct {
	Property string   `json:"propertyName" yaml:"property"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    string   `json:"value,omitempty" yaml:"value,omitempty"`
}

// FilterSpec declares which source records a run selects.
type FilterSpec struct {
	Type          ObjectType
	CreatedAfter  *time.Time
	ModifiedAfter *time.Time
	Properties    []Filter
	// IDs is an explicit id list, usually read from a CSV column.
	IDs []string
}

// ErrNaiveTimestamp is returned when a timestamp has no UTC offset.
var ErrNaiveTimestamp = errors.New("timestamp must include a UTC offset")

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05-0700",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a timezone-aware timestamp.
// Timestamps without an explicit offset are rejected with ErrNaiveTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range naiveLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return time.Time{}, fmt.Errorf("%w: %q (use YYYY-MM-DDTHH:MM:SS+HH:MM)", ErrNaiveTimestamp, s)
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// Validate checks the filter spec invariants.
func (f *FilterSpec) Validate() error {
	if f.Type == "" {
		return fmt.Errorf("filter object type is required")
	}
	for _, p := range f.Properties {
		if p.Property == "" {
			return fmt.Errorf("filter property name is required")
		}
		if !p.Operator.Valid() {
			return fmt.Errorf("unknown filter operator %q for property %s", p.Operator, p.Property)
		}
		if p.Operator.NeedsValue() && p.Value == "" {
			return fmt.Errorf("filter on %s with operator %s needs a value", p.Property, p.Operator)
		}
	}
	return nil
}

// HasPredicates reports whether the spec narrows the selection beyond the object type.
func (f *FilterSpec) HasPredicates() bool {
	return f.CreatedAfter != nil || f.ModifiedAfter != nil || len(f.Properties) > 0
}

// SearchFilters compiles the spec into search filters. Date predicates become
// GTE filters with UTC millisecond values.
func (f *FilterSpec) SearchFilters() []Filter {
	var out []Filter
	if f.CreatedAfter != nil {
		out = append(out, Filter{
			Property: f.Type.CreatedProperty(),
			Operator: OpGTE,
			Value:    MillisString(*f.CreatedAfter),
		})
	}
	if f.ModifiedAfter != nil {
		out = append(out, Filter{
			Property: f.Type.ModifiedProperty(),
			Operator: OpGTE,
			Value:    MillisString(*f.ModifiedAfter),
		})
	}
	return append(out, f.Properties...)
}

// MillisString renders t as UTC epoch milliseconds.
func MillisString(t time.Time) string {
	return strconv.FormatInt(t.UTC().UnixMilli(), 10)
}

// Matches evaluates the filter against one property value. present is false
// when the record has no value for the property. EQ and NEQ ignore case;
// range operators compare numerically when both sides are numbers.
func (f Filter) Matches(value string, present bool) bool {
	switch f.Operator {
	case OpHasProperty:
		return present
	case OpNotHasProperty:
		return !present
	case OpEQ:
		return present && strings.EqualFold(strings.TrimSpace(value), strings.TrimSpace(f.Value))
	case OpNEQ:
		return !present || !strings.EqualFold(strings.TrimSpace(value), strings.TrimSpace(f.Value))
	case OpContainsToken:
		return present && strings.Contains(strings.ToLower(value), strings.ToLower(strings.Trim(f.Value, "*")))
	case OpGT:
		return present && compareValues(value, f.Value) > 0
	case OpGTE:
		return present && compareValues(value, f.Value) >= 0
	case OpLT:
		return present && compareValues(value, f.Value) < 0
	case OpLTE:
		return present && compareValues(value, f.Value) <= 0
	default:
		return false
	}
}

func compareValues(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
