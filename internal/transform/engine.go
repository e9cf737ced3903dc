// Package transform maps source records onto target-shaped records.
//
// Each object type has an ordered list of mapping rules. A rule reads one
// source property (or the first present fallback), runs it through a chain
// of transformations drawn from a closed registry, and writes the result to
// a target property. Rules run in declaration order and read values written
// by earlier rules before falling back to the source record, so a
// normalized value can feed a later derived property.
//
// Transformations never fail a run. A value they cannot handle is either
// kept and flagged, or marked invalid, in which case the target property is
// left unset. Only a missing required property makes a record fail.
package transform

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/leapstack-labs/crmsync/pkg/core"
)

// Diagnostic records what happened to one target property.
type Diagnostic struct {
	Property  string             `json:"property" yaml:"property"`
	Transform core.TransformKind `json:"transform,omitempty" yaml:"transform,omitempty"`
	Status    Status             `json:"status" yaml:"status"`
	Reason    string             `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// RecordError reports a record that cannot be transformed.
type RecordError struct {
	Type     core.ObjectType
	SourceID string
	Property string
	Reason   string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s %s: property %s %s", e.Type, e.SourceID, e.Property, e.Reason)
}

// Result is a transformed record and what the rules did to it.
type Result struct {
	Record      core.Record
	Diagnostics []Diagnostic
}

// Issues returns the diagnostics that are not plain applications.
func (r *Result) Issues() []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Diagnostics {
		if d.Status != StatusApplied {
			out = append(out, d)
		}
	}
	return out
}

// falsey values are treated as absent.
var falsey = map[string]bool{"": true, "null": true, "none": true, "nan": true, "undefined": true}

// IsFalsey reports whether v counts as an absent value.
func IsFalsey(v string) bool {
	return falsey[strings.ToLower(strings.TrimSpace(v))]
}

// readOnly properties are never copied when a type has no rules.
var readOnly = map[string]bool{
	core.IDProperty:       true,
	"createdate":          true,
	"lastmodifieddate":    true,
	"hs_createdate":       true,
	"hs_lastmodifieddate": true,
}

type compiledRule struct {
	rule  core.MappingRule
	kinds []core.TransformKind
	funcs []Func
}

// Engine applies compiled mapping rules. It is safe for concurrent use.
type Engine struct {
	rules  map[core.ObjectType][]compiledRule
	logger *slog.Logger
}

// New compiles the rules of every plan. Unknown transformations and bad
// parameters are reported here, before any record is read.
func New(plans []core.ObjectPlan, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{rules: make(map[core.ObjectType][]compiledRule), logger: logger}
	for _, plan := range plans {
		compiled := make([]compiledRule, 0, len(plan.Rules))
		for i, r := range plan.Rules {
			if r.Source == "" || r.Target == "" {
				return nil, fmt.Errorf("%s rule %d: source and target are required", plan.Type, i+1)
			}
			c := compiledRule{rule: r}
			for _, ref := range r.Transforms {
				fn, err := Compile(ref)
				if err != nil {
					return nil, fmt.Errorf("%s rule %s -> %s: %w", plan.Type, r.Source, r.Target, err)
				}
				c.kinds = append(c.kinds, ref.Kind)
				c.funcs = append(c.funcs, fn)
			}
			compiled = append(compiled, c)
		}
		e.rules[plan.Type] = compiled
	}
	return e, nil
}

// HasRules reports whether t has mapping rules.
func (e *Engine) HasRules(t core.ObjectType) bool {
	return len(e.rules[t]) > 0
}

// Apply transforms one record. The input record is not modified.
func (e *Engine) Apply(rec core.Record) (*Result, error) {
	out := rec.Clone()
	out.Properties = &core.Properties{}
	res := &Result{}

	rules := e.rules[rec.Type]
	if len(rules) == 0 {
		for _, k := range rec.Properties.Keys() {
			v := rec.Properties.Value(k)
			if !readOnly[k] && !IsFalsey(v) {
				out.Properties.Set(k, v)
			}
		}
		res.Record = out
		return res, nil
	}

	for _, c := range rules {
		r := c.rule
		value, ok := e.read(rec, out, r)
		if !ok {
			if r.Required {
				return nil, &RecordError{Type: rec.Type, SourceID: rec.SourceID, Property: r.Source, Reason: "is required but missing"}
			}
			res.Diagnostics = append(res.Diagnostics, Diagnostic{Property: r.Target, Status: StatusSkipped, Reason: "no source value"})
			continue
		}

		set := true
		for i, fn := range c.funcs {
			o := fn(value)
			if o.Status != StatusApplied || o.Value != value {
				res.Diagnostics = append(res.Diagnostics, Diagnostic{Property: r.Target, Transform: c.kinds[i], Status: o.Status, Reason: o.Reason})
			}
			if o.Status == StatusInvalid {
				e.logger.Debug("transform rejected value",
					slog.String("object_type", string(rec.Type)),
					slog.String("source_id", rec.SourceID),
					slog.String("property", r.Target),
					slog.String("transform", string(c.kinds[i])),
					slog.String("reason", o.Reason))
				set = false
				break
			}
			value = o.Value
		}
		if !set || value == "" {
			out.Properties.Delete(r.Target)
			continue
		}
		out.Properties.Set(r.Target, value)
	}
	res.Record = out
	return res, nil
}

// read returns the working value for a rule: earlier rule output first,
// then the source record, trying fallbacks in order.
func (e *Engine) read(src, out core.Record, r core.MappingRule) (string, bool) {
	names := append([]string{r.Source}, r.Fallbacks...)
	for _, name := range names {
		if v, ok := out.Properties.Get(name); ok && !IsFalsey(v) {
			return v, true
		}
		if v, ok := src.Properties.Get(name); ok && !IsFalsey(v) {
			return v, true
		}
	}
	return "", false
}
