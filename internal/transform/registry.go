package transform

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"

	"github.com/leapstack-labs/crmsync/pkg/core"
)

// Status classifies what a transformation did to a value.
type Status string

// Diagnostic statuses.
const (
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
	StatusFlagged Status = "flagged"
	StatusInvalid Status = "invalid"
)

// Outcome is the result of one transformation applied to one value.
// An invalid outcome means the property must not be set.
type Outcome struct {
	Value  string
	Status Status
	Reason string
}

func applied(v string) Outcome { return Outcome{Value: v, Status: StatusApplied} }

func flagged(v, reason string) Outcome {
	return Outcome{Value: v, Status: StatusFlagged, Reason: reason}
}

func invalid(reason string) Outcome { return Outcome{Status: StatusInvalid, Reason: reason} }

// Func is a compiled transformation. Funcs are pure and never panic on
// malformed input.
type Func func(value string) Outcome

// builder decodes parameters and returns the compiled function.
type builder func(params map[string]any) (Func, error)

// registry is closed: the set of kinds is fixed at compile time.
var registry = map[core.TransformKind]builder{
	core.TransformTrim:               simple(trim),
	core.TransformLowercase:          simple(lowercase),
	core.TransformUppercase:          simple(uppercase),
	core.TransformTitlecase:          buildTitlecase,
	core.TransformRemoveTitles:       buildRemoveTitles,
	core.TransformNormalizeEmail:     buildNormalizeEmail,
	core.TransformFormatPhone:        buildFormatPhone,
	core.TransformStripCompanySuffix: buildStripCompanySuffix,
	core.TransformNormalizeURL:       buildNormalizeURL,
	core.TransformFormatDate:         buildFormatDate,
	core.TransformValidateNumber:     buildValidateNumber,
	core.TransformMapValue:           buildMapValue,
}

// UnknownTransformError is returned for a kind outside the registry.
type UnknownTransformError struct {
	Kind      core.TransformKind
	Available []string
}

func (e *UnknownTransformError) Error() string {
	return fmt.Sprintf("unknown transform %q (available: %v)", e.Kind, e.Available)
}

// Kinds returns the registered transformation kinds, sorted.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// IsRegistered reports whether kind names a known transformation.
func IsRegistered(kind core.TransformKind) bool {
	_, ok := registry[kind]
	return ok
}

// Compile resolves a transformation reference into a function.
// Unknown kinds and malformed parameters are configuration errors.
func Compile(ref core.TransformRef) (Func, error) {
	b, ok := registry[ref.Kind]
	if !ok {
		return nil, &UnknownTransformError{Kind: ref.Kind, Available: Kinds()}
	}
	fn, err := b(ref.Params)
	if err != nil {
		return nil, fmt.Errorf("invalid params for transform %s: %w", ref.Kind, err)
	}
	return fn, nil
}

// Apply compiles ref and runs it once against value.
func Apply(ref core.TransformRef, value string) (Outcome, error) {
	fn, err := Compile(ref)
	if err != nil {
		return Outcome{}, err
	}
	return fn(value), nil
}

func simple(fn func(string) string) builder {
	return func(params map[string]any) (Func, error) {
		if len(params) > 0 {
			return nil, fmt.Errorf("takes no parameters")
		}
		return func(v string) Outcome { return applied(fn(v)) }, nil
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook decodes YAML scalars into decimal.Decimal.
func decimalHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case decimal.Decimal:
		return v, nil
	default:
		return nil, fmt.Errorf("cannot use %T as a number", data)
	}
}

// decodeParams fills out from a parameter map. Unknown keys are rejected.
func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			decimalHook,
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}
