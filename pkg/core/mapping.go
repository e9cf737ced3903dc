package core

// TransformKind names one rule in the closed transformation registry.
type TransformKind string

// Transformation kinds.
const (
	TransformTrim               TransformKind = "trim"
	TransformLowercase          TransformKind = "lowercase"
	TransformUppercase          TransformKind = "uppercase"
	TransformTitlecase          TransformKind = "titlecase"
	TransformRemoveTitles       TransformKind = "remove_titles"
	TransformNormalizeEmail     TransformKind = "normalize_email"
	TransformFormatPhone        TransformKind = "format_phone"
	TransformStripCompanySuffix TransformKind = "strip_company_suffix"
	TransformNormalizeURL       TransformKind = "normalize_url"
	TransformFormatDate         TransformKind = "format_date"
	TransformValidateNumber     TransformKind = "validate_number"
	TransformMapValue           TransformKind = "map_value"
)

// TransformRef selects a transformation and its parameters.
type TransformRef struct {
	Kind   TransformKind  `koanf:"kind" yaml:"kind" json:"kind"`
	Params map[string]any `koanf:"params" yaml:"params,omitempty" json:"params,omitempty"`
}

// MappingRule copies one source property to one target property, optionally
// through a chain of transformations. Rules for an object type run in
// declaration order and later rules read values written by earlier ones.
type MappingRule struct {
	Type       ObjectType
	Source     string
	Target     string
	Fallbacks  []string
	Transforms []TransformRef
	Required   bool
	// Reference names the object type whose source id this property holds.
	// The loader rewrites the value to the matching target id.
	Reference ObjectType
}

// MatchRule configures duplicate detection for one object type.
type MatchRule struct {
	Type ObjectType
	// Properties are target property names forming the match key.
	Properties []string
}

// DefaultMatchRules returns the built-in duplicate match keys.
// Engagement objects have no natural key and are always created.
func DefaultMatchRules() map[ObjectType]MatchRule {
	return map[ObjectType]MatchRule{
		ObjectContacts:  {Type: ObjectContacts, Properties: []string{"email"}},
		ObjectCompanies: {Type: ObjectCompanies, Properties: []string{"name", "domain"}},
		ObjectDeals:     {Type: ObjectDeals, Properties: []string{"dealname"}},
		ObjectTickets:   {Type: ObjectTickets, Properties: []string{"subject"}},
	}
}

// ObjectPlan is the fully resolved configuration for one object type.
type ObjectPlan struct {
	Type         ObjectType
	Filter       FilterSpec
	Rules        []MappingRule
	Match        *MatchRule
	Associations []ObjectType
}

// MappedTargets returns the target property names produced by the rules.
func (p *ObjectPlan) MappedTargets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range p.Rules {
		if !seen[r.Target] {
			seen[r.Target] = true
			out = append(out, r.Target)
		}
	}
	return out
}

// SourceProperties returns the source property names the rules read,
// including fallbacks.
func (p *ObjectPlan) SourceProperties() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, r := range p.Rules {
		add(r.Source)
		for _, f := range r.Fallbacks {
			add(f)
		}
	}
	return out
}
