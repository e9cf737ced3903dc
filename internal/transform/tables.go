package transform

import (
	"fmt"
	"sort"
	"strings"
)

// fallbackKey maps every value the table does not name.
const fallbackKey = "*"

// Tables are the built-in enumeration mappings, keyed by lowercase source
// value. Values are the target portal's internal option names.
var Tables = map[string]map[string]string{
	"lead_status": {
		"new":                  "NEW",
		"open":                 "OPEN",
		"in progress":          "IN_PROGRESS",
		"working":              "IN_PROGRESS",
		"open deal":            "OPEN_DEAL",
		"unqualified":          "UNQUALIFIED",
		"attempted to contact": "ATTEMPTED_TO_CONTACT",
		"connected":            "CONNECTED",
		"bad timing":           "BAD_TIMING",
	},
	"lead_source": {
		"organic search":  "ORGANIC_SEARCH",
		"seo":             "ORGANIC_SEARCH",
		"paid search":     "PAID_SEARCH",
		"ppc":             "PAID_SEARCH",
		"email":           "EMAIL_MARKETING",
		"email marketing": "EMAIL_MARKETING",
		"social":          "SOCIAL_MEDIA",
		"social media":    "SOCIAL_MEDIA",
		"organic social":  "SOCIAL_MEDIA",
		"paid social":     "PAID_SOCIAL",
		"referral":        "REFERRALS",
		"referrals":       "REFERRALS",
		"direct":          "DIRECT_TRAFFIC",
		"direct traffic":  "DIRECT_TRAFFIC",
		"offline":         "OFFLINE",
		"event":           "OFFLINE",
		"trade show":      "OFFLINE",
		"other":           "OTHER_CAMPAIGNS",
		"other campaigns": "OTHER_CAMPAIGNS",
	},
	"industry": {
		"tech":                   "COMPUTER_SOFTWARE",
		"technology":             "COMPUTER_SOFTWARE",
		"software":               "COMPUTER_SOFTWARE",
		"it":                     "INFORMATION_TECHNOLOGY_AND_SERVICES",
		"information technology": "INFORMATION_TECHNOLOGY_AND_SERVICES",
		"banking":                "BANKING",
		"finance":                "FINANCIAL_SERVICES",
		"financial services":     "FINANCIAL_SERVICES",
		"insurance":              "INSURANCE",
		"healthcare":             "HOSPITAL_HEALTH_CARE",
		"health care":            "HOSPITAL_HEALTH_CARE",
		"retail":                 "RETAIL",
		"real estate":            "REAL_ESTATE",
		"education":              "EDUCATION_MANAGEMENT",
		"construction":           "CONSTRUCTION",
		"legal":                  "LAW_PRACTICE",
		"marketing":              "MARKETING_AND_ADVERTISING",
		"telecommunications":     "TELECOMMUNICATIONS",
		"manufacturing":          "MACHINERY",
	},
	"lifecycle_stage": {
		"subscriber":               "subscriber",
		"lead":                     "lead",
		"mql":                      "marketingqualifiedlead",
		"marketing qualified lead": "marketingqualifiedlead",
		"sql":                      "salesqualifiedlead",
		"sales qualified lead":     "salesqualifiedlead",
		"opportunity":              "opportunity",
		"customer":                 "customer",
		"evangelist":               "evangelist",
		"other":                    "other",
	},
}

type mapValueParams struct {
	Table         string            `mapstructure:"table"`
	Values        map[string]string `mapstructure:"values"`
	CaseSensitive bool              `mapstructure:"case_sensitive"`
}

func buildMapValue(params map[string]any) (Func, error) {
	var p mapValueParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	lookup := make(map[string]string)
	if p.Table != "" {
		t, ok := Tables[p.Table]
		if !ok {
			return nil, fmt.Errorf("unknown mapping table %q (available: %v)", p.Table, tableNames())
		}
		for k, v := range t {
			lookup[k] = v
		}
	}
	// Inline values override table entries.
	for k, v := range p.Values {
		key := strings.TrimSpace(k)
		if !p.CaseSensitive && key != fallbackKey {
			key = strings.ToLower(key)
		}
		lookup[key] = v
	}
	if len(lookup) == 0 {
		return nil, fmt.Errorf("either table or values is required")
	}
	return func(v string) Outcome {
		key := strings.TrimSpace(v)
		if !p.CaseSensitive {
			key = strings.ToLower(key)
		}
		if out, ok := lookup[key]; ok {
			return applied(out)
		}
		if out, ok := lookup[fallbackKey]; ok {
			return applied(out)
		}
		return flagged(v, fmt.Sprintf("unmapped value %q", v))
	}, nil
}

func tableNames() []string {
	out := make([]string, 0, len(Tables))
	for k := range Tables {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
