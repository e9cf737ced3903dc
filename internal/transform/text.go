package transform

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

func trim(v string) string      { return strings.TrimSpace(v) }
func lowercase(v string) string { return strings.ToLower(v) }
func uppercase(v string) string { return strings.ToUpper(v) }

type titlecaseParams struct {
	Language string `mapstructure:"language"`
}

func buildTitlecase(params map[string]any) (Func, error) {
	var p titlecaseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	tag := language.Und
	if p.Language != "" {
		t, err := language.Parse(p.Language)
		if err != nil {
			return nil, fmt.Errorf("invalid language %q: %w", p.Language, err)
		}
		tag = t
	}
	return func(v string) Outcome {
		// Casers keep state and are not safe to share.
		return applied(cases.Title(tag).String(v))
	}, nil
}

// DefaultTitles are the honorifics remove_titles strips.
var DefaultTitles = []string{"Mr.", "Mrs.", "Ms.", "Miss", "Dr.", "Prof.", "Rev.", "Hon.", "Sir", "Madam"}

type removeTitlesParams struct {
	Titles        []string `mapstructure:"titles"`
	CaseSensitive bool     `mapstructure:"case_sensitive"`
}

func buildRemoveTitles(params map[string]any) (Func, error) {
	p := removeTitlesParams{Titles: DefaultTitles}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	titles := append([]string(nil), p.Titles...)
	return func(v string) Outcome {
		out := strings.TrimSpace(v)
		for _, title := range titles {
			if len(out) <= len(title) || out[len(title)] != ' ' {
				continue
			}
			head := out[:len(title)]
			if head == title || (!p.CaseSensitive && strings.EqualFold(head, title)) {
				out = strings.TrimSpace(out[len(title):])
			}
		}
		return applied(out)
	}, nil
}

// DefaultCompanySuffixes is the legal-entity vocabulary strip_company_suffix removes.
var DefaultCompanySuffixes = []string{"Inc", "LLC", "Ltd", "Corp", "Corporation", "Company", "Co", "Limited"}

type companySuffixParams struct {
	Suffixes      []string `mapstructure:"suffixes"`
	CaseSensitive bool     `mapstructure:"case_sensitive"`
}

var trailingPunct = regexp.MustCompile(`[\s,.]+$`)

func buildStripCompanySuffix(params map[string]any) (Func, error) {
	p := companySuffixParams{Suffixes: DefaultCompanySuffixes}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	re, err := suffixPattern(p.Suffixes, p.CaseSensitive)
	if err != nil {
		return nil, err
	}
	return func(v string) Outcome {
		return applied(StripCompanySuffix(v, re))
	}, nil
}

func suffixPattern(suffixes []string, caseSensitive bool) (*regexp.Regexp, error) {
	var alts []string
	for _, s := range suffixes {
		s = strings.TrimSpace(strings.ReplaceAll(s, ".", ""))
		if s != "" {
			alts = append(alts, regexp.QuoteMeta(s))
		}
	}
	if len(alts) == 0 {
		return nil, fmt.Errorf("no suffixes given")
	}
	sort.SliceStable(alts, func(i, j int) bool { return len(alts[i]) > len(alts[j]) })
	flags := "(?i)"
	if caseSensitive {
		flags = ""
	}
	return regexp.Compile(flags + `[\s,.]+(?:` + strings.Join(alts, "|") + `)\.?[\s,.]*$`)
}

var defaultSuffixPattern, _ = suffixPattern(DefaultCompanySuffixes, false)

// StripCompanySuffix removes trailing legal-entity suffixes from name.
// Suffixes are stripped repeatedly so "Acme Holdings Co., Ltd." becomes
// "Acme Holdings". A nil pattern uses DefaultCompanySuffixes.
func StripCompanySuffix(name string, re *regexp.Regexp) string {
	if re == nil {
		re = defaultSuffixPattern
	}
	out := strings.TrimSpace(name)
	for {
		next := re.ReplaceAllString(out, "")
		if next == out || next == "" {
			break
		}
		out = next
	}
	return trailingPunct.ReplaceAllString(out, "")
}
