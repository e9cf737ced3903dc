// Package dedupe decides whether a record about to be created already
// exists in the target portal.
//
// The resolver builds a match key from the record's transformed
// properties, searches the target with an exact query plus a looser one
// when normalization can hide a match (company suffixes, URL prefixes,
// free-mail dots), and confirms each hit against the normalized key. No hit means create, one
// hit means merge into that record, and more than one hit is skipped as an
// ambiguous duplicate for manual resolution. The resolver only reads from
// the target.
package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/leapstack-labs/crmsync/internal/retry"
	"github.com/leapstack-labs/crmsync/internal/transform"
	"github.com/leapstack-labs/crmsync/pkg/core"
)

const (
	// DefaultCandidateLimit is how many exact search hits are inspected per
	// record.
	DefaultCandidateLimit = 10
	// DefaultScanLimit caps the hits inspected by a broad query.
	DefaultScanLimit = 1000

	broadPageSize = 100
)

// Reasons attached to decisions.
const (
	ReasonNoRule     = "no match rule"
	ReasonIncomplete = "incomplete match key"
	ReasonNoMatch    = "no match"
	ReasonMatched    = "single match"
	ReasonAmbiguous  = "ambiguous duplicate"
)

// Config holds resolver dependencies.
type Config struct {
	// Client is the target portal.
	Client core.Client
	Retry  retry.Policy
	// Rules maps object types to match rules. Types without a rule are
	// always created.
	Rules map[core.ObjectType]core.MatchRule
	// Properties are fetched for each candidate so merges can compare values.
	Properties     map[core.ObjectType][]string
	CandidateLimit int
	ScanLimit      int
	Logger         *slog.Logger
}

// Resolver finds duplicate candidates in the target portal.
type Resolver struct {
	client     core.Client
	retry      retry.Policy
	rules      map[core.ObjectType]core.MatchRule
	properties map[core.ObjectType][]string
	limit      int
	scan       int
	logger     *slog.Logger
}

// New creates a resolver.
func New(cfg Config) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	limit := cfg.CandidateLimit
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}
	scan := cfg.ScanLimit
	if scan <= 0 {
		scan = DefaultScanLimit
	}
	rules := cfg.Rules
	if rules == nil {
		rules = core.DefaultMatchRules()
	}
	return &Resolver{
		client:     cfg.Client,
		retry:      cfg.Retry,
		rules:      rules,
		properties: cfg.Properties,
		limit:      limit,
		scan:       scan,
		logger:     logger,
	}
}

// Resolve returns the decision for a transformed record. Given the same
// record and the same target state it always returns the same decision.
func (r *Resolver) Resolve(ctx context.Context, rec core.Record) (*core.DuplicateDecision, error) {
	rule, ok := r.rules[rec.Type]
	if !ok || len(rule.Properties) == 0 {
		return &core.DuplicateDecision{Resolution: core.ResolutionCreate, Reason: ReasonNoRule}, nil
	}
	rule.Type = rec.Type

	key, queries, ok := MatchKey(rule, rec.Properties)
	if !ok {
		return &core.DuplicateDecision{Resolution: core.ResolutionCreate, MatchKey: key, Reason: ReasonIncomplete}, nil
	}

	props := mergeNames(rule.Properties, r.properties[rec.Type])
	seen := make(map[string]bool)
	var matches []core.RemoteObject
	for _, q := range queries {
		hits, err := r.search(ctx, rec, q, props)
		if err != nil {
			return nil, fmt.Errorf("failed to search %s duplicates for %s: %w", rec.Type, rec.SourceID, err)
		}
		for _, obj := range hits {
			if seen[obj.ID] {
				continue
			}
			seen[obj.ID] = true
			got, _, complete := MatchKey(rule, core.PropertiesFromMap(obj.Properties, rule.Properties))
			if complete && got == key {
				matches = append(matches, obj)
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool { return lessID(matches[i].ID, matches[j].ID) })

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}

	d := &core.DuplicateDecision{MatchKey: key, Candidates: ids}
	switch len(matches) {
	case 0:
		d.Resolution = core.ResolutionCreate
		d.Reason = ReasonNoMatch
	case 1:
		d.Resolution = core.ResolutionMerge
		d.Reason = ReasonMatched
		d.Candidate = &core.DuplicateCandidate{TargetID: matches[0].ID, Properties: matches[0].Properties}
	default:
		d.Resolution = core.ResolutionSkip
		d.Reason = fmt.Sprintf("%s: %d target records match %q (%s)", ReasonAmbiguous, len(ids), key, strings.Join(ids, ", "))
		r.logger.Warn("ambiguous duplicate",
			slog.String("object_type", string(rec.Type)),
			slog.String("source_id", rec.SourceID),
			slog.String("match_key", key),
			slog.Int("candidates", len(ids)))
	}
	return d, nil
}

// Query is one candidate search. Its filters are looser than the match key,
// so hits are confirmed against the normalized key. Broad queries can match
// many records and are paged up to the scan limit.
type Query struct {
	Filters []core.Filter
	Broad   bool
}

// MatchKey builds the normalized key for rule from props, and the queries
// that find candidates for it: an exact query on the values as given, plus
// a broad one when a normalized value can match differently spelled
// targets. ok is false when any key property is blank.
func MatchKey(rule core.MatchRule, props *core.Properties) (key string, queries []Query, ok bool) {
	parts := make([]string, 0, len(rule.Properties))
	var exact, broad []core.Filter
	lossy := false
	ok = true
	for _, name := range rule.Properties {
		raw := strings.TrimSpace(props.Value(name))
		if transform.IsFalsey(raw) {
			ok = false
			parts = append(parts, "")
			continue
		}
		normalized := Normalize(rule.Type, name, raw)
		parts = append(parts, normalized)
		exact = append(exact, core.Filter{Property: name, Operator: core.OpEQ, Value: raw})

		f, widened := candidateFilter(rule.Type, name, raw, normalized)
		broad = append(broad, f)
		lossy = lossy || widened
	}
	if len(exact) > 0 {
		queries = append(queries, Query{Filters: exact})
	}
	if lossy {
		queries = append(queries, Query{Filters: broad, Broad: true})
	}
	return strings.Join(parts, "|"), queries, ok
}

// candidateFilter returns the filter that finds every target value
// normalizing to normalized. widened is false when that is plain equality.
func candidateFilter(t core.ObjectType, name, raw, normalized string) (f core.Filter, widened bool) {
	switch {
	case name == "email":
		if _, domain, found := strings.Cut(normalized, "@"); found && slices.Contains(transform.DefaultFreeMailDomains, domain) {
			return core.Filter{Property: name, Operator: core.OpContainsToken, Value: "*@" + domain}, true
		}
	case name == "domain" || name == "website":
		if normalized != "" {
			return core.Filter{Property: name, Operator: core.OpContainsToken, Value: normalized}, true
		}
	case name == "name" && t == core.ObjectCompanies:
		if token := firstWord(normalized); token != "" {
			return core.Filter{Property: name, Operator: core.OpContainsToken, Value: token}, true
		}
	}
	return core.Filter{Property: name, Operator: core.OpEQ, Value: raw}, false
}

func firstWord(v string) string {
	if i := strings.IndexByte(v, ' '); i >= 0 {
		return v[:i]
	}
	return v
}

// search runs q and returns its hits in id order. Broad queries follow the
// cursor until the scan limit.
func (r *Resolver) search(ctx context.Context, rec core.Record, q Query, props []string) ([]core.RemoteObject, error) {
	limit := r.limit
	if q.Broad {
		limit = min(broadPageSize, r.scan)
	}

	var hits []core.RemoteObject
	after := ""
	for {
		var page *core.Page
		err := r.retry.Do(ctx, "duplicate search", func(ctx context.Context) error {
			var err error
			page, err = r.client.Search(ctx, rec.Type, core.SearchRequest{
				Filters:    q.Filters,
				SortBy:     core.IDProperty,
				Properties: props,
				Limit:      limit,
				After:      after,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		hits = append(hits, page.Results...)
		if !q.Broad || page.After == "" {
			return hits, nil
		}
		if len(hits) >= r.scan {
			r.logger.Warn("duplicate scan truncated",
				slog.String("object_type", string(rec.Type)),
				slog.String("source_id", rec.SourceID),
				slog.Int("scanned", len(hits)),
				slog.Int("total", page.Total))
			return hits, nil
		}
		after = page.After
	}
}

// Normalize folds a key value for comparison: Unicode NFKC, case folding,
// collapsed whitespace, plus property-specific rules for emails, company
// names and domains.
func Normalize(t core.ObjectType, property, value string) string {
	v := norm.NFKC.String(value)
	v = cases.Fold().String(v)
	v = strings.Join(strings.Fields(v), " ")
	switch {
	case property == "email":
		v = transform.NormalizeEmail(v, nil)
	case property == "domain" || property == "website":
		v = strings.TrimPrefix(v, "https://")
		v = strings.TrimPrefix(v, "http://")
		v = strings.TrimPrefix(v, "www.")
		v = strings.TrimSuffix(v, "/")
	case property == "name" && t == core.ObjectCompanies:
		v = transform.StripCompanySuffix(v, nil)
	}
	return v
}

// lessID orders numeric ids numerically and anything else lexically.
func lessID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func mergeNames(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, n := range list {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}
