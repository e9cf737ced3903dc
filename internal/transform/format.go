package transform

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
	"github.com/shopspring/decimal"
)

// DefaultFreeMailDomains are the domains whose local parts ignore dots and
// +tags.
var DefaultFreeMailDomains = []string{"gmail.com", "googlemail.com"}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

type emailParams struct {
	Domains  []string `mapstructure:"domains"`
	Validate bool     `mapstructure:"validate"`
}

func buildNormalizeEmail(params map[string]any) (Func, error) {
	p := emailParams{Domains: DefaultFreeMailDomains}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	domains := make(map[string]bool, len(p.Domains))
	for _, d := range p.Domains {
		domains[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return func(v string) Outcome {
		out := NormalizeEmail(v, domains)
		if p.Validate && !emailPattern.MatchString(out) {
			return invalid(fmt.Sprintf("malformed email %q", v))
		}
		return applied(out)
	}, nil
}

// NormalizeEmail lowercases an address and, for the given free-mail
// domains, drops dots and +tags from the local part. A nil domain set uses
// DefaultFreeMailDomains.
func NormalizeEmail(v string, domains map[string]bool) string {
	out := strings.ToLower(strings.TrimSpace(v))
	at := strings.LastIndexByte(out, '@')
	if at <= 0 {
		return out
	}
	local, domain := out[:at], out[at+1:]
	if domains == nil {
		domains = map[string]bool{"gmail.com": true, "googlemail.com": true}
	}
	if !domains[domain] {
		return out
	}
	if i := strings.IndexByte(local, '+'); i >= 0 {
		local = local[:i]
	}
	local = strings.ReplaceAll(local, ".", "")
	if local == "" {
		return out
	}
	return local + "@" + domain
}

type phoneParams struct {
	DefaultRegion string `mapstructure:"default_region"`
	CountryCode   string `mapstructure:"country_code"`
	MinDigits     int    `mapstructure:"min_digits"`
}

var nonDigits = regexp.MustCompile(`\D`)

func buildFormatPhone(params map[string]any) (Func, error) {
	p := phoneParams{DefaultRegion: "US", MinDigits: 10}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	p.CountryCode = strings.TrimPrefix(strings.TrimSpace(p.CountryCode), "+")
	p.DefaultRegion = strings.ToUpper(p.DefaultRegion)
	return func(v string) Outcome {
		digits := nonDigits.ReplaceAllString(v, "")
		if len(digits) < p.MinDigits {
			return flagged(v, "phone number too short")
		}
		if p.CountryCode != "" && len(digits) == 10 {
			return applied("+" + p.CountryCode + digits)
		}
		attempts := []struct{ number, region string }{
			{v, p.DefaultRegion},
			{digits, p.DefaultRegion},
		}
		if p.CountryCode != "" {
			attempts = append(attempts, struct{ number, region string }{"+" + p.CountryCode + digits, ""})
		}
		for _, a := range attempts {
			num, err := phonenumbers.Parse(a.number, a.region)
			if err != nil {
				continue
			}
			if phonenumbers.IsValidNumber(num) {
				return applied(phonenumbers.Format(num, phonenumbers.E164))
			}
		}
		return flagged(v, "unrecognized phone number format")
	}, nil
}

type urlParams struct {
	Validate bool `mapstructure:"validate"`
	KeepWWW  bool `mapstructure:"keep_www"`
}

func buildNormalizeURL(params map[string]any) (Func, error) {
	var p urlParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return func(v string) Outcome {
		raw := strings.ToLower(strings.TrimSpace(v))
		if raw == "" {
			return invalid("empty url")
		}
		if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
			raw = "https://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil {
			if p.Validate {
				return invalid(fmt.Sprintf("malformed url %q", v))
			}
			return flagged(raw, "url could not be parsed")
		}
		host := u.Host
		if p.Validate {
			dot := strings.LastIndexByte(host, '.')
			if dot <= 0 || len(host)-dot-1 < 2 {
				return invalid(fmt.Sprintf("malformed url %q", v))
			}
		}
		if !p.KeepWWW {
			host = strings.TrimPrefix(host, "www.")
		}
		out := u.Scheme + "://" + host + u.EscapedPath()
		if u.RawQuery != "" {
			out += "?" + u.RawQuery
		}
		if u.Fragment != "" {
			out += "#" + u.EscapedFragment()
		}
		return applied(out)
	}, nil
}

// dateLayouts are tried in order; US month-first wins over day-first.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"02/01/2006",
	"2006/01/02",
	"01-02-2006",
	"02-01-2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

type dateParams struct {
	Layout string `mapstructure:"layout"`
}

func buildFormatDate(params map[string]any) (Func, error) {
	p := dateParams{Layout: "2006-01-02"}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return func(v string) Outcome {
		t, ok := parseDate(strings.TrimSpace(v))
		if !ok {
			return invalid(fmt.Sprintf("unrecognized date %q", v))
		}
		return applied(t.Format(p.Layout))
	}, nil
}

func parseDate(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil && len(v) >= 10 {
		return time.UnixMilli(ms).UTC(), true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type numberParams struct {
	Min     *decimal.Decimal `mapstructure:"min"`
	Max     *decimal.Decimal `mapstructure:"max"`
	Default *decimal.Decimal `mapstructure:"default"`
	// Clamp replaces out-of-range values with the nearest bound.
	Clamp bool `mapstructure:"clamp"`
}

var numberNoise = regexp.MustCompile(`[^\d.-]`)

func buildValidateNumber(params map[string]any) (Func, error) {
	var p numberParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Min != nil && p.Max != nil && p.Min.GreaterThan(*p.Max) {
		return nil, fmt.Errorf("min %s is greater than max %s", p.Min, p.Max)
	}
	fallback := func(reason string) Outcome {
		if p.Default != nil {
			return flagged(p.Default.String(), reason+", using default")
		}
		return invalid(reason)
	}
	return func(v string) Outcome {
		cleaned := numberNoise.ReplaceAllString(v, "")
		d, err := decimal.NewFromString(cleaned)
		if err != nil {
			return fallback(fmt.Sprintf("not a number: %q", v))
		}
		if p.Min != nil && d.LessThan(*p.Min) {
			if p.Clamp {
				return flagged(p.Min.String(), fmt.Sprintf("%s below minimum, clamped", d))
			}
			return fallback(fmt.Sprintf("%s below minimum %s", d, p.Min))
		}
		if p.Max != nil && d.GreaterThan(*p.Max) {
			if p.Clamp {
				return flagged(p.Max.String(), fmt.Sprintf("%s above maximum, clamped", d))
			}
			return fallback(fmt.Sprintf("%s above maximum %s", d, p.Max))
		}
		return applied(d.String())
	}, nil
}
