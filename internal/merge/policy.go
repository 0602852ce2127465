// Package merge folds a duplicate lead into its primary according to a
// per-field reconciliation policy.
package merge

import (
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-dedupe/internal/lead"
)

// Strategy names how one field is reconciled.
type Strategy string

// Reconciliation strategies.
const (
	// StrategyUnion appends the duplicate's values the primary lacks.
	StrategyUnion Strategy = "union"
	// StrategyPreferVerified adopts the duplicate's value when the primary's
	// is absent or only the duplicate's is verified.
	StrategyPreferVerified Strategy = "prefer_verified"
	// StrategyPreferNonNull adopts the duplicate's value only when the
	// primary's is absent.
	StrategyPreferNonNull Strategy = "prefer_non_null"
	// StrategyOverlay lays the duplicate's keys under the primary's.
	StrategyOverlay Strategy = "overlay"
	// StrategyMax keeps the larger value.
	StrategyMax Strategy = "max"
	// StrategyKeep leaves the primary's value untouched.
	StrategyKeep Strategy = "keep"
)

// Reconciled field names.
const (
	FieldEmails                  = "emails"
	FieldPhones                  = "phones"
	FieldEnrichmentProvidersUsed = "enrichment_providers_used"
	FieldBestEmail               = "best_email"
	FieldBestPhone               = "best_phone"
	FieldFullName                = "full_name"
	FieldAttributes              = "attributes"
	FieldConfidenceScore         = "confidence_score"
)

type reconcileFunc func(primary, dup *lead.Lead)

type fieldSpec struct {
	name       string
	strategies map[Strategy]reconcileFunc
}

// channel is a best value with its validation status and provenance.
type channel struct {
	value  *string
	status *lead.ValidationStatus
	source *string
}

func (c channel) adopt(from channel) {
	*c.value = *from.value
	*c.status = *from.status
	*c.source = *from.source
}

func setField(name string, get func(*lead.Lead) *[]string, key func(string) string) fieldSpec {
	return fieldSpec{name: name, strategies: map[Strategy]reconcileFunc{
		StrategyUnion: func(p, d *lead.Lead) {
			*get(p) = union(*get(p), *get(d), key)
		},
	}}
}

func channelField(name string, get func(*lead.Lead) channel) fieldSpec {
	return fieldSpec{name: name, strategies: map[Strategy]reconcileFunc{
		StrategyPreferVerified: func(p, d *lead.Lead) {
			pc, dc := get(p), get(d)
			if absent(*dc.value) {
				return
			}
			if absent(*pc.value) ||
				(*dc.status == lead.ValidationVerified && *pc.status != lead.ValidationVerified) {
				pc.adopt(dc)
			}
		},
		StrategyPreferNonNull: func(p, d *lead.Lead) {
			pc, dc := get(p), get(d)
			if absent(*pc.value) && !absent(*dc.value) {
				pc.adopt(dc)
			}
		},
	}}
}

// fieldSpecs lists every reconcilable field in application order.
var fieldSpecs = []fieldSpec{
	setField(FieldEmails, func(l *lead.Lead) *[]string { return &l.Emails }, lead.NormalizeEmail),
	setField(FieldPhones, func(l *lead.Lead) *[]string { return &l.Phones }, phoneKey),
	setField(FieldEnrichmentProvidersUsed, func(l *lead.Lead) *[]string { return &l.EnrichmentProvidersUsed }, strings.TrimSpace),
	channelField(FieldBestEmail, func(l *lead.Lead) channel {
		return channel{&l.BestEmail, &l.EmailValidationStatus, &l.BestEmailSource}
	}),
	channelField(FieldBestPhone, func(l *lead.Lead) channel {
		return channel{&l.BestPhone, &l.PhoneValidationStatus, &l.BestPhoneSource}
	}),
	{name: FieldFullName, strategies: map[Strategy]reconcileFunc{
		StrategyPreferNonNull: func(p, d *lead.Lead) {
			if absent(p.FullName) && !absent(d.FullName) {
				p.FullName = d.FullName
				p.FullNameSource = d.FullNameSource
			}
		},
	}},
	{name: FieldAttributes, strategies: map[Strategy]reconcileFunc{
		StrategyOverlay: func(p, d *lead.Lead) {
			p.Attributes = p.Attributes.Overlay(d.Attributes)
		},
	}},
	{name: FieldConfidenceScore, strategies: map[Strategy]reconcileFunc{
		StrategyMax: func(p, d *lead.Lead) {
			p.ConfidenceScore = max(p.ConfidenceScore, d.ConfidenceScore)
		},
	}},
}

// DefaultStrategies is the built-in policy.
var DefaultStrategies = map[string]Strategy{
	FieldEmails:                  StrategyUnion,
	FieldPhones:                  StrategyUnion,
	FieldEnrichmentProvidersUsed: StrategyUnion,
	FieldBestEmail:               StrategyPreferVerified,
	FieldBestPhone:               StrategyPreferVerified,
	FieldFullName:                StrategyPreferNonNull,
	FieldAttributes:              StrategyOverlay,
	FieldConfidenceScore:         StrategyMax,
}

// Rule binds one field to a strategy.
type Rule struct {
	Field    string
	Strategy Strategy
	apply    reconcileFunc
}

// Policy is an ordered, validated set of rules.
type Policy struct {
	rules []Rule
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(nil)
	if err != nil {
		panic(err) // built-in table is static
	}
	return p
}

// NewPolicy builds a policy from the defaults with overrides applied.
// Unknown fields and strategies a field does not support are rejected.
func NewPolicy(overrides map[string]Strategy) (*Policy, error) {
	known := make(map[string]bool, len(fieldSpecs))
	for _, fs := range fieldSpecs {
		known[fs.name] = true
	}
	for field := range overrides {
		if !known[field] {
			return nil, eris.Errorf("merge: unknown policy field %q", field)
		}
	}

	p := &Policy{}
	for _, fs := range fieldSpecs {
		strategy := DefaultStrategies[fs.name]
		if s, ok := overrides[fs.name]; ok {
			strategy = Strategy(strings.ToLower(strings.TrimSpace(string(s))))
		}
		if strategy == StrategyKeep {
			p.rules = append(p.rules, Rule{Field: fs.name, Strategy: StrategyKeep})
			continue
		}
		fn, ok := fs.strategies[strategy]
		if !ok {
			return nil, eris.Errorf("merge: strategy %q not supported for field %q (allowed: %s)",
				strategy, fs.name, strings.Join(allowed(fs), ", "))
		}
		p.rules = append(p.rules, Rule{Field: fs.name, Strategy: strategy, apply: fn})
	}
	return p, nil
}

// LoadPolicy reads strategy overrides from a YAML file of the form
//
//	merge_policy:
//	  fields:
//	    full_name: keep
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "merge: read policy %s", path)
	}

	var wrapper struct {
		MergePolicy struct {
			Fields map[string]Strategy `yaml:"fields"`
		} `yaml:"merge_policy"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "merge: parse policy")
	}
	return NewPolicy(wrapper.MergePolicy.Fields)
}

// Rules returns the rules in application order.
func (p *Policy) Rules() []Rule {
	return slices.Clone(p.rules)
}

// Strategy returns the strategy bound to field.
func (p *Policy) Strategy(field string) (Strategy, bool) {
	for _, r := range p.rules {
		if r.Field == field {
			return r.Strategy, true
		}
	}
	return "", false
}

// Apply returns a copy of primary with dup's data reconciled into it.
// Neither input is modified.
func (p *Policy) Apply(primary, dup *lead.Lead) *lead.Lead {
	out := primary.Clone()
	for _, r := range p.rules {
		if r.apply != nil {
			r.apply(out, dup)
		}
	}
	return out
}

func allowed(fs fieldSpec) []string {
	out := []string{string(StrategyKeep)}
	for s := range fs.strategies {
		out = append(out, string(s))
	}
	slices.Sort(out)
	return out
}

func absent(s string) bool {
	return strings.TrimSpace(s) == ""
}

// phoneKey falls back to the trimmed value for numbers too short to normalize.
func phoneKey(v string) string {
	if k := lead.NormalizePhone(v); k != "" {
		return k
	}
	return strings.TrimSpace(v)
}

// union keeps a's order and appends b's values a lacks, comparing by key so
// spellings of one value collapse to the first seen. Blank values are dropped.
func union(a, b []string, key func(string) string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if absent(v) {
				continue
			}
			k := key(v)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
