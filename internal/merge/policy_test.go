package merge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-dedupe/internal/lead"
)

func TestPolicy_Apply_Defaults(t *testing.T) {
	primary := &lead.Lead{
		ID:                      "a",
		Emails:                  []string{"a@acme.com", "shared@acme.com"},
		BestEmail:               "a@acme.com",
		EmailValidationStatus:   lead.ValidationUnverified,
		BestEmailSource:         "https://acme.com",
		Phones:                  []string{"5125550100"},
		BestPhone:               "5125550100",
		PhoneValidationStatus:   lead.ValidationVerified,
		Attributes:              lead.NewAttributes(lead.AttrCompanyName, "Acme"),
		ConfidenceScore:         40,
		EnrichmentProvidersUsed: []string{"hunter"},
	}
	dup := &lead.Lead{
		ID:                      "b",
		Emails:                  []string{"shared@acme.com", "b@acme.com"},
		BestEmail:               "b@acme.com",
		EmailValidationStatus:   lead.ValidationVerified,
		BestEmailSource:         "https://acme.com/team",
		Phones:                  []string{"5125550199"},
		BestPhone:               "5125550199",
		PhoneValidationStatus:   lead.ValidationVerified,
		FullName:                "Jane Doe",
		FullNameSource:          "linkedin",
		Attributes:              lead.NewAttributes(lead.AttrCompanyName, "ACME Inc", lead.AttrCity, "Austin"),
		ConfidenceScore:         75,
		EnrichmentProvidersUsed: []string{"apollo", "hunter"},
	}

	out := DefaultPolicy().Apply(primary, dup)

	assert.Equal(t, []string{"a@acme.com", "shared@acme.com", "b@acme.com"}, out.Emails)
	assert.Equal(t, []string{"5125550100", "5125550199"}, out.Phones)
	assert.Equal(t, []string{"hunter", "apollo"}, out.EnrichmentProvidersUsed)

	// Duplicate's verified email wins over the primary's unverified one.
	assert.Equal(t, "b@acme.com", out.BestEmail)
	assert.Equal(t, lead.ValidationVerified, out.EmailValidationStatus)
	assert.Equal(t, "https://acme.com/team", out.BestEmailSource)

	// Both phones verified: primary keeps its own.
	assert.Equal(t, "5125550100", out.BestPhone)

	assert.Equal(t, "Jane Doe", out.FullName)
	assert.Equal(t, "linkedin", out.FullNameSource)
	assert.Equal(t, "Acme", out.Attributes.String(lead.AttrCompanyName))
	assert.Equal(t, "Austin", out.Attributes.String(lead.AttrCity))
	assert.InDelta(t, 75, out.ConfidenceScore, 0.0001)

	// Inputs untouched.
	assert.Equal(t, "a@acme.com", primary.BestEmail)
	assert.Len(t, primary.Emails, 2)
	assert.False(t, primary.Attributes.Has(lead.AttrCity))
}

func TestPolicy_UnionCollapsesSpellings(t *testing.T) {
	primary := &lead.Lead{
		Emails: []string{"Foo@Bar.com"},
		Phones: []string{"(512) 555-0100", "x12"},
	}
	dup := &lead.Lead{
		Emails: []string{"foo@bar.com ", "info@bar.com"},
		Phones: []string{"+1 512 555 0100", "x12", "5125550199"},
	}

	out := DefaultPolicy().Apply(primary, dup)

	assert.Equal(t, []string{"Foo@Bar.com", "info@bar.com"}, out.Emails, "first spelling kept")
	assert.Equal(t, []string{"(512) 555-0100", "x12", "5125550199"}, out.Phones)
}

func TestPolicy_PreferVerified_FillsAbsent(t *testing.T) {
	primary := &lead.Lead{ID: "a"}
	dup := &lead.Lead{ID: "b", BestPhone: "5125550100", PhoneValidationStatus: lead.ValidationLikelyValid, BestPhoneSource: "yelp"}

	out := DefaultPolicy().Apply(primary, dup)
	assert.Equal(t, "5125550100", out.BestPhone)
	assert.Equal(t, lead.ValidationLikelyValid, out.PhoneValidationStatus)
	assert.Equal(t, "yelp", out.BestPhoneSource)
}

func TestPolicy_PreferVerified_KeepsPrimaryWhenDupUnverified(t *testing.T) {
	primary := &lead.Lead{ID: "a", BestEmail: "a@x.com", EmailValidationStatus: lead.ValidationUnverified}
	dup := &lead.Lead{ID: "b", BestEmail: "b@x.com", EmailValidationStatus: lead.ValidationLikelyValid}

	out := DefaultPolicy().Apply(primary, dup)
	assert.Equal(t, "a@x.com", out.BestEmail)
}

func TestPolicy_FullNameNotOverwritten(t *testing.T) {
	primary := &lead.Lead{ID: "a", FullName: "Jane Doe", FullNameSource: "site"}
	dup := &lead.Lead{ID: "b", FullName: "J. Doe", FullNameSource: "other"}

	out := DefaultPolicy().Apply(primary, dup)
	assert.Equal(t, "Jane Doe", out.FullName)
	assert.Equal(t, "site", out.FullNameSource)
}

func TestPolicy_ConfidenceKeepsHigherPrimary(t *testing.T) {
	out := DefaultPolicy().Apply(&lead.Lead{ConfidenceScore: 90}, &lead.Lead{ConfidenceScore: 10})
	assert.InDelta(t, 90, out.ConfidenceScore, 0.0001)
}

func TestNewPolicy_Overrides(t *testing.T) {
	p, err := NewPolicy(map[string]Strategy{
		FieldFullName:  StrategyKeep,
		FieldBestEmail: "Prefer_Non_Null",
	})
	require.NoError(t, err)

	s, ok := p.Strategy(FieldBestEmail)
	require.True(t, ok)
	assert.Equal(t, StrategyPreferNonNull, s)

	out := p.Apply(
		&lead.Lead{BestEmail: "a@x.com"},
		&lead.Lead{BestEmail: "b@x.com", EmailValidationStatus: lead.ValidationVerified, FullName: "Jane"},
	)
	assert.Equal(t, "a@x.com", out.BestEmail)
	assert.Empty(t, out.FullName)
}

func TestNewPolicy_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]Strategy
		msg       string
	}{
		{"unknown field", map[string]Strategy{"fax": StrategyUnion}, "unknown policy field"},
		{"union on scalar", map[string]Strategy{FieldFullName: StrategyUnion}, "not supported"},
		{"max on set", map[string]Strategy{FieldEmails: StrategyMax}, "not supported"},
		{"bogus strategy", map[string]Strategy{FieldAttributes: "merge_deep"}, "not supported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPolicy(tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestPolicy_RulesOrder(t *testing.T) {
	rules := DefaultPolicy().Rules()
	require.Len(t, rules, 8)
	assert.Equal(t, FieldEmails, rules[0].Field)
	assert.Equal(t, FieldConfidenceScore, rules[7].Field)
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
merge_policy:
  fields:
    confidence_score: keep
    best_phone: prefer_non_null
`), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)

	s, _ := p.Strategy(FieldConfidenceScore)
	assert.Equal(t, StrategyKeep, s)
	s, _ = p.Strategy(FieldEmails)
	assert.Equal(t, StrategyUnion, s)
}

func TestLoadPolicy_Errors(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge: read policy")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("merge_policy:\n  fields:\n    emails: max\n"), 0o600))
	_, err = LoadPolicy(path)
	require.Error(t, err)
}
