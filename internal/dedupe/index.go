// Package dedupe finds leads that describe the same business or contact and
// records which copy is authoritative.
package dedupe

import (
	"github.com/sells-group/lead-dedupe/internal/lead"
)

// Cluster is a group of two or more leads that share one normalized key.
type Cluster struct {
	Reason  lead.MatchReason
	Key     string
	Members []*lead.Lead
}

// keyFunc extracts a match key from a lead. "" means the lead is not indexed.
type keyFunc func(l *lead.Lead) string

type indexSpec struct {
	reason lead.MatchReason
	key    keyFunc
}

// indexSpecs are evaluated in this order; the first reason to pair two leads wins.
var indexSpecs = []indexSpec{
	{lead.ReasonEmail, EmailKey},
	{lead.ReasonPhone, PhoneKey},
	{lead.ReasonDomainName, DomainNameKey},
	{lead.ReasonCompanyCityContact, CompanyCityContactKey},
}

// EmailKey is the normalized best email.
func EmailKey(l *lead.Lead) string {
	return lead.NormalizeEmail(l.BestEmail)
}

// PhoneKey is the normalized best phone.
func PhoneKey(l *lead.Lead) string {
	return lead.NormalizePhone(l.BestPhone)
}

// DomainNameKey is "domain:name", present only when the lead has a contact name.
func DomainNameKey(l *lead.Lead) string {
	name := lead.NormalizeName(l.FullName)
	if name == "" {
		return ""
	}
	return lead.NormalizeKeyPart(l.Domain) + ":" + name
}

// CompanyCityContactKey is "company:city:state:name". It requires a company
// name, at least one of city or state, and a contact name.
func CompanyCityContactKey(l *lead.Lead) string {
	company := lead.NormalizeKeyPart(l.Attributes.String(lead.AttrCompanyName))
	city := lead.NormalizeKeyPart(l.Attributes.String(lead.AttrCity))
	state := lead.NormalizeKeyPart(l.Attributes.String(lead.AttrState))
	name := lead.NormalizeName(l.FullName)
	if company == "" || name == "" || (city == "" && state == "") {
		return ""
	}
	return company + ":" + city + ":" + state + ":" + name
}

// BuildClusters indexes the working set and returns every cluster of size two
// or more. Clusters come out grouped by index (email, phone, domain_name,
// company_city_contact) and, within one index, in first-seen key order. A lead
// may appear in clusters of several indices.
func BuildClusters(leads []lead.Lead) []Cluster {
	var out []Cluster
	for _, spec := range indexSpecs {
		out = append(out, buildIndex(leads, spec)...)
	}
	return out
}

func buildIndex(leads []lead.Lead, spec indexSpec) []Cluster {
	groups := make(map[string][]*lead.Lead)
	var order []string
	for i := range leads {
		l := &leads[i]
		k := spec.key(l)
		if k == "" {
			continue
		}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], l)
	}

	var out []Cluster
	for _, k := range order {
		members := groups[k]
		if len(members) < 2 {
			continue
		}
		out = append(out, Cluster{Reason: spec.reason, Key: k, Members: members})
	}
	return out
}
