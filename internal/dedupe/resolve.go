package dedupe

import (
	"cmp"
	"slices"

	"github.com/sells-group/lead-dedupe/internal/lead"
)

// Pair is a resolved (primary, duplicate, reason) triple.
type Pair struct {
	PrimaryID   string           `json:"primary_id"`
	DuplicateID string           `json:"duplicate_id"`
	MatchReason lead.MatchReason `json:"match_reason"`
}

// Comparator orders two leads for primary selection. Negative means a ranks
// ahead of b; zero defers to the next comparator.
type Comparator func(a, b *lead.Lead) int

// ByActive ranks live leads ahead of rejected ones, merged or not.
func ByActive(a, b *lead.Lead) int {
	return boolFirst(a.IsActive(), b.IsActive())
}

// ByVerification ranks leads with a verified email or phone first.
func ByVerification(a, b *lead.Lead) int {
	return boolFirst(a.IsVerified(), b.IsVerified())
}

// ByConfidence ranks higher confidence scores first.
func ByConfidence(a, b *lead.Lead) int {
	return cmp.Compare(b.ConfidenceScore, a.ConfidenceScore)
}

// ByCreatedAt ranks older leads first.
func ByCreatedAt(a, b *lead.Lead) int {
	return a.CreatedAt.Compare(b.CreatedAt)
}

// ByID breaks any remaining tie so selection never depends on input order.
func ByID(a, b *lead.Lead) int {
	return cmp.Compare(a.ID, b.ID)
}

// DefaultComparators is the primary-selection policy, applied in order.
var DefaultComparators = []Comparator{
	ByActive,
	ByVerification,
	ByConfidence,
	ByCreatedAt,
	ByID,
}

func boolFirst(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return -1
	default:
		return 1
	}
}

// Chain folds comparators into one: the first non-zero result wins.
func Chain(cs ...Comparator) Comparator {
	return func(a, b *lead.Lead) int {
		for _, c := range cs {
			if r := c(a, b); r != 0 {
				return r
			}
		}
		return 0
	}
}

// Resolver selects primaries and emits run-unique pairs. Leads already
// folded into a primary earlier in the run are tracked, so a later cluster
// that touches them pairs against that primary instead.
type Resolver struct {
	compare Comparator
	parent  map[string]string
	leads   map[string]*lead.Lead
}

// NewResolver creates a resolver for one run. With no comparators the
// default policy is used.
func NewResolver(cs ...Comparator) *Resolver {
	if len(cs) == 0 {
		cs = DefaultComparators
	}
	return &Resolver{
		compare: Chain(cs...),
		parent:  make(map[string]string),
		leads:   make(map[string]*lead.Lead),
	}
}

// RankMembers returns a sorted copy of the cluster, best candidate first.
func (r *Resolver) RankMembers(members []*lead.Lead) []*lead.Lead {
	ranked := slices.Clone(members)
	slices.SortStableFunc(ranked, r.compare)
	return ranked
}

// root returns the primary id currently standing for id.
func (r *Resolver) root(id string) string {
	for {
		p, ok := r.parent[id]
		if !ok {
			return id
		}
		if gp, ok := r.parent[p]; ok {
			r.parent[id] = gp
		}
		id = p
	}
}

// Resolve returns the pairs for one cluster. Members are first replaced by
// the primary they were folded into earlier in the run, so no lead is a
// duplicate in one pair and a primary in another. A cluster whose best
// candidate is rejected yields nothing.
func (r *Resolver) Resolve(c Cluster) []Pair {
	var roots []*lead.Lead
	seen := make(map[string]struct{}, len(c.Members))
	for _, m := range c.Members {
		if _, ok := r.leads[m.ID]; !ok {
			r.leads[m.ID] = m
		}
		id := r.root(m.ID)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		roots = append(roots, r.leads[id])
	}

	ranked := r.RankMembers(roots)
	if len(ranked) < 2 {
		return nil
	}
	primary := ranked[0]
	if !primary.IsActive() {
		return nil
	}

	out := make([]Pair, 0, len(ranked)-1)
	for _, dup := range ranked[1:] {
		r.parent[dup.ID] = primary.ID
		out = append(out, Pair{
			PrimaryID:   primary.ID,
			DuplicateID: dup.ID,
			MatchReason: c.Reason,
		})
	}
	return out
}

// ResolveAll resolves clusters in order.
func (r *Resolver) ResolveAll(clusters []Cluster) []Pair {
	var out []Pair
	for _, c := range clusters {
		out = append(out, r.Resolve(c)...)
	}
	return out
}

// PairKey is an order-independent key for two lead IDs.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
