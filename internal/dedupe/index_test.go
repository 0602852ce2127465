package dedupe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-dedupe/internal/lead"
)

func TestIndexKeys(t *testing.T) {
	l := &lead.Lead{
		Domain:    "ACME.com ",
		BestEmail: " Jane@Acme.COM",
		BestPhone: "+1 (512) 555-0100",
		FullName:  "  Jane   Doe ",
		Attributes: lead.NewAttributes(
			lead.AttrCompanyName, "Acme Corp",
			lead.AttrCity, "Austin",
		),
	}

	assert.Equal(t, "jane@acme.com", EmailKey(l))
	assert.Equal(t, "5125550100", PhoneKey(l))
	assert.Equal(t, "acme.com:jane doe", DomainNameKey(l))
	assert.Equal(t, "acme corp:austin::jane doe", CompanyCityContactKey(l))
}

func TestIndexKeys_Absent(t *testing.T) {
	l := &lead.Lead{
		Domain:     "acme.com",
		BestPhone:  "555-0100",
		Attributes: lead.NewAttributes(lead.AttrCompanyName, "Acme"),
	}

	assert.Empty(t, EmailKey(l))
	assert.Empty(t, PhoneKey(l), "too few digits")
	assert.Empty(t, DomainNameKey(l), "no contact name")
	assert.Empty(t, CompanyCityContactKey(l), "no city, state or name")

	l.FullName = "Jane Doe"
	assert.Empty(t, CompanyCityContactKey(l), "still no city or state")
	l.Attributes.Set(lead.AttrState, lead.StringValue("TX"))
	assert.Equal(t, "acme::tx:jane doe", CompanyCityContactKey(l))
}

func TestBuildClusters_Singletons(t *testing.T) {
	leads := []lead.Lead{
		{ID: "a", Domain: "a.com", BestEmail: "x@a.com"},
		{ID: "b", Domain: "b.com", BestEmail: "y@b.com"},
	}
	assert.Empty(t, BuildClusters(leads))
}

func TestBuildClusters_OrderAndReasons(t *testing.T) {
	leads := []lead.Lead{
		{ID: "a", Domain: "acme.com", BestEmail: "jane@acme.com", BestPhone: "512-555-0100", FullName: "Jane Doe"},
		{ID: "b", Domain: "acme.com", BestEmail: "JANE@acme.com", BestPhone: "(512) 555-0100", FullName: "jane doe"},
		{ID: "c", Domain: "beta.com", BestEmail: "bob@beta.com"},
		{ID: "d", Domain: "beta.com", BestEmail: "bob@beta.com"},
	}

	clusters := BuildClusters(leads)
	require.Len(t, clusters, 4)

	assert.Equal(t, lead.ReasonEmail, clusters[0].Reason)
	assert.Equal(t, "jane@acme.com", clusters[0].Key)
	assert.Equal(t, lead.ReasonEmail, clusters[1].Reason)
	assert.Equal(t, "bob@beta.com", clusters[1].Key)
	assert.Equal(t, lead.ReasonPhone, clusters[2].Reason)
	assert.Equal(t, lead.ReasonDomainName, clusters[3].Reason)

	ids := func(c Cluster) []string {
		var out []string
		for _, m := range c.Members {
			out = append(out, m.ID)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b"}, ids(clusters[0]))
	assert.Equal(t, []string{"c", "d"}, ids(clusters[1]))
}

func TestBuildClusters_ThreeWay(t *testing.T) {
	leads := []lead.Lead{
		{ID: "a", Domain: "a.com", BestPhone: "5125550100"},
		{ID: "b", Domain: "b.com", BestPhone: "1-512-555-0100"},
		{ID: "c", Domain: "c.com", BestPhone: "512.555.0100"},
	}

	clusters := BuildClusters(leads)
	require.Len(t, clusters, 1)
	assert.Equal(t, lead.ReasonPhone, clusters[0].Reason)
	assert.Len(t, clusters[0].Members, 3)
}
