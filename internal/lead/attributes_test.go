package lead

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributes_SetKeepsPosition(t *testing.T) {
	a := NewAttributes("b", "1", "a", "2")
	a.Set("b", StringValue("3"))

	assert.Equal(t, []string{"b", "a"}, a.Keys())
	assert.Equal(t, "3", a.String("b"))
	assert.Equal(t, 2, a.Len())
}

func TestAttributes_Overlay(t *testing.T) {
	primary := NewAttributes(AttrCompanyName, "Acme", AttrCity, "")
	dup := NewAttributes(AttrCity, "Austin", AttrState, "TX", "employees", 40)

	out := primary.Overlay(dup)

	assert.Equal(t, []string{AttrCompanyName, AttrCity, AttrState, "employees"}, out.Keys())
	assert.Equal(t, "", out.String(AttrCity), "existing keys win even when empty")
	assert.Equal(t, "TX", out.String(AttrState))
	assert.Equal(t, 2, primary.Len(), "receiver untouched")
}

func TestAttributes_CloneIsDeep(t *testing.T) {
	a := NewAttributes("tags", []string{"x", "y"})
	b := a.Clone()

	v, _ := b.Get("tags")
	v.List[0] = "changed"

	orig, _ := a.Get("tags")
	assert.Equal(t, "x", orig.List[0])
}

func TestAttributes_JSONRoundTripOrder(t *testing.T) {
	raw := `{"zeta":"z","alpha":1.5,"flag":true,"tags":["a",2,null],"skip":null,"nested":{"k":"v"}}`

	var a Attributes
	require.NoError(t, json.Unmarshal([]byte(raw), &a))

	assert.Equal(t, []string{"zeta", "alpha", "flag", "tags", "nested"}, a.Keys())
	tags, _ := a.Get("tags")
	assert.Equal(t, KindStringList, tags.Kind)
	assert.Equal(t, []string{"a", "2"}, tags.List)
	nested, _ := a.Get("nested")
	assert.Equal(t, `{"k":"v"}`, nested.Str)

	out, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"z","alpha":1.5,"flag":true,"tags":["a","2"],"nested":"{\"k\":\"v\"}"}`, string(out))
}

func TestAttributes_UnmarshalRejectsNonObject(t *testing.T) {
	var a Attributes
	err := json.Unmarshal([]byte(`[1,2]`), &a)
	require.Error(t, err)
}

func TestAttributes_EmptyMarshal(t *testing.T) {
	out, err := json.Marshal(Attributes{})
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(out))
}

func TestLead_IsTerminal(t *testing.T) {
	tests := []struct {
		name   string
		lead   Lead
		expect bool
	}{
		{"new", Lead{Status: StatusNew}, false},
		{"rejected only", Lead{Status: StatusRejected}, false},
		{"rejected merged", Lead{Status: StatusRejected, QCFlag: QCFlagMerged}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.lead.IsTerminal())
		})
	}
}
