package lead

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
)

// ValueKind is the closed set of kinds an attribute value can hold.
type ValueKind int

// Attribute value kinds.
const (
	KindString ValueKind = iota + 1
	KindNumber
	KindBool
	KindStringList
)

// Value is a single attribute value.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []string
}

// StringValue returns a string attribute value.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// NumberValue returns a numeric attribute value.
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// BoolValue returns a boolean attribute value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// ListValue returns a list-of-string attribute value.
func ListValue(items ...string) Value {
	return Value{Kind: KindStringList, List: append([]string(nil), items...)}
}

// String renders the value as text. Lists are comma-joined.
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindStringList:
		var b bytes.Buffer
		for i, item := range v.List {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(item)
		}
		return b.String()
	default:
		return ""
	}
}

func (v Value) clone() Value {
	if v.List != nil {
		v.List = append([]string(nil), v.List...)
	}
	return v
}

func (v Value) marshal() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindStringList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	default:
		return nil, eris.Errorf("lead: unknown attribute kind %d", v.Kind)
	}
}

// Attributes is the open, niche-specific key/value map of a lead. Keys keep
// their insertion order, which is also the JSON encoding order.
type Attributes struct {
	keys []string
	vals map[string]Value
}

// NewAttributes builds attributes from alternating key/value pairs.
func NewAttributes(pairs ...any) Attributes {
	var a Attributes
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		switch v := pairs[i+1].(type) {
		case Value:
			a.Set(key, v)
		case string:
			a.Set(key, StringValue(v))
		case float64:
			a.Set(key, NumberValue(v))
		case int:
			a.Set(key, NumberValue(float64(v)))
		case bool:
			a.Set(key, BoolValue(v))
		case []string:
			a.Set(key, ListValue(v...))
		}
	}
	return a
}

// Set stores v under key, keeping the key's original position if present.
func (a *Attributes) Set(key string, v Value) {
	if a.vals == nil {
		a.vals = make(map[string]Value)
	}
	if _, ok := a.vals[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.vals[key] = v.clone()
}

// Get returns the value stored under key.
func (a Attributes) Get(key string) (Value, bool) {
	v, ok := a.vals[key]
	return v, ok
}

// Has reports whether key is present.
func (a Attributes) Has(key string) bool {
	_, ok := a.vals[key]
	return ok
}

// String returns the text form of key's value, or "" when absent.
func (a Attributes) String(key string) string {
	v, ok := a.vals[key]
	if !ok {
		return ""
	}
	return v.String()
}

// Keys returns the keys in insertion order.
func (a Attributes) Keys() []string {
	return append([]string(nil), a.keys...)
}

// Len returns the number of keys.
func (a Attributes) Len() int {
	return len(a.keys)
}

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	var out Attributes
	for _, k := range a.keys {
		out.Set(k, a.vals[k])
	}
	return out
}

// Overlay returns a copy of a with every key of under that a lacks appended
// in under's order. Keys already present in a are never replaced.
func (a Attributes) Overlay(under Attributes) Attributes {
	out := a.Clone()
	for _, k := range under.keys {
		if !out.Has(k) {
			out.Set(k, under.vals[k])
		}
	}
	return out
}

// MarshalJSON encodes the attributes as an object in key order.
func (a Attributes) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range a.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, eris.Wrapf(err, "lead: marshal attribute key %q", k)
		}
		vb, err := a.vals[k].marshal()
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// UnmarshalJSON decodes an object, preserving key order. Nulls are dropped;
// nested objects are kept as their raw JSON text and non-string list items
// are rendered as text.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	*a = Attributes{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return eris.Wrap(err, "lead: decode attributes")
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return eris.Errorf("lead: attributes must be a JSON object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return eris.Wrap(err, "lead: decode attribute key")
		}
		key, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return eris.Wrapf(err, "lead: decode attribute %q", key)
		}
		v, ok, err := valueFromJSON(raw)
		if err != nil {
			return eris.Wrapf(err, "lead: decode attribute %q", key)
		}
		if ok {
			a.Set(key, v)
		}
	}

	if _, err := dec.Token(); err != nil {
		return eris.Wrap(err, "lead: decode attributes end")
	}
	return nil
}

func valueFromJSON(raw json.RawMessage) (Value, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Value{}, false, nil
	}

	switch trimmed[0] {
	case 'n':
		return Value{}, false, nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Value{}, false, err
		}
		return StringValue(s), true, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return Value{}, false, err
		}
		return BoolValue(b), true, nil
	case '[':
		var items []any
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return Value{}, false, err
		}
		list := make([]string, 0, len(items))
		for _, item := range items {
			switch it := item.(type) {
			case nil:
				continue
			case string:
				list = append(list, it)
			default:
				list = append(list, fmt.Sprint(it))
			}
		}
		return ListValue(list...), true, nil
	case '{':
		return StringValue(string(trimmed)), true, nil
	default:
		var n float64
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return Value{}, false, err
		}
		return NumberValue(n), true, nil
	}
}
