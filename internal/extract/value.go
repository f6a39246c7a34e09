package extract

import "encoding/json"

// Kind discriminates a Value.
type Kind uint8

const (
	KindNone Kind = iota
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "none"
	}
}

// Value is the result of extraction: a JSON object, a JSON array, or absent.
// The zero Value is absent.
type Value struct {
	kind Kind
	obj  map[string]any
	arr  []any
}

// Object wraps a decoded JSON object. A nil map yields an empty object.
func Object(m map[string]any) Value {
	if m == nil {
		m = map[string]any{}
	}
	return Value{kind: KindObject, obj: m}
}

// Array wraps a decoded JSON array. A nil slice yields an empty array.
func Array(a []any) Value {
	if a == nil {
		a = []any{}
	}
	return Value{kind: KindArray, arr: a}
}

// FromAny wraps the output of json.Unmarshal into an any. Anything other than
// an object or an array yields an absent Value.
func FromAny(v any) Value {
	switch t := v.(type) {
	case map[string]any:
		return Object(t)
	case []any:
		return Array(t)
	default:
		return Value{}
	}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) Present() bool  { return v.kind != KindNone }
func (v Value) IsObject() bool { return v.kind == KindObject }
func (v Value) IsArray() bool  { return v.kind == KindArray }

// AsObject returns the underlying map when v is an object.
func (v Value) AsObject() (map[string]any, bool) {
	return v.obj, v.kind == KindObject
}

// AsArray returns the underlying slice when v is an array.
func (v Value) AsArray() ([]any, bool) {
	return v.arr, v.kind == KindArray
}

// Any returns the plain Go value: map[string]any, []any, or nil.
func (v Value) Any() any {
	switch v.kind {
	case KindObject:
		return v.obj
	case KindArray:
		return v.arr
	default:
		return nil
	}
}

// MarshalJSON encodes an absent Value as null.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// UnmarshalJSON accepts an object, an array or null.
func (v *Value) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}
