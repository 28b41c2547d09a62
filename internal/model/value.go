package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind identifies the concrete type of an attribute value.
// The kind is fixed by the first snapshot written for a (user, attribute)
// pair; every later snapshot must carry the same kind.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
)

// Valid reports whether k is one of the three closed variants.
func (k Kind) Valid() bool {
	switch k {
	case KindString, KindNumber, KindBool:
		return true
	}
	return false
}

// Value is a closed tagged union over string, number, and boolean.
// The zero Value is invalid; construct with StringValue, NumberValue,
// or BoolValue.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
}

// StringValue returns a Value holding s.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// NumberValue returns a Value holding n.
func NumberValue(n float64) Value { return Value{kind: KindNumber, num: n} }

// BoolValue returns a Value holding b.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// ValueOf converts a dynamically-typed scalar (as produced by JSON decoding)
// into a Value. Supported inputs: string, bool, float64, int, int64,
// json.Number. Anything else is an error.
func ValueOf(v any) (Value, error) {
	switch t := v.(type) {
	case string:
		return StringValue(t), nil
	case bool:
		return BoolValue(t), nil
	case float64:
		return NumberValue(t), nil
	case int:
		return NumberValue(float64(t)), nil
	case int64:
		return NumberValue(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("model: invalid number %q: %w", t.String(), err)
		}
		return NumberValue(f), nil
	default:
		return Value{}, fmt.Errorf("model: unsupported value type %T (want string, number, or bool)", v)
	}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// String returns the held string. Panics are avoided: a non-string Value
// returns the empty string.
func (v Value) String() string {
	if v.kind == KindString {
		return v.str
	}
	return ""
}

// Number returns the held number, or 0 for non-number Values.
func (v Value) Number() float64 {
	if v.kind == KindNumber {
		return v.num
	}
	return 0
}

// Bool returns the held boolean, or false for non-bool Values.
func (v Value) Bool() bool {
	if v.kind == KindBool {
		return v.b
	}
	return false
}

// Any returns the value as a dynamically-typed scalar, suitable for JSON
// encoding and template rendering.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	}
	return nil
}

// Equal reports whether two Values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	}
	return false
}

// Display renders the value for human-readable output (reports, logs).
// Numbers drop a trailing ".0" so integral scores read naturally.
func (v Value) Display() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	}
	return ""
}

// MarshalJSON encodes the value as a bare JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.kind.Valid() {
		return nil, fmt.Errorf("model: marshal zero Value")
	}
	return json.Marshal(v.Any())
}

// UnmarshalJSON decodes a bare JSON scalar into the matching variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("model: unmarshal value: %w", err)
	}
	val, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}
