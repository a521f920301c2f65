// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package value provides the tagged value model for schemaless document data.

A Value is one of null, bool, number, string, array or object. Objects keep the
order of their fields, also across JSON round trips.
*/
package value

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Kind is the type tag of a Value
type Kind uint8

// all value kinds, in their cross-type sort order
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a tagged value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	a    []Value
	o    *Object
}

// Null is the null value
var Null = Value{}

// Bool returns a bool value
func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

// Number returns a number value
func Number(n float64) Value {
	return Value{kind: KindNumber, n: n}
}

// String returns a string value
func String(s string) Value {
	return Value{kind: KindString, s: s}
}

// Time returns a string value holding t in RFC 3339 format
func Time(t time.Time) Value {
	return String(t.UTC().Format(time.RFC3339Nano))
}

// Array returns an array value
func Array(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, a: items}
}

// FromObject returns an object value. A nil object becomes an empty object.
func FromObject(o *Object) Value {
	if o == nil {
		o = NewObject()
	}
	return Value{kind: KindObject, o: o}
}

// Kind returns the type tag
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull returns true for the null value
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// AsBool returns the bool and true if v is a bool
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// AsNumber returns the number and true if v is a number
func (v Value) AsNumber() (float64, bool) {
	return v.n, v.kind == KindNumber
}

// AsString returns the string and true if v is a string
func (v Value) AsString() (string, bool) {
	return v.s, v.kind == KindString
}

// AsArray returns the items and true if v is an array
func (v Value) AsArray() ([]Value, bool) {
	return v.a, v.kind == KindArray
}

// AsObject returns the object and true if v is an object
func (v Value) AsObject() (*Object, bool) {
	return v.o, v.kind == KindObject
}

// AsTime returns the time and true if v is a string in RFC 3339 format
func (v Value) AsTime() (time.Time, bool) {
	if v.kind != KindString {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v.s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IsScalar returns true for null, bool, number and string
func (v Value) IsScalar() bool {
	return v.kind < KindArray
}

// Clone returns a deep copy of v
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		items := make([]Value, len(v.a))
		for i := range v.a {
			items[i] = v.a[i].Clone()
		}
		return Value{kind: KindArray, a: items}
	case KindObject:
		return Value{kind: KindObject, o: v.o.Clone()}
	}
	return v
}

// String returns the JSON representation, for logging
func (v Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s: %s>", v.kind, err)
	}
	return string(data)
}

// Equal returns true if a and b hold the same value. Object field order is
// not significant.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.n == b.n
	case KindString:
		return a.s == b.s
	case KindArray:
		if len(a.a) != len(b.a) {
			return false
		}
		for i := range a.a {
			if !Equal(a.a[i], b.a[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if a.o.Len() != b.o.Len() {
			return false
		}
		for _, f := range a.o.Fields() {
			other, ok := b.o.Get(f.Name)
			if !ok || !Equal(f.Value, other) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare imposes a total order on values, used for sorting. Values of different
// kinds are ordered by kind. Strings holding RFC 3339 timestamps sort before all
// other strings and compare as dates among each other, with equal instants ordered
// lexically. All other strings compare lexically.
func Compare(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindBool:
		if a.b == b.b {
			return 0
		}
		if !a.b {
			return -1
		}
		return 1
	case KindNumber:
		return compareFloat(a.n, b.n)
	case KindString:
		ta, aIsTime := a.AsTime()
		tb, bIsTime := b.AsTime()
		switch {
		case aIsTime && bIsTime:
			if c := ta.Compare(tb); c != 0 {
				return c
			}
		case aIsTime:
			return -1
		case bIsTime:
			return 1
		}
		return strings.Compare(a.s, b.s)
	case KindArray:
		for i := 0; i < len(a.a) && i < len(b.a); i++ {
			if c := Compare(a.a[i], b.a[i]); c != 0 {
				return c
			}
		}
		return compareFloat(float64(len(a.a)), float64(len(b.a)))
	case KindObject:
		// objects have no natural order, compare their canonical form
		return strings.Compare(canonical(a), canonical(b))
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// canonical returns a JSON representation with sorted object keys
func canonical(v Value) string {
	if v.kind != KindObject {
		return v.String()
	}
	keys := v.o.Keys()
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		field, _ := v.o.Get(k)
		sb.WriteString(String(k).String())
		sb.WriteByte(':')
		sb.WriteString(canonical(field))
	}
	sb.WriteByte('}')
	return sb.String()
}

// FromInterface converts native go data as produced by a JSON decoder (nil, bool,
// numbers, string, []interface{}, map[string]interface{}) into a Value. Map keys
// are sorted, since go maps carry no order.
func FromInterface(in interface{}) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null, nil
	case Value:
		return t, nil
	case *Object:
		return FromObject(t), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case time.Time:
		return Time(t), nil
	case float64:
		return checkedNumber(t)
	case float32:
		return checkedNumber(float64(t))
	case int:
		return Number(float64(t)), nil
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case []Value:
		return Array(t...), nil
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}
		return Array(items...), nil
	case []interface{}:
		items := make([]Value, len(t))
		for i := range t {
			item, err := FromInterface(t[i])
			if err != nil {
				return Null, err
			}
			items[i] = item
		}
		return Array(items...), nil
	case map[string]interface{}:
		o, err := ObjectFromMap(t)
		if err != nil {
			return Null, err
		}
		return FromObject(o), nil
	}
	return Null, fmt.Errorf("unsupported type %T", in)
}

func checkedNumber(n float64) (Value, error) {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return Null, fmt.Errorf("number %v cannot be represented", n)
	}
	return Number(n), nil
}
