// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package value

import (
	"fmt"
	"sort"
	"strings"
)

// Field is a named value inside an object
type Field struct {
	Name  string
	Value Value
}

// Object is an ordered mapping from field names to values. All read methods
// accept a nil receiver, which behaves like an empty object.
type Object struct {
	fields []Field
	index  map[string]int
}

// NewObject returns an object with the given fields. Later fields with the
// same name replace earlier ones.
func NewObject(fields ...Field) *Object {
	o := &Object{index: make(map[string]int, len(fields))}
	for _, f := range fields {
		o.Set(f.Name, f.Value)
	}
	return o
}

// ObjectFromMap converts a native go map into an object with sorted keys
func ObjectFromMap(m map[string]interface{}) (*Object, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	o := NewObject()
	for _, k := range keys {
		v, err := FromInterface(m[k])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		o.Set(k, v)
	}
	return o, nil
}

// MustObject is like ObjectFromMap but panics on error. Handy for tests.
func MustObject(m map[string]interface{}) *Object {
	o, err := ObjectFromMap(m)
	if err != nil {
		panic(err)
	}
	return o
}

// Len returns the number of fields
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.fields)
}

// Get returns the value of a top-level field
func (o *Object) Get(name string) (Value, bool) {
	if o == nil {
		return Null, false
	}
	i, ok := o.index[name]
	if !ok {
		return Null, false
	}
	return o.fields[i].Value, true
}

// Lookup returns the value at a dotted path, for example "address.city".
// A field whose name contains a dot is found before descending.
func (o *Object) Lookup(path string) (Value, bool) {
	if v, ok := o.Get(path); ok {
		return v, true
	}
	i := strings.IndexByte(path, '.')
	if i < 0 {
		return Null, false
	}
	v, ok := o.Get(path[:i])
	if !ok {
		return Null, false
	}
	child, ok := v.AsObject()
	if !ok {
		return Null, false
	}
	return child.Lookup(path[i+1:])
}

// Set sets a field. An existing field keeps its position, a new field is appended.
func (o *Object) Set(name string, v Value) {
	if o.index == nil {
		o.index = make(map[string]int)
	}
	if i, ok := o.index[name]; ok {
		o.fields[i].Value = v
		return
	}
	o.index[name] = len(o.fields)
	o.fields = append(o.fields, Field{Name: name, Value: v})
}

// Delete removes a field and returns true if it existed
func (o *Object) Delete(name string) bool {
	if o == nil {
		return false
	}
	i, ok := o.index[name]
	if !ok {
		return false
	}
	o.fields = append(o.fields[:i], o.fields[i+1:]...)
	delete(o.index, name)
	for j := i; j < len(o.fields); j++ {
		o.index[o.fields[j].Name] = j
	}
	return true
}

// Keys returns the field names in order
func (o *Object) Keys() []string {
	keys := make([]string, 0, o.Len())
	if o == nil {
		return keys
	}
	for _, f := range o.fields {
		keys = append(keys, f.Name)
	}
	return keys
}

// Fields returns a copy of the fields in order
func (o *Object) Fields() []Field {
	if o == nil {
		return nil
	}
	fields := make([]Field, len(o.fields))
	copy(fields, o.fields)
	return fields
}

// Clone returns a deep copy
func (o *Object) Clone() *Object {
	c := &Object{index: make(map[string]int, o.Len())}
	if o == nil {
		return c
	}
	c.fields = make([]Field, len(o.fields))
	for i, f := range o.fields {
		c.fields[i] = Field{Name: f.Name, Value: f.Value.Clone()}
		c.index[f.Name] = i
	}
	return c
}

// Merge returns a copy of o where every top-level field of patch replaces the
// field of the same name. Nested objects are replaced, not merged.
func (o *Object) Merge(patch *Object) *Object {
	merged := o.Clone()
	if patch == nil {
		return merged
	}
	for _, f := range patch.fields {
		merged.Set(f.Name, f.Value.Clone())
	}
	return merged
}

// Equal returns true if both objects hold the same fields, in any order
func (o *Object) Equal(other *Object) bool {
	return Equal(FromObject(o), FromObject(other))
}

// String returns the JSON representation, for logging
func (o *Object) String() string {
	return FromObject(o).String()
}
