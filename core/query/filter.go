// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package query compiles filter specifications into predicate lists and evaluates,
sorts and paginates documents with them.

A filter specification is a mapping where a bare field name implies equality and
a key of the form field_<op> selects another operator:

  {"status": "active", "age_gte": 18, "tags_array_contains": "news"}

All predicates of a filter must match (implicit AND).
*/
package query

import (
	"sort"
	"strings"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/value"
)

// Operator is a predicate operator
type Operator string

// all supported operators
const (
	OpEq               Operator = "eq"
	OpContains         Operator = "contains"
	OpGt               Operator = "gt"
	OpGte              Operator = "gte"
	OpLt               Operator = "lt"
	OpLte              Operator = "lte"
	OpArrayContains    Operator = "array-contains"
	OpArrayContainsAny Operator = "array-contains-any"
	OpIn               Operator = "in"
	OpNotIn            Operator = "not-in"
	OpStartsWith       Operator = "starts-with"
	OpEndsWith         Operator = "ends-with"
)

// CurrentUser is a placeholder filter value which resolves to the id of the
// authenticated user
const CurrentUser = "$currentUser"

// key suffixes, longest first so that "_array_contains_any" wins over "_contains"
var suffixes = []struct {
	suffix   string
	operator Operator
}{
	{"_array_contains_any", OpArrayContainsAny},
	{"_array_contains", OpArrayContains},
	{"_starts_with", OpStartsWith},
	{"_ends_with", OpEndsWith},
	{"_contains", OpContains},
	{"_not_in", OpNotIn},
	{"_gte", OpGte},
	{"_lte", OpLte},
	{"_eq", OpEq},
	{"_gt", OpGt},
	{"_lt", OpLt},
	{"_in", OpIn},
}

// Predicate is a single field/operator/value test
type Predicate struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    value.Value `json:"value"`
}

// Filter is a list of predicates which must all match
type Filter []Predicate

// ParseKey splits a filter key into field name and operator. Keys without a
// known operator suffix are bare field names with equality.
func ParseKey(key string) (string, Operator) {
	for _, s := range suffixes {
		if strings.HasSuffix(key, s.suffix) && len(key) > len(s.suffix) {
			return strings.TrimSuffix(key, s.suffix), s.operator
		}
	}
	return key, OpEq
}

// Compile compiles a filter specification. A nil specification yields an empty filter
// which matches every document.
func Compile(spec *value.Object) (Filter, error) {
	var filter Filter
	for _, f := range spec.Fields() {
		field, operator := ParseKey(f.Name)
		p, err := NewPredicate(field, operator, f.Value)
		if err != nil {
			return nil, err
		}
		filter = append(filter, p)
	}
	sort.SliceStable(filter, func(i, j int) bool {
		if filter[i].Field != filter[j].Field {
			return filter[i].Field < filter[j].Field
		}
		return filter[i].Operator < filter[j].Operator
	})
	return filter, nil
}

// CompileMap compiles a filter specification given as native go map
func CompileMap(spec map[string]interface{}) (Filter, error) {
	o, err := value.ObjectFromMap(spec)
	if err != nil {
		return nil, core.Validation("invalid filter: %s", err)
	}
	return Compile(o)
}

// NewPredicate validates and returns a predicate
func NewPredicate(field string, operator Operator, v value.Value) (Predicate, error) {
	p := Predicate{Field: field, Operator: operator, Value: v}
	if field == "" {
		return p, core.Validation("filter field name is missing")
	}
	switch operator {
	case OpEq:
	case OpContains, OpStartsWith, OpEndsWith:
		if _, ok := v.AsString(); !ok {
			return p, core.Validation("operator %s on field %s requires a string, got %s", operator, field, v.Kind())
		}
	case OpGt, OpGte, OpLt, OpLte:
		if v.Kind() != value.KindNumber && v.Kind() != value.KindString {
			return p, core.Validation("operator %s on field %s requires a number or a date, got %s", operator, field, v.Kind())
		}
	case OpArrayContains:
		if !v.IsScalar() {
			return p, core.Validation("operator %s on field %s requires a scalar, got %s", operator, field, v.Kind())
		}
	case OpArrayContainsAny, OpIn, OpNotIn:
		if _, ok := v.AsArray(); !ok {
			return p, core.Validation("operator %s on field %s requires an array, got %s", operator, field, v.Kind())
		}
	default:
		return p, core.Validation("unknown operator %s on field %s", operator, field)
	}
	return p, nil
}

// UsesCurrentUser returns true if any predicate refers to the current user
func (f Filter) UsesCurrentUser() bool {
	for _, p := range f {
		if refersToCurrentUser(p.Value) {
			return true
		}
	}
	return false
}

// WithCurrentUser returns a filter where all CurrentUser placeholders are replaced by
// userID. It fails with Unauthenticated if the filter needs a user and userID is empty.
func (f Filter) WithCurrentUser(userID string) (Filter, error) {
	if !f.UsesCurrentUser() {
		return f, nil
	}
	if userID == "" {
		return nil, core.Unauthenticated("filter refers to the current user, but there is no authenticated user")
	}
	resolved := make(Filter, len(f))
	for i, p := range f {
		p.Value = replaceCurrentUser(p.Value, userID)
		resolved[i] = p
	}
	return resolved, nil
}

func refersToCurrentUser(v value.Value) bool {
	if s, ok := v.AsString(); ok {
		return s == CurrentUser
	}
	if items, ok := v.AsArray(); ok {
		for _, item := range items {
			if refersToCurrentUser(item) {
				return true
			}
		}
	}
	return false
}

func replaceCurrentUser(v value.Value, userID string) value.Value {
	if s, ok := v.AsString(); ok && s == CurrentUser {
		return value.String(userID)
	}
	if items, ok := v.AsArray(); ok {
		replaced := make([]value.Value, len(items))
		for i := range items {
			replaced[i] = replaceCurrentUser(items[i], userID)
		}
		return value.Array(replaced...)
	}
	return v
}
