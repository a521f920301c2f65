// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package query

import (
	"strings"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/value"
)

// Match returns true if all predicates match the document data
func (f Filter) Match(doc core.Document) (bool, error) {
	for _, p := range f {
		ok, err := p.Match(doc.Data)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Match evaluates the predicate against document data. Type mismatches between a
// stored field and the operator fail with a validation error.
func (p Predicate) Match(data *value.Object) (bool, error) {
	stored, found := data.Lookup(p.Field)

	switch p.Operator {
	case OpEq:
		return found && value.Equal(stored, p.Value), nil

	case OpNotIn:
		if !found {
			return true, nil
		}
		return !containsValue(p.Value, stored), nil
	}

	if !found {
		return false, nil
	}

	switch p.Operator {
	case OpContains:
		s, ok := stored.AsString()
		if !ok {
			return false, core.Validation("operator %s: field %s is a %s, not a string", p.Operator, p.Field, stored.Kind())
		}
		needle, _ := p.Value.AsString()
		return strings.Contains(strings.ToLower(s), strings.ToLower(needle)), nil

	case OpStartsWith, OpEndsWith:
		s, ok := stored.AsString()
		if !ok {
			return false, nil
		}
		affix, _ := p.Value.AsString()
		if p.Operator == OpStartsWith {
			return strings.HasPrefix(s, affix), nil
		}
		return strings.HasSuffix(s, affix), nil

	case OpGt, OpGte, OpLt, OpLte:
		c, err := compareOrdered(p, stored)
		if err != nil {
			return false, err
		}
		switch p.Operator {
		case OpGt:
			return c > 0, nil
		case OpGte:
			return c >= 0, nil
		case OpLt:
			return c < 0, nil
		}
		return c <= 0, nil

	case OpArrayContains:
		if _, ok := stored.AsArray(); !ok {
			return false, nil
		}
		return containsValue(stored, p.Value), nil

	case OpArrayContainsAny:
		items, ok := stored.AsArray()
		if !ok {
			return false, nil
		}
		for _, item := range items {
			if containsValue(p.Value, item) {
				return true, nil
			}
		}
		return false, nil

	case OpIn:
		return containsValue(p.Value, stored), nil
	}
	return false, core.Validation("unknown operator %s on field %s", p.Operator, p.Field)
}

// compareOrdered compares the stored value with the predicate value. Numbers compare
// with numbers, strings with strings; two timestamps compare as dates.
func compareOrdered(p Predicate, stored value.Value) (int, error) {
	if stored.Kind() != p.Value.Kind() {
		return 0, core.Validation("operator %s: field %s is a %s and cannot be compared with a %s",
			p.Operator, p.Field, stored.Kind(), p.Value.Kind())
	}
	if stored.Kind() != value.KindNumber && stored.Kind() != value.KindString {
		return 0, core.Validation("operator %s: field %s is a %s and has no order", p.Operator, p.Field, stored.Kind())
	}
	return value.Compare(stored, p.Value), nil
}

// containsValue returns true if the array list holds v
func containsValue(list value.Value, v value.Value) bool {
	items, _ := list.AsArray()
	for _, item := range items {
		if value.Equal(item, v) {
			return true
		}
	}
	return false
}
