// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package query

import (
	"sort"
	"strings"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/value"
)

// Direction is a sort direction
type Direction string

// sort directions
const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// Order is one sort criterion
type Order struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

// ParseOrder parses a sort specification of the form "field:asc,other:desc".
// The direction defaults to ascending.
func ParseOrder(spec string) ([]Order, error) {
	var orders []Order
	if strings.TrimSpace(spec) == "" {
		return orders, nil
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		field, direction := part, Ascending
		if i := strings.LastIndexByte(part, ':'); i >= 0 {
			field = part[:i]
			direction = Direction(strings.ToLower(part[i+1:]))
		}
		if field == "" {
			return nil, core.Validation("order field name is missing in '%s'", spec)
		}
		if direction != Ascending && direction != Descending {
			return nil, core.Validation("invalid order direction '%s' for field %s", direction, field)
		}
		orders = append(orders, Order{Field: field, Direction: direction})
	}
	return orders, nil
}

// Sort sorts documents stably by the given orders. Documents without a sort field
// sort as if they held the minimum value. Ties are broken by ascending creation time
// and then by id. Without orders, documents are sorted in creation order.
func Sort(docs []core.Document, orders []Order) {
	sort.SliceStable(docs, func(i, j int) bool {
		return compareDocuments(docs[i], docs[j], orders) < 0
	})
}

func compareDocuments(a, b core.Document, orders []Order) int {
	for _, order := range orders {
		va, foundA := a.Data.Lookup(order.Field)
		vb, foundB := b.Data.Lookup(order.Field)
		c := 0
		switch {
		case !foundA && !foundB:
		case !foundA:
			c = -1
		case !foundB:
			c = 1
		default:
			c = value.Compare(va, vb)
		}
		if order.Direction == Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
