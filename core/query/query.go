// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package query

import (
	"github.com/relabs-tech/livestore/core"
)

// paging limits
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Query combines filter, sort order and pagination
type Query struct {
	Filter  Filter
	OrderBy []Order
	Limit   int
	Offset  int
}

// ClampLimit returns limit clamped to [1,MaxLimit]. Zero selects DefaultLimit.
func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultLimit
	case limit < 1:
		return 1
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// ClampOffset returns offset clamped to >= 0
func ClampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// Paginate returns the page of docs selected by limit and offset. An offset beyond
// the end yields an empty page.
func Paginate(docs []core.Document, limit, offset int) []core.Document {
	limit = ClampLimit(limit)
	offset = ClampOffset(offset)
	if offset >= len(docs) {
		return []core.Document{}
	}
	end := offset + limit
	if end > len(docs) {
		end = len(docs)
	}
	return docs[offset:end]
}

// Apply filters, sorts and paginates docs. It returns the page and the total
// number of matching documents. docs is reordered in place.
func (q Query) Apply(docs []core.Document) ([]core.Document, int, error) {
	matching := docs[:0]
	for _, doc := range docs {
		ok, err := q.Filter.Match(doc)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			matching = append(matching, doc)
		}
	}
	Sort(matching, q.OrderBy)
	return Paginate(matching, q.Limit, q.Offset), len(matching), nil
}
