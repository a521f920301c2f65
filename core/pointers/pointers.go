// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package pointers has helpers for the optional fields of partial updates
package pointers

// To returns a pointer to v
func To[T any](v T) *T {
	return &v
}

// Safe returns the value from ptr or the zero value if the pointer is nil
func Safe[T any](ptr *T) T {
	if ptr != nil {
		return *ptr
	}
	var zero T
	return zero
}

// Apply sets *target to *ptr if ptr is not nil. It returns true if it did.
func Apply[T any](target *T, ptr *T) bool {
	if ptr == nil {
		return false
	}
	*target = *ptr
	return true
}
