// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rescache

import (
	"encoding/json"
	"slices"
	"strings"
)

// FilterKeySet is the normalized, sorted, de-duplicated set of identifiers
// (company names or tickers) that scopes a resource.
//
// Normalization trims surrounding whitespace, collapses inner runs of
// whitespace to one space and lower-cases the key. Empty keys are dropped.
// Two sets are Equal when their normalized contents match, regardless of
// the order the keys were supplied in.
//
// The zero value is the empty set and is valid only for an unscoped
// fallback resource.
type FilterKeySet struct {
	keys []string
}

// NewFilterKeySet normalizes keys into a FilterKeySet.
func NewFilterKeySet(keys ...string) FilterKeySet {
	if len(keys) == 0 {
		return FilterKeySet{}
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if n := NormalizeKey(k); n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return FilterKeySet{}
	}
	return FilterKeySet{keys: out}
}

// NormalizeKey applies the FilterKeySet normalization to a single key.
func NormalizeKey(k string) string {
	return strings.ToLower(strings.Join(strings.Fields(k), " "))
}

// Keys returns a copy of the normalized keys in sorted order.
func (s FilterKeySet) Keys() []string {
	return slices.Clone(s.keys)
}

// Len returns the number of keys.
func (s FilterKeySet) Len() int { return len(s.keys) }

// IsEmpty reports whether the set has no keys.
func (s FilterKeySet) IsEmpty() bool { return len(s.keys) == 0 }

// Contains reports whether key, after normalization, is in the set.
func (s FilterKeySet) Contains(key string) bool {
	_, ok := slices.BinarySearch(s.keys, NormalizeKey(key))
	return ok
}

// Equal reports whether both sets hold the same normalized keys.
func (s FilterKeySet) Equal(other FilterKeySet) bool {
	return slices.Equal(s.keys, other.keys)
}

// RequireNonEmpty returns ErrEmptyFilterKeys for the empty set.
// Portfolio-scoped callers use it before acquiring a handle.
func (s FilterKeySet) RequireNonEmpty() error {
	if s.IsEmpty() {
		return ErrEmptyFilterKeys
	}
	return nil
}

// String joins the keys with commas.
func (s FilterKeySet) String() string {
	return strings.Join(s.keys, ",")
}

// MarshalJSON encodes the set as a JSON array of keys.
func (s FilterKeySet) MarshalJSON() ([]byte, error) {
	if s.keys == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.keys)
}

// UnmarshalJSON decodes a JSON array and normalizes it.
func (s *FilterKeySet) UnmarshalJSON(data []byte) error {
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	*s = NewFilterKeySet(keys...)
	return nil
}
