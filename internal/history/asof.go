// Package history provides point-in-time lookups: given a key and an as-of time,
// return the most recent record stamped at or before that time. Nothing later than
// the as-of time is ever returned.
package history

import (
	"sort"
	"time"
)

type entry[T any] struct {
	at    time.Time
	value T
}

// Index is a per-key, time-ordered collection of records
type Index[T any] struct {
	byKey map[string][]entry[T]
	dirty map[string]bool
}

// NewIndex returns an empty index
func NewIndex[T any]() *Index[T] {
	return &Index[T]{
		byKey: map[string][]entry[T]{},
		dirty: map[string]bool{},
	}
}

// Build indexes items using the given key and timestamp accessors
func Build[T any](items []T, key func(T) string, at func(T) time.Time) *Index[T] {
	ix := NewIndex[T]()
	for _, item := range items {
		ix.Add(key(item), at(item), item)
	}
	return ix
}

// Add records value for key at time at. Records sharing a timestamp keep insertion
// order, so the last one added wins a tie.
func (ix *Index[T]) Add(key string, at time.Time, value T) {
	ix.byKey[key] = append(ix.byKey[key], entry[T]{at: at, value: value})
	ix.dirty[key] = true
}

// Latest returns the newest record for key with timestamp <= asOf
func (ix *Index[T]) Latest(key string, asOf time.Time) (T, bool) {
	var zero T
	entries := ix.sorted(key)
	if len(entries) == 0 {
		return zero, false
	}
	// first entry strictly after asOf
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].at.After(asOf)
	})
	if i == 0 {
		return zero, false
	}
	return entries[i-1].value, true
}

// Len is the number of records stored for key
func (ix *Index[T]) Len(key string) int {
	return len(ix.byKey[key])
}

func (ix *Index[T]) sorted(key string) []entry[T] {
	entries := ix.byKey[key]
	if ix.dirty[key] {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].at.Before(entries[j].at)
		})
		ix.dirty[key] = false
	}
	return entries
}
