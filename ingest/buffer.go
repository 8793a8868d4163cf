// Package ingest provides the write-behind buffer pipeline stages use to stage
// pending persistence updates before committing them in one batch.
//
// A Buffer is keyed for fast lookup and overwrite, and remembers the order in
// which keys were first staged so that a flush always replays entries in a
// deterministic order.
//
// # Example
//
//	buf := ingest.New[string, runlog.UnitRecord]()
//	buf.Set("bill-S1234", unit)
//	buf.Set("bill-S1234", updated) // keeps its original position
//
//	if err := store.RecordUnits(ctx, id, buf.Values()); err != nil {
//	    return err
//	}
//	buf.Clear()
package ingest

// Buffer is an insertion-ordered map of staged values.
//
// A Buffer is owned by a single stage execution and is not safe for
// concurrent use. Values and Clear are not atomic with respect to each other;
// callers that share a buffer must hold their own lock across both.
type Buffer[K comparable, V any] struct {
	index map[K]int
	keys  []K
	vals  []V
}

// New creates an empty Buffer.
func New[K comparable, V any]() *Buffer[K, V] {
	return &Buffer[K, V]{
		index: make(map[K]int),
	}
}

// Get returns the staged value for key and whether it was present.
func (b *Buffer[K, V]) Get(key K) (V, bool) {
	i, ok := b.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return b.vals[i], true
}

// Has reports whether key is staged.
func (b *Buffer[K, V]) Has(key K) bool {
	_, ok := b.index[key]
	return ok
}

// Set stages value under key. Overwriting an existing key replaces the value
// but keeps the position from the first Set.
func (b *Buffer[K, V]) Set(key K, value V) {
	if i, ok := b.index[key]; ok {
		b.vals[i] = value
		return
	}
	b.index[key] = len(b.vals)
	b.keys = append(b.keys, key)
	b.vals = append(b.vals, value)
}

// Values returns a copy of the staged values in first-staged order.
func (b *Buffer[K, V]) Values() []V {
	result := make([]V, len(b.vals))
	copy(result, b.vals)
	return result
}

// Keys returns a copy of the staged keys in first-staged order.
func (b *Buffer[K, V]) Keys() []K {
	result := make([]K, len(b.keys))
	copy(result, b.keys)
	return result
}

// Len returns the number of staged entries.
func (b *Buffer[K, V]) Len() int {
	return len(b.vals)
}

// Clear discards all staged entries.
func (b *Buffer[K, V]) Clear() {
	clear(b.index)
	b.keys = nil
	b.vals = nil
}
