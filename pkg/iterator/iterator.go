package iterator

import "lsmkv/pkg/types"

// Iterator iterates over a sorted sequence of key-value pairs.
type Iterator interface {
	// Seek moves the iterator to the first key >= target.
	Seek(target types.Key)
	// First moves to the smallest key.
	First()
	// Next advances to the next key.
	Next()
	// Valid reports whether the iterator points to a valid entry.
	Valid() bool
	// Key returns the current key.
	Key() types.Key
	// Value returns the current value.
	Value() types.Value
	// Close releases resources.
	Close() error
}

// InternalIterator also exposes sequence numbers and tombstones. Several
// versions of one key may appear, newest first.
type InternalIterator interface {
	Iterator
	// Record returns the current record.
	Record() types.Record
	// Err returns the error that stopped the iteration, if any.
	Err() error
}

// less orders records by key ascending, then by sequence descending.
func less(a, b types.Record) bool {
	if c := types.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return a.SeqN > b.SeqN
}
