package types

import "bytes"

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is the monotonically increasing sequence number assigned to every mutation.
// The highest SeqN for a key is authoritative across the WAL, memtables and SSTables.
type SeqN = uint64

// Kind tells a value apart from a tombstone.
type Kind uint8

const (
	KindPut Kind = iota + 1
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	return k == KindPut || k == KindDelete
}

// Record is a single versioned mutation of a key.
type Record struct {
	Key   Key
	Value Value
	SeqN  SeqN
	Kind  Kind
}

// IsTombstone reports whether the record marks its key deleted.
func (r Record) IsTombstone() bool {
	return r.Kind == KindDelete
}

// Size is the approximate in-memory footprint of the record payload.
func (r Record) Size() int {
	return len(r.Key) + len(r.Value)
}

// Compare orders keys lexicographically.
func Compare(a, b Key) int {
	return bytes.Compare(a, b)
}

// InRange reports whether key falls into [start, end). Nil bounds are open.
func InRange(key, start, end Key) bool {
	if start != nil && bytes.Compare(key, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(key, end) >= 0 {
		return false
	}
	return true
}
