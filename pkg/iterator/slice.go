package iterator

import (
	"sort"

	"lsmkv/pkg/types"
)

// SliceIterator walks a snapshot of records already ordered by key, then by
// sequence descending.
type SliceIterator struct {
	records []types.Record
	pos     int
}

func NewSlice(records []types.Record) *SliceIterator {
	return &SliceIterator{records: records, pos: len(records)}
}

func (it *SliceIterator) First() { it.pos = 0 }

func (it *SliceIterator) Seek(target types.Key) {
	it.pos = sort.Search(len(it.records), func(i int) bool {
		return types.Compare(it.records[i].Key, target) >= 0
	})
}

func (it *SliceIterator) Next() {
	if it.pos < len(it.records) {
		it.pos++
	}
}

func (it *SliceIterator) Valid() bool { return it.pos < len(it.records) }

func (it *SliceIterator) Key() types.Key { return it.records[it.pos].Key }

func (it *SliceIterator) Value() types.Value { return it.records[it.pos].Value }

func (it *SliceIterator) Record() types.Record { return it.records[it.pos] }

func (it *SliceIterator) Err() error { return nil }

func (it *SliceIterator) Close() error {
	it.records = nil
	it.pos = 0
	return nil
}
