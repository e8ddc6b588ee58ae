package store

import (
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/persistence"
	"lsmkv/pkg/types"
)

// Iterator walks live keys in ascending order. It starts positioned at the
// first key of its range. Key and Value are valid until the next call to Next.
type Iterator struct {
	it      iterator.InternalIterator
	version *persistence.Version
	closed  bool
}

var _ iterator.Iterator = (*Iterator)(nil)

func newIterator(
	mem *memtable.Memtable,
	imms []*flushTask,
	v *persistence.Version,
	start, end types.Key,
) *Iterator {
	sources := make([]iterator.InternalIterator, 0, len(imms)+1)
	sources = append(sources, mem.NewIterator(start, end))
	for i := len(imms) - 1; i >= 0; i-- {
		sources = append(sources, imms[i].imm.NewIterator(start, end))
	}
	sources = append(sources, v.NewIterators(start, end)...)

	it := iterator.NewBounded(
		iterator.NewDedup(iterator.NewMerging(sources...), true),
		start, end,
	)
	it.First()

	return &Iterator{it: it, version: v}
}

func (it *Iterator) Seek(target types.Key) { it.it.Seek(target) }

func (it *Iterator) First() { it.it.First() }

func (it *Iterator) Next() { it.it.Next() }

func (it *Iterator) Valid() bool { return !it.closed && it.it.Valid() }

func (it *Iterator) Key() types.Key { return it.it.Key() }

func (it *Iterator) Value() types.Value { return it.it.Value() }

// Err returns the error that ended the iteration early, such as a damaged block.
func (it *Iterator) Err() error { return it.it.Err() }

// Close releases the tables pinned by the iterator. It is safe to call twice.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.it.Close()
	it.version.Release()
	return err
}
