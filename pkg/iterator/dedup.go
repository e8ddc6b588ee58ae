package iterator

import (
	"lsmkv/pkg/types"
)

// DedupIterator keeps only the newest version of each key from an iterator
// ordered by key ascending then sequence descending. With dropTombstones set,
// keys whose newest version is a tombstone are skipped entirely.
type DedupIterator struct {
	it             InternalIterator
	dropTombstones bool
	last           []byte
}

func NewDedup(it InternalIterator, dropTombstones bool) *DedupIterator {
	return &DedupIterator{it: it, dropTombstones: dropTombstones}
}

func (d *DedupIterator) First() {
	d.it.First()
	d.skipTombstones()
}

func (d *DedupIterator) Seek(target types.Key) {
	d.it.Seek(target)
	d.skipTombstones()
}

func (d *DedupIterator) Next() {
	if !d.it.Valid() {
		return
	}
	d.skipVersions()
	d.skipTombstones()
}

// skipVersions moves past every version of the current key.
func (d *DedupIterator) skipVersions() {
	d.last = append(d.last[:0], d.it.Key()...)
	for d.it.Next(); d.it.Valid() && types.Compare(d.it.Key(), d.last) == 0; d.it.Next() {
	}
}

func (d *DedupIterator) skipTombstones() {
	if !d.dropTombstones {
		return
	}
	for d.it.Valid() && d.it.Record().IsTombstone() {
		d.skipVersions()
	}
}

func (d *DedupIterator) Valid() bool { return d.it.Valid() }

func (d *DedupIterator) Key() types.Key { return d.it.Key() }

func (d *DedupIterator) Value() types.Value { return d.it.Value() }

func (d *DedupIterator) Record() types.Record { return d.it.Record() }

func (d *DedupIterator) Err() error { return d.it.Err() }

func (d *DedupIterator) Close() error { return d.it.Close() }

// BoundedIterator restricts an iterator to [start, end). Nil bounds are open.
type BoundedIterator struct {
	it         InternalIterator
	start, end types.Key
}

func NewBounded(it InternalIterator, start, end types.Key) *BoundedIterator {
	return &BoundedIterator{it: it, start: start, end: end}
}

func (b *BoundedIterator) First() {
	if b.start == nil {
		b.it.First()
		return
	}
	b.it.Seek(b.start)
}

func (b *BoundedIterator) Seek(target types.Key) {
	if b.start != nil && types.Compare(target, b.start) < 0 {
		target = b.start
	}
	b.it.Seek(target)
}

func (b *BoundedIterator) Next() { b.it.Next() }

func (b *BoundedIterator) Valid() bool {
	return b.it.Valid() && (b.end == nil || types.Compare(b.it.Key(), b.end) < 0)
}

func (b *BoundedIterator) Key() types.Key { return b.it.Key() }

func (b *BoundedIterator) Value() types.Value { return b.it.Value() }

func (b *BoundedIterator) Record() types.Record { return b.it.Record() }

func (b *BoundedIterator) Err() error { return b.it.Err() }

func (b *BoundedIterator) Close() error { return b.it.Close() }
