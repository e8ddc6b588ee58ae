package memtable

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"lsmkv/pkg/config"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"
)

var (
	ErrFrozen = errors.New("memtable is frozen")
)

const (
	seqNSize = 8
	kindSize = 1
	// entryOverhead approximates the per-entry bookkeeping of both views.
	entryOverhead = seqNSize + kindSize + 48
)

type sortedView = skipmap.FuncMap[[]byte, types.Record]

// Memtable is the in-memory write buffer. Every key lives in two views that
// are updated together: a hash index for point lookups and a skip list that
// keeps keys ordered for flushes and scans.
type Memtable struct {
	threshold int64

	mu     sync.RWMutex
	index  map[string]types.Record
	sorted *sortedView
	size   int64
	maxSeq types.SeqN
	frozen bool
}

func New(cfg config.MemtableConfig) *Memtable {
	return &Memtable{
		threshold: cfg.FlushThresholdBytes,
		index:     make(map[string]types.Record),
		sorted: skipmap.NewFunc[[]byte, types.Record](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// Put stores value under key at seq.
func (mt *Memtable) Put(key types.Key, value types.Value, seq types.SeqN) error {
	return mt.Apply(types.Record{Key: key, Value: value, SeqN: seq, Kind: types.KindPut})
}

// Delete stores a tombstone for key at seq.
func (mt *Memtable) Delete(key types.Key, seq types.SeqN) error {
	return mt.Apply(types.Record{Key: key, SeqN: seq, Kind: types.KindDelete})
}

// Apply inserts r into both views. A record older than the stored version of
// its key is ignored.
func (mt *Memtable) Apply(r types.Record) error {
	r.Key = bytes.Clone(r.Key)
	if r.Kind == types.KindDelete {
		r.Value = nil
	} else {
		r.Value = bytes.Clone(r.Value)
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.frozen {
		return ErrFrozen
	}

	old, exists := mt.index[string(r.Key)]
	if exists && old.SeqN > r.SeqN {
		return nil
	}

	mt.index[string(r.Key)] = r
	mt.sorted.Store(r.Key, r)

	if exists {
		mt.size += int64(len(r.Value) - len(old.Value))
	} else {
		mt.size += int64(r.Size() + entryOverhead)
	}
	if r.SeqN > mt.maxSeq {
		mt.maxSeq = r.SeqN
	}

	return nil
}

// Get returns the newest record for key, tombstones included.
func (mt *Memtable) Get(key types.Key) (types.Record, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	r, ok := mt.index[string(key)]
	return r, ok
}

// Iterate calls fn for every record in key order until fn returns false.
func (mt *Memtable) Iterate(fn func(types.Record) bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	mt.sorted.Range(func(_ []byte, r types.Record) bool {
		return fn(r)
	})
}

// ShouldFlush reports whether the table reached its flush threshold.
func (mt *Memtable) ShouldFlush() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size >= mt.threshold
}

func (mt *Memtable) Size() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size
}

func (mt *Memtable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.index)
}

// MaxSeq returns the highest sequence number stored.
func (mt *Memtable) MaxSeq() types.SeqN {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.maxSeq
}

// NewIterator returns a snapshot iterator over [start, end). Nil bounds are open.
func (mt *Memtable) NewIterator(start, end types.Key) iterator.InternalIterator {
	return iterator.NewSlice(mt.snapshot(start, end))
}

func (mt *Memtable) snapshot(start, end types.Key) []types.Record {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	records := make([]types.Record, 0, len(mt.index))
	mt.sorted.Range(func(k []byte, r types.Record) bool {
		if end != nil && bytes.Compare(k, end) >= 0 {
			return false
		}
		if types.InRange(k, start, end) {
			records = append(records, r)
		}
		return true
	})
	return records
}

// Freeze seals the table. Later mutations fail with ErrFrozen.
func (mt *Memtable) Freeze() *Immutable {
	mt.mu.Lock()
	mt.frozen = true
	mt.mu.Unlock()

	return &Immutable{mt: mt}
}

// Immutable is a frozen memtable waiting to be flushed. It only exposes reads.
type Immutable struct {
	mt *Memtable

	once    sync.Once
	records []types.Record
}

func (im *Immutable) Get(key types.Key) (types.Record, bool) {
	return im.mt.Get(key)
}

func (im *Immutable) Iterate(fn func(types.Record) bool) {
	for _, r := range im.sortedRecords() {
		if !fn(r) {
			return
		}
	}
}

// Range returns the records in [start, end) in key order.
func (im *Immutable) Range(start, end types.Key) []types.Record {
	records := im.sortedRecords()
	lo, hi := 0, len(records)
	if start != nil {
		lo = sort.Search(len(records), func(i int) bool {
			return bytes.Compare(records[i].Key, start) >= 0
		})
	}
	if end != nil {
		hi = sort.Search(len(records), func(i int) bool {
			return bytes.Compare(records[i].Key, end) >= 0
		})
	}
	if hi < lo {
		hi = lo
	}
	return records[lo:hi:hi]
}

func (im *Immutable) NewIterator(start, end types.Key) iterator.InternalIterator {
	return iterator.NewSlice(im.Range(start, end))
}

func (im *Immutable) Len() int { return im.mt.Len() }

func (im *Immutable) Size() int64 { return im.mt.Size() }

func (im *Immutable) MaxSeq() types.SeqN { return im.mt.MaxSeq() }

// sortedRecords materializes the sorted view once; the table no longer changes.
func (im *Immutable) sortedRecords() []types.Record {
	im.once.Do(func() {
		im.records = im.mt.snapshot(nil, nil)
	})
	return im.records
}
