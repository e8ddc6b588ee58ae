package persistence

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"lsmkv/pkg/checksum"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"
)

// TableMeta describes a finished SSTable. It is what the manifest records.
type TableMeta struct {
	FileID      uint64     `json:"file_id"`
	Level       int        `json:"level"`
	Size        int64      `json:"size"`
	MinKey      []byte     `json:"min_key"`
	MaxKey      []byte     `json:"max_key"`
	Count       uint64     `json:"count"`
	SmallestSeq types.SeqN `json:"smallest_seq"`
	LargestSeq  types.SeqN `json:"largest_seq"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Overlaps reports whether the table key range intersects [start, end].
func (m TableMeta) Overlaps(start, end []byte) bool {
	return bytes.Compare(m.MinKey, end) <= 0 && bytes.Compare(start, m.MaxKey) <= 0
}

// Covers reports whether key falls inside the table key range.
func (m TableMeta) Covers(key []byte) bool {
	return m.Overlaps(key, key)
}

// TableFileName returns the file name of table id.
func TableFileName(id uint64) string {
	return fmt.Sprintf("%06d.sst", id)
}

// SSTable is an open, immutable table file. Reads use ReadAt and are safe for
// concurrent use.
type SSTable struct {
	meta  TableMeta
	path  string
	file  *os.File
	index []indexEntry
	bloom *BloomFilter
	cache BlockCache

	refs     atomic.Int64
	obsolete atomic.Bool
}

// OpenTable opens and validates the table at path. cache may be nil.
func OpenTable(path string, fileID uint64, cache BlockCache) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, dberrors.IO("open sstable", err)
	}

	t := &SSTable{path: path, file: file, cache: cache}
	if err := t.load(fileID); err != nil {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close sstable file after load error", "path", path, "error", cerr)
		}
		return nil, err
	}
	return t, nil
}

func (t *SSTable) load(fileID uint64) error {
	info, err := t.file.Stat()
	if err != nil {
		return dberrors.IO("stat sstable", err)
	}
	size := info.Size()
	if size < footerSize {
		return dberrors.Corruption(t.path, 0, "file too small: %d bytes", size)
	}

	buf := make([]byte, footerSize)
	if _, err := t.file.ReadAt(buf, size-footerSize); err != nil {
		return dberrors.IO("read sstable footer", err)
	}
	f, err := decodeFooter(buf)
	if err != nil {
		return dberrors.Corruption(t.path, size-footerSize, "%v", err)
	}

	readSection := func(name string, h blockHandle, want uint32) ([]byte, error) {
		if h.Offset+uint64(h.Length) > uint64(size-footerSize) {
			return nil, dberrors.Corruption(t.path, int64(h.Offset), "%s block out of bounds", name)
		}
		b := make([]byte, h.Length)
		if _, err := t.file.ReadAt(b, int64(h.Offset)); err != nil {
			return nil, dberrors.IO("read sstable "+name, err)
		}
		if !checksum.Verify(b, want) {
			return nil, dberrors.Corruption(t.path, int64(h.Offset), "%s block checksum mismatch", name)
		}
		return b, nil
	}

	indexBuf, err := readSection("index", f.Index, f.IndexCRC)
	if err != nil {
		return err
	}
	if t.index, err = decodeIndex(indexBuf); err != nil {
		return dberrors.Corruption(t.path, int64(f.Index.Offset), "%v", err)
	}

	metaBuf, err := readSection("meta", f.Meta, f.MetaCRC)
	if err != nil {
		return err
	}
	props, err := decodeProps(metaBuf)
	if err != nil {
		return dberrors.Corruption(t.path, int64(f.Meta.Offset), "%v", err)
	}

	filterBuf, err := readSection("filter", f.Filter, f.FilterCRC)
	if err != nil {
		return err
	}
	if t.bloom, err = loadBloomFilter(filterBuf); err != nil {
		return dberrors.Corruption(t.path, int64(f.Filter.Offset), "bloom filter: %v", err)
	}

	t.meta = TableMeta{
		FileID:      fileID,
		Level:       props.Level,
		Size:        size,
		MinKey:      props.MinKey,
		MaxKey:      props.MaxKey,
		Count:       props.Count,
		SmallestSeq: props.SmallestSeq,
		LargestSeq:  props.LargestSeq,
		CreatedAt:   props.CreatedAt,
	}
	return nil
}

func (t *SSTable) Meta() TableMeta { return t.meta }

func (t *SSTable) ID() uint64 { return t.meta.FileID }

func (t *SSTable) Path() string { return t.path }

// Get returns the record stored for key. The returned slices must not be modified.
func (t *SSTable) Get(key []byte) (types.Record, bool, error) {
	if !t.meta.Covers(key) || !t.bloom.MayContain(key) {
		return types.Record{}, false, nil
	}

	i := t.blockFor(key)
	if i < 0 {
		return types.Record{}, false, nil
	}
	records, err := t.readBlock(i)
	if err != nil {
		return types.Record{}, false, err
	}

	j := sort.Search(len(records), func(j int) bool {
		return bytes.Compare(records[j].Key, key) >= 0
	})
	if j < len(records) && bytes.Equal(records[j].Key, key) {
		return records[j], true, nil
	}
	return types.Record{}, false, nil
}

// blockFor returns the last block whose first key is <= key, or -1.
func (t *SSTable) blockFor(key []byte) int {
	return sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].FirstKey, key) > 0
	}) - 1
}

func (t *SSTable) readBlock(i int) ([]types.Record, error) {
	h := t.index[i].Handle
	key := blockKey{FileID: t.meta.FileID, Offset: h.Offset}
	if t.cache != nil {
		if records, ok := t.cache.Get(key); ok {
			return records, nil
		}
	}

	buf := make([]byte, h.Length)
	if _, err := t.file.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, dberrors.IO("read sstable block", err)
	}
	payload, err := openBlock(buf)
	if err != nil {
		return nil, dberrors.Corruption(t.path, int64(h.Offset), "data block %d: %v", i, err)
	}
	records, err := decodeBlock(payload)
	if err != nil {
		return nil, dberrors.Corruption(t.path, int64(h.Offset), "data block %d: %v", i, err)
	}

	if t.cache != nil {
		t.cache.Set(key, records, len(payload))
	}
	return records, nil
}

// NewIterator returns an iterator over all records of the table.
func (t *SSTable) NewIterator() *TableIterator {
	return &TableIterator{t: t, block: len(t.index)}
}

// Range returns an iterator restricted to [start, end). Nil bounds are open.
func (t *SSTable) Range(start, end []byte) iterator.InternalIterator {
	return iterator.NewBounded(t.NewIterator(), start, end)
}

// Close releases the file handle and cached blocks.
func (t *SSTable) Close() error {
	if t.cache != nil {
		t.cache.Evict(t.meta.FileID)
	}
	if err := t.file.Close(); err != nil {
		return dberrors.IO("close sstable", err)
	}
	return nil
}

func (t *SSTable) ref() { t.refs.Add(1) }

// unref drops a reference. The last reference to an obsolete table closes
// and removes its file.
func (t *SSTable) unref() {
	if t.refs.Add(-1) > 0 {
		return
	}

	if err := t.Close(); err != nil {
		slog.Warn("failed to close sstable", "path", t.path, "error", err)
	}
	if !t.obsolete.Load() {
		return
	}
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove obsolete sstable", "path", t.path, "error", err)
		return
	}
	slog.Debug("obsolete sstable removed", "path", t.path)
}

// TableIterator walks a table block by block.
type TableIterator struct {
	t       *SSTable
	block   int
	records []types.Record
	pos     int
	err     error
}

func (it *TableIterator) First() {
	it.err = nil
	it.load(0)
	it.skipEmpty()
}

func (it *TableIterator) Seek(target types.Key) {
	it.err = nil
	i := max(it.t.blockFor(target), 0)
	it.load(i)
	if it.err != nil {
		return
	}
	it.pos = sort.Search(len(it.records), func(j int) bool {
		return bytes.Compare(it.records[j].Key, target) >= 0
	})
	it.skipEmpty()
}

func (it *TableIterator) Next() {
	if !it.Valid() {
		return
	}
	it.pos++
	it.skipEmpty()
}

func (it *TableIterator) load(i int) {
	it.block, it.records, it.pos = i, nil, 0
	if i >= len(it.t.index) {
		return
	}
	records, err := it.t.readBlock(i)
	if err != nil {
		it.err = err
		it.block = len(it.t.index)
		return
	}
	it.records = records
}

// skipEmpty moves to the next block once the current one is exhausted.
func (it *TableIterator) skipEmpty() {
	for it.err == nil && it.block < len(it.t.index) && it.pos >= len(it.records) {
		it.load(it.block + 1)
	}
}

func (it *TableIterator) Valid() bool {
	return it.err == nil && it.block < len(it.t.index) && it.pos < len(it.records)
}

func (it *TableIterator) Key() types.Key { return it.records[it.pos].Key }

func (it *TableIterator) Value() types.Value { return it.records[it.pos].Value }

func (it *TableIterator) Record() types.Record { return it.records[it.pos] }

func (it *TableIterator) Err() error { return it.err }

func (it *TableIterator) Close() error {
	it.records = nil
	return nil
}
