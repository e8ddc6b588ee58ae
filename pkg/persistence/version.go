package persistence

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/google/btree"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"
)

const btreeDegree = 16

type levelTree = btree.BTreeG[*SSTable]

func lessByMinKey(a, b *SSTable) bool {
	if c := bytes.Compare(a.meta.MinKey, b.meta.MinKey); c != 0 {
		return c < 0
	}
	return a.meta.FileID < b.meta.FileID
}

// Version is an immutable snapshot of the level structure. L0 tables may
// overlap and are kept newest first; every deeper level is a tree of
// non-overlapping tables ordered by min key.
//
// A version holds a reference on each of its tables; a table outlives every
// version that contains it.
type Version struct {
	l0     []*SSTable
	levels []*levelTree
	refs   atomic.Int64
}

func newVersion(numLevels int) *Version {
	v := &Version{levels: make([]*levelTree, numLevels)}
	for i := 1; i < numLevels; i++ {
		v.levels[i] = btree.NewG[*SSTable](btreeDegree, lessByMinKey)
	}
	return v
}

// clone copies the structure; the trees are copied lazily on write.
func (v *Version) clone() *Version {
	next := &Version{
		l0:     append([]*SSTable(nil), v.l0...),
		levels: make([]*levelTree, len(v.levels)),
	}
	for i := 1; i < len(v.levels); i++ {
		next.levels[i] = v.levels[i].Clone()
	}
	return next
}

func (v *Version) add(t *SSTable) error {
	level := t.meta.Level
	if level < 0 || level >= len(v.levels) {
		return fmt.Errorf("table %d: level %d out of range", t.ID(), level)
	}

	if level == 0 {
		v.l0 = append(v.l0, t)
		sort.Slice(v.l0, func(i, j int) bool { return v.l0[i].ID() > v.l0[j].ID() })
		return nil
	}

	tree := v.levels[level]
	var conflict *SSTable
	tree.DescendLessOrEqual(t, func(o *SSTable) bool {
		if o.meta.Overlaps(t.meta.MinKey, t.meta.MaxKey) {
			conflict = o
		}
		return false
	})
	tree.AscendGreaterOrEqual(t, func(o *SSTable) bool {
		if o != t && o.meta.Overlaps(t.meta.MinKey, t.meta.MaxKey) {
			conflict = o
		}
		return false
	})
	if conflict != nil {
		return fmt.Errorf("table %d overlaps table %d on level %d", t.ID(), conflict.ID(), level)
	}
	tree.ReplaceOrInsert(t)
	return nil
}

func (v *Version) remove(t *SSTable) error {
	level := t.meta.Level
	if level == 0 {
		for i, o := range v.l0 {
			if o == t {
				v.l0 = append(v.l0[:i:i], v.l0[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("table %d not found on level 0", t.ID())
	}
	if level >= len(v.levels) {
		return fmt.Errorf("table %d: level %d out of range", t.ID(), level)
	}
	if _, ok := v.levels[level].Delete(t); !ok {
		return fmt.Errorf("table %d not found on level %d", t.ID(), level)
	}
	return nil
}

// NumLevels returns the configured number of levels.
func (v *Version) NumLevels() int { return len(v.levels) }

// Tables returns the tables of level: newest first for L0, by key otherwise.
func (v *Version) Tables(level int) []*SSTable {
	if level == 0 {
		return append([]*SSTable(nil), v.l0...)
	}
	if level >= len(v.levels) {
		return nil
	}
	tables := make([]*SSTable, 0, v.levels[level].Len())
	v.levels[level].Ascend(func(t *SSTable) bool {
		tables = append(tables, t)
		return true
	})
	return tables
}

// NumTables returns the table count of level.
func (v *Version) NumTables(level int) int {
	if level == 0 {
		return len(v.l0)
	}
	if level >= len(v.levels) {
		return 0
	}
	return v.levels[level].Len()
}

// LevelSize returns the total file size of level.
func (v *Version) LevelSize(level int) int64 {
	var size int64
	for _, t := range v.Tables(level) {
		size += t.meta.Size
	}
	return size
}

// DeepestNonEmpty returns the deepest level holding tables, or -1.
func (v *Version) DeepestNonEmpty() int {
	for level := len(v.levels) - 1; level >= 0; level-- {
		if v.NumTables(level) > 0 {
			return level
		}
	}
	return -1
}

// Overlapping returns the tables of level whose range intersects [start, end].
func (v *Version) Overlapping(level int, start, end []byte) []*SSTable {
	var out []*SSTable
	if level == 0 {
		for _, t := range v.l0 {
			if t.meta.Overlaps(start, end) {
				out = append(out, t)
			}
		}
		return out
	}
	if level >= len(v.levels) {
		return nil
	}

	tree := v.levels[level]
	pivot := &SSTable{meta: TableMeta{MinKey: start}}
	tree.DescendLessOrEqual(pivot, func(t *SSTable) bool {
		if t.meta.Overlaps(start, end) {
			out = append(out, t)
		}
		return false
	})
	tree.AscendGreaterOrEqual(pivot, func(t *SSTable) bool {
		if bytes.Compare(t.meta.MinKey, end) > 0 {
			return false
		}
		if len(out) == 0 || out[len(out)-1] != t {
			out = append(out, t)
		}
		return true
	})
	return out
}

// findTable returns the table of a level >= 1 whose range covers key.
func (v *Version) findTable(level int, key []byte) *SSTable {
	var found *SSTable
	pivot := &SSTable{meta: TableMeta{MinKey: key, FileID: ^uint64(0)}}
	v.levels[level].DescendLessOrEqual(pivot, func(t *SSTable) bool {
		if t.meta.Covers(key) {
			found = t
		}
		return false
	})
	return found
}

// CoveredBelow reports whether any level deeper than level has a table whose
// range covers key.
func (v *Version) CoveredBelow(level int, key []byte) bool {
	for l := max(level+1, 1); l < len(v.levels); l++ {
		if v.findTable(l, key) != nil {
			return true
		}
	}
	return false
}

// Get searches L0 newest to oldest, then every deeper level by key range.
func (v *Version) Get(key []byte) (types.Record, bool, error) {
	for _, t := range v.l0 {
		r, ok, err := t.Get(key)
		if err != nil || ok {
			return r, ok, err
		}
	}
	for level := 1; level < len(v.levels); level++ {
		t := v.findTable(level, key)
		if t == nil {
			continue
		}
		r, ok, err := t.Get(key)
		if err != nil || ok {
			return r, ok, err
		}
	}
	return types.Record{}, false, nil
}

// NewIterators returns one iterator per table intersecting [start, end).
// Nil bounds are open.
func (v *Version) NewIterators(start, end []byte) []iterator.InternalIterator {
	var iters []iterator.InternalIterator
	for level := 0; level < len(v.levels); level++ {
		for _, t := range v.Tables(level) {
			if start != nil && bytes.Compare(t.meta.MaxKey, start) < 0 {
				continue
			}
			if end != nil && bytes.Compare(t.meta.MinKey, end) >= 0 {
				continue
			}
			iters = append(iters, t.Range(start, end))
		}
	}
	return iters
}

func (v *Version) forEach(fn func(*SSTable)) {
	for _, t := range v.l0 {
		fn(t)
	}
	for level := 1; level < len(v.levels); level++ {
		v.levels[level].Ascend(func(t *SSTable) bool {
			fn(t)
			return true
		})
	}
}

// Ref pins the version and its tables.
func (v *Version) Ref() { v.refs.Add(1) }

// Release drops a reference taken by Ref or handed out by LevelManager.Current.
func (v *Version) Release() {
	n := v.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(errors.New("persistence: version released too many times"))
	}
	v.forEach(func(t *SSTable) { t.unref() })
}

// seal takes the initial reference and references all tables.
func (v *Version) seal() *Version {
	v.refs.Store(1)
	v.forEach(func(t *SSTable) { t.ref() })
	return v
}

func (v *Version) tableByID(id uint64) *SSTable {
	var found *SSTable
	v.forEach(func(t *SSTable) {
		if t.ID() == id {
			found = t
		}
	})
	return found
}
