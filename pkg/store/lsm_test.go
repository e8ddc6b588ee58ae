package store

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/pkg/config"
)

type kv struct{ key, value string }

func scanAll(t *testing.T, s *Store, start, end []byte) []kv {
	t.Helper()

	it, err := s.Scan(start, end)
	require.NoError(t, err)
	defer func() { require.NoError(t, it.Close()) }()

	var out []kv
	for ; it.Valid(); it.Next() {
		out = append(out, kv{string(it.Key()), string(it.Value())})
	}
	require.NoError(t, it.Err())
	return out
}

func TestFlushWritesLevelZero(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key%02d", i)), []byte("v")))
	}
	require.NoError(t, s.Flush(t.Context()))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Levels[0].Tables)
	assert.Zero(t, st.MemtableKeys)

	// Only the active segment survives a flush.
	assert.Len(t, walFiles(t, s.cfg), 1)

	// Flushing an empty memtable is a no-op.
	require.NoError(t, s.Flush(t.Context()))
	st, err = s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Levels[0].Tables)
}

func TestAutomaticFlushAndCompaction(t *testing.T) {
	s := newTestStore(t, func(cfg *config.Config) {
		cfg.WAL.Durability = config.SyncNever
	})

	const n = 3000
	value := bytes.Repeat([]byte("v"), 64)
	for i := 0; i < n; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key%05d", i)), value))
	}
	require.NoError(t, s.Flush(t.Context()))
	require.NoError(t, s.Compact(t.Context()))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Less(t, st.Levels[0].Tables, s.cfg.Compaction.L0CompactionTrigger)
	assert.Positive(t, st.Compaction.Compactions)
	for _, l := range st.Levels[1 : len(st.Levels)-1] {
		assert.LessOrEqual(t, l.Bytes, l.MaxBytes, "level %d", l.Level)
	}

	assertLevelsDisjoint(t, s)
	for i := 0; i < n; i += 97 {
		assert.Equal(t, string(value), mustGet(t, s, fmt.Sprintf("key%05d", i)))
	}
	assert.Len(t, scanAll(t, s, nil, nil), n)
}

func assertLevelsDisjoint(t *testing.T, s *Store) {
	t.Helper()

	v := s.lm.Current()
	defer v.Release()
	for level := 1; level < v.NumLevels(); level++ {
		tables := v.Tables(level)
		for i := 1; i < len(tables); i++ {
			prev, next := tables[i-1].Meta(), tables[i].Meta()
			assert.Negative(t, bytes.Compare(prev.MaxKey, next.MinKey),
				"level %d: table %d [%s..%s] overlaps table %d [%s..%s]",
				level, prev.FileID, prev.MinKey, prev.MaxKey, next.FileID, next.MinKey, next.MaxKey)
		}
	}
}

func TestCompactAllReclaimsTombstones(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)

	for i := 0; i < 100; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key%03d", i)), []byte("v")))
	}
	require.NoError(t, s.Flush(ctx))
	for i := 0; i < 100; i += 2 {
		require.NoError(t, s.Delete([]byte(fmt.Sprintf("key%03d", i))))
	}
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.CompactAll(ctx))

	v := s.lm.Current()
	defer v.Release()

	var records uint64
	for level := 0; level < v.NumLevels(); level++ {
		for _, tbl := range v.Tables(level) {
			records += tbl.Meta().Count
		}
	}
	assert.Equal(t, uint64(50), records, "tombstones and shadowed puts are gone")
	assert.Zero(t, v.NumTables(0))

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key%03d", i)
		if i%2 == 0 {
			assertNotFound(t, s, key)
		} else {
			assert.Equal(t, "v", mustGet(t, s, key))
		}
	}
}

func TestScan(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)

	// Spread versions over level 1, level 0 and the active memtable.
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.Put([]byte(k), []byte(k+"1")))
	}
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.CompactAll(ctx))

	require.NoError(t, s.Put([]byte("b"), []byte("b2")))
	require.NoError(t, s.Delete([]byte("c")))
	require.NoError(t, s.Flush(ctx))

	require.NoError(t, s.Put([]byte("f"), []byte("f3")))
	require.NoError(t, s.Delete([]byte("d")))

	all := []kv{{"a", "a1"}, {"b", "b2"}, {"e", "e1"}, {"f", "f3"}}

	t.Run("Unbounded", func(t *testing.T) {
		assert.Equal(t, all, scanAll(t, s, nil, nil))
	})
	t.Run("StartInclusiveEndExclusive", func(t *testing.T) {
		assert.Equal(t, []kv{{"b", "b2"}, {"e", "e1"}}, scanAll(t, s, []byte("b"), []byte("f")))
	})
	t.Run("OpenStart", func(t *testing.T) {
		assert.Equal(t, []kv{{"a", "a1"}, {"b", "b2"}}, scanAll(t, s, nil, []byte("c")))
	})
	t.Run("OpenEnd", func(t *testing.T) {
		assert.Equal(t, []kv{{"e", "e1"}, {"f", "f3"}}, scanAll(t, s, []byte("bb"), nil))
	})
	t.Run("EmptyRange", func(t *testing.T) {
		assert.Empty(t, scanAll(t, s, []byte("c"), []byte("c")))
		assert.Empty(t, scanAll(t, s, []byte("x"), []byte("a")))
	})
	t.Run("Seek", func(t *testing.T) {
		it, err := s.Scan(nil, nil)
		require.NoError(t, err)
		defer it.Close()

		it.Seek([]byte("c"))
		require.True(t, it.Valid())
		assert.Equal(t, "e", string(it.Key()))
		it.First()
		assert.Equal(t, "a", string(it.Key()))
	})
}

func TestScanPinsTables(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key%02d", i)), []byte("old")))
	}
	require.NoError(t, s.Flush(ctx))

	it, err := s.Scan(nil, nil)
	require.NoError(t, err)

	// Compaction replaces the table the iterator is reading.
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key%02d", i)), []byte("new")))
	}
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.CompactAll(ctx))

	count := 0
	for ; it.Valid(); it.Next() {
		assert.Equal(t, "old", string(it.Value()))
		count++
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())
	assert.Equal(t, 50, count)
	assert.False(t, it.Valid())

	assert.Equal(t, "new", mustGet(t, s, "key00"))
}

func TestManualCompactionHonorsContext(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key%02d", i)), []byte("v")))
	}
	require.NoError(t, s.Flush(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.ErrorIs(t, s.CompactAll(ctx), context.Canceled)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Levels[0].Tables)
	assert.Equal(t, "v", mustGet(t, s, "key03"))
}
