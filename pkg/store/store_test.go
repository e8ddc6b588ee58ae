package store

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/metrics"
)

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.Persistence.RootPath = dir
	cfg.WAL.Durability = config.SyncEveryWrite
	cfg.Memtable.FlushThresholdBytes = 4 << 10
	cfg.Persistence.SSTable.TargetSizeBytes = 8 << 10
	cfg.Persistence.SSTable.BlockSizeBytes = 1 << 10
	cfg.Compaction.LevelBaseSize = 16 << 10
	cfg.Compaction.IntervalMs = 10
	return cfg
}

func newTestStore(tb testing.TB, mutate ...func(*config.Config)) *Store {
	tb.Helper()

	cfg := testConfig(tb.TempDir())
	for _, fn := range mutate {
		fn(&cfg)
	}
	return openTestStore(tb, cfg)
}

func openTestStore(tb testing.TB, cfg config.Config, opts ...Option) *Store {
	tb.Helper()

	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	s, err := Open(cfg, opts...)
	if err != nil {
		tb.Fatalf("Open failed: %v", err)
	}
	tb.Cleanup(func() {
		if err := s.Close(); err != nil {
			tb.Errorf("Close failed: %v", err)
		}
	})
	return s
}

func mustGet(t *testing.T, s *Store, key string) string {
	t.Helper()
	v, err := s.Get([]byte(key))
	require.NoError(t, err, "get %q", key)
	return string(v)
}

func assertNotFound(t *testing.T, s *Store, key string) {
	t.Helper()
	_, err := s.Get([]byte(key))
	assert.ErrorIs(t, err, dberrors.ErrNotFound, "get %q", key)
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore(t)

	err := s.Put([]byte("key1"), []byte("value1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	value, err := s.Get([]byte("key1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "value1" {
		t.Fatalf("Expected 'value1', got '%s'", value)
	}

	assertNotFound(t, s, "missing")
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put([]byte("key1"), []byte("value1")))
	assert.Equal(t, "value1", mustGet(t, s, "key1"))

	require.NoError(t, s.Delete([]byte("key1")))
	assertNotFound(t, s, "key1")

	// Deleting a key that never existed is not an error.
	require.NoError(t, s.Delete([]byte("never")))
	assertNotFound(t, s, "never")
}

func TestStore_Overwrite(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put([]byte("key"), []byte(fmt.Sprintf("v%d", i))))
		assert.Equal(t, fmt.Sprintf("v%d", i), mustGet(t, s, "key"))
	}
}

func TestStore_ShadowingAcrossLayers(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)

	require.NoError(t, s.Put([]byte("a"), []byte("disk")))
	require.NoError(t, s.Put([]byte("b"), []byte("disk")))
	require.NoError(t, s.Flush(ctx))

	require.NoError(t, s.Put([]byte("a"), []byte("memory")))
	require.NoError(t, s.Delete([]byte("b")))

	assert.Equal(t, "memory", mustGet(t, s, "a"))
	assertNotFound(t, s, "b")

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, "memory", mustGet(t, s, "a"))
	assertNotFound(t, s, "b")

	require.NoError(t, s.CompactAll(ctx))
	assert.Equal(t, "memory", mustGet(t, s, "a"))
	assertNotFound(t, s, "b")
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put([]byte("k"), []byte("value")))
	require.NoError(t, s.Flush(t.Context()))

	v, err := s.Get([]byte("k"))
	require.NoError(t, err)
	v[0] = 'X'

	assert.Equal(t, "value", mustGet(t, s, "k"))
}

func TestStore_InvalidArguments(t *testing.T) {
	s := newTestStore(t)

	assert.ErrorIs(t, s.Put(nil, []byte("v")), dberrors.ErrInvalidArgument)
	assert.ErrorIs(t, s.Delete([]byte{}), dberrors.ErrInvalidArgument)
	_, err := s.Get(nil)
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestStore_EmptyValue(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put([]byte("k"), nil))

	v, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestStore_Closed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put([]byte("k"), []byte("v")), dberrors.ErrClosed)
	assert.ErrorIs(t, s.Delete([]byte("k")), dberrors.ErrClosed)
	_, err := s.Get([]byte("k"))
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	_, err = s.Scan(nil, nil)
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	assert.ErrorIs(t, s.Flush(t.Context()), dberrors.ErrClosed)
	assert.ErrorIs(t, s.Compact(t.Context()), dberrors.ErrClosed)
	_, err = s.Stats()
	assert.ErrorIs(t, err, dberrors.ErrClosed)
}

func TestStore_InvalidConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.WAL.Durability = "sometimes"

	_, err := Open(cfg)
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestStore_UnusableDirectory(t *testing.T) {
	cfg := testConfig(t.TempDir())
	file := filepath.Join(cfg.Persistence.RootPath, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	cfg.Persistence.RootPath = file

	_, err := Open(cfg)
	assert.ErrorIs(t, err, dberrors.ErrIO)
}

func TestStore_Stats(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.NotEmpty(t, st.DBID)
	assert.Equal(t, uint64(2), st.LastSeq)
	assert.Equal(t, 2, st.MemtableKeys)
	assert.Len(t, st.Levels, config.Default().Compaction.MaxLevels)
	assert.Equal(t, "idle", st.CompactionState)

	require.NoError(t, s.Flush(t.Context()))
	st, err = s.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.MemtableKeys)
	assert.Zero(t, st.ImmutableTables)
	assert.Equal(t, 1, st.Levels[0].Tables)
}

func TestStore_Metrics(t *testing.T) {
	m := metrics.NewInMemory()
	s := openTestStore(t, testConfig(t.TempDir()), WithMetrics(m))

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Delete([]byte("a")))
	_, _ = s.Get([]byte("a"))
	require.NoError(t, s.Flush(t.Context()))

	assert.Equal(t, 1.0, m.Counter(metrics.Writes, map[string]string{"kind": "put"}))
	assert.Equal(t, 1.0, m.Counter(metrics.Writes, map[string]string{"kind": "delete"}))
	assert.Equal(t, 1.0, m.Counter(metrics.Reads, nil))
	assert.Equal(t, 1.0, m.Counter(metrics.ReadMisses, nil))
	assert.Equal(t, 1.0, m.Counter(metrics.Flushes, nil))
	assert.Equal(t, uint64(1), m.Histogram(metrics.FlushSeconds, nil).Count)
}
