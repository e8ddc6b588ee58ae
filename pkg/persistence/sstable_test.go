package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/pkg/compression"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

func rec(key string, seq types.SeqN, value string) types.Record {
	return types.Record{Key: []byte(key), Value: []byte(value), SeqN: seq, Kind: types.KindPut}
}

func tomb(key string, seq types.SeqN) types.Record {
	return types.Record{Key: []byte(key), SeqN: seq, Kind: types.KindDelete}
}

func writeTable(t *testing.T, dir string, id uint64, records []types.Record, opts WriterOptions) (string, TableMeta) {
	t.Helper()
	path := filepath.Join(dir, TableFileName(id))
	w, err := NewWriter(path, id, opts)
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, w.Add(r))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	return path, meta
}

func sequentialRecords(n int) []types.Record {
	records := make([]types.Record, 0, n)
	for i := 0; i < n; i++ {
		r := rec(fmt.Sprintf("key-%05d", i), types.SeqN(i+1), fmt.Sprintf("value-%05d-%s", i, "payload payload payload"))
		if i%7 == 3 {
			r = tomb(fmt.Sprintf("key-%05d", i), types.SeqN(i+1))
		}
		records = append(records, r)
	}
	return records
}

func TestSSTable_RoundTrip(t *testing.T) {
	for _, codec := range []compression.Type{compression.None, compression.Snappy, compression.S2, compression.Zstd, compression.LZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			dir := t.TempDir()
			records := sequentialRecords(1000)
			path, meta := writeTable(t, dir, 7, records, WriterOptions{
				BlockSize:    512,
				Compression:  codec,
				ExpectedKeys: 1000,
				Level:        1,
			})

			assert.Equal(t, uint64(7), meta.FileID)
			assert.Equal(t, uint64(1000), meta.Count)
			assert.Equal(t, "key-00000", string(meta.MinKey))
			assert.Equal(t, "key-00999", string(meta.MaxKey))
			assert.Equal(t, types.SeqN(1), meta.SmallestSeq)
			assert.Equal(t, types.SeqN(1000), meta.LargestSeq)

			table, err := OpenTable(path, 7, NewBlockCache(1<<20))
			require.NoError(t, err)
			defer table.Close()

			got := table.Meta()
			assert.Equal(t, meta.Size, got.Size)
			assert.Equal(t, meta.MinKey, got.MinKey)
			assert.Equal(t, meta.MaxKey, got.MaxKey)
			assert.Equal(t, 1, got.Level)
			assert.Greater(t, len(table.index), 1)

			it := table.NewIterator()
			i := 0
			for it.First(); it.Valid(); it.Next() {
				want := records[i]
				r := it.Record()
				assert.Equal(t, want.Key, r.Key)
				assert.Equal(t, want.SeqN, r.SeqN)
				assert.Equal(t, want.Kind, r.Kind)
				if !want.IsTombstone() {
					assert.Equal(t, want.Value, r.Value)
				}
				i++
			}
			require.NoError(t, it.Err())
			assert.Equal(t, len(records), i)

			for _, want := range records {
				r, ok, err := table.Get(want.Key)
				require.NoError(t, err)
				require.True(t, ok, "key %s", want.Key)
				assert.Equal(t, want.Kind, r.Kind)
			}

			_, ok, err := table.Get([]byte("key-00000x"))
			require.NoError(t, err)
			assert.False(t, ok)
			_, ok, err = table.Get([]byte("zzz"))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSSTable_SeekAndRange(t *testing.T) {
	dir := t.TempDir()
	records := sequentialRecords(300)
	path, _ := writeTable(t, dir, 1, records, WriterOptions{BlockSize: 256})

	table, err := OpenTable(path, 1, nil)
	require.NoError(t, err)
	defer table.Close()

	it := table.NewIterator()
	it.Seek([]byte("key-00150"))
	require.True(t, it.Valid())
	assert.Equal(t, "key-00150", string(it.Key()))

	it.Seek([]byte("key-00150a"))
	require.True(t, it.Valid())
	assert.Equal(t, "key-00151", string(it.Key()))

	it.Seek([]byte("a"))
	require.True(t, it.Valid())
	assert.Equal(t, "key-00000", string(it.Key()))

	it.Seek([]byte("z"))
	assert.False(t, it.Valid())

	rng := table.Range([]byte("key-00010"), []byte("key-00020"))
	var keys []string
	for rng.First(); rng.Valid(); rng.Next() {
		keys = append(keys, string(rng.Key()))
	}
	require.Len(t, keys, 10)
	assert.Equal(t, "key-00010", keys[0])
	assert.Equal(t, "key-00019", keys[9])
}

func TestSSTable_WriterRejectsOutOfOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, TableFileName(1))
	w, err := NewWriter(path, 1, WriterOptions{})
	require.NoError(t, err)

	require.NoError(t, w.Add(rec("b", 1, "1")))
	require.ErrorIs(t, w.Add(rec("a", 2, "2")), ErrOutOfOrder)
	require.ErrorIs(t, w.Add(rec("b", 3, "3")), ErrOutOfOrder)

	require.NoError(t, w.Abort())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSSTable_EmptyTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, TableFileName(1))
	w, err := NewWriter(path, 1, WriterOptions{})
	require.NoError(t, err)

	_, err = w.Finish()
	require.ErrorIs(t, err, ErrEmptyTable)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSSTable_CorruptDataBlock(t *testing.T) {
	dir := t.TempDir()
	records := sequentialRecords(200)
	path, _ := writeTable(t, dir, 1, records, WriterOptions{BlockSize: 256})
	healthyPath, _ := writeTable(t, dir, 2, records, WriterOptions{BlockSize: 256})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[3] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	table, err := OpenTable(path, 1, nil)
	require.NoError(t, err, "footer, index and meta are intact")
	defer table.Close()

	_, _, err = table.Get(records[0].Key)
	require.ErrorIs(t, err, dberrors.ErrCorruption)

	var cerr *dberrors.CorruptionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, path, cerr.Path)
	assert.Equal(t, int64(0), cerr.Offset)

	it := table.NewIterator()
	it.First()
	assert.False(t, it.Valid())
	require.ErrorIs(t, it.Err(), dberrors.ErrCorruption)

	healthy, err := OpenTable(healthyPath, 2, nil)
	require.NoError(t, err)
	defer healthy.Close()
	_, ok, err := healthy.Get(records[0].Key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSSTable_CorruptFooter(t *testing.T) {
	dir := t.TempDir()
	path, _ := writeTable(t, dir, 1, sequentialRecords(10), WriterOptions{})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-10] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = OpenTable(path, 1, nil)
	require.ErrorIs(t, err, dberrors.ErrCorruption)

	require.NoError(t, os.WriteFile(path, data[:10], 0644))
	_, err = OpenTable(path, 1, nil)
	require.ErrorIs(t, err, dberrors.ErrCorruption)
}

func TestSSTable_CacheServesBlocks(t *testing.T) {
	dir := t.TempDir()
	records := sequentialRecords(100)
	path, _ := writeTable(t, dir, 1, records, WriterOptions{BlockSize: 256})

	cache := NewBlockCache(1 << 20)
	table, err := OpenTable(path, 1, cache)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, ok, err := table.Get(records[0].Key)
		require.NoError(t, err)
		require.True(t, ok)
	}
	st := cache.Stats()
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(2), st.Hits)

	require.NoError(t, table.Close())
	assert.Zero(t, cache.Stats().Bytes)
}

func BenchmarkSSTable_Get(b *testing.B) {
	dir := b.TempDir()
	path := filepath.Join(dir, TableFileName(1))
	w, err := NewWriter(path, 1, WriterOptions{Compression: compression.Snappy, ExpectedKeys: 10000})
	if err != nil {
		b.Fatal(err)
	}
	for _, r := range sequentialRecords(10000) {
		if err := w.Add(r); err != nil {
			b.Fatal(err)
		}
	}
	if _, err := w.Finish(); err != nil {
		b.Fatal(err)
	}

	table, err := OpenTable(path, 1, NewBlockCache(8<<20))
	if err != nil {
		b.Fatal(err)
	}
	defer table.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := table.Get([]byte(fmt.Sprintf("key-%05d", i%10000))); err != nil {
			b.Fatal(err)
		}
	}
}
