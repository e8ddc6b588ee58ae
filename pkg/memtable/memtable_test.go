package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/pkg/config"
	"lsmkv/pkg/types"
)

func newTestMemtable(threshold int64) *Memtable {
	return New(config.MemtableConfig{FlushThresholdBytes: threshold, FlushChanBuffSize: 1, MaxImmTables: 1})
}

func TestMemtable_PutGetDelete(t *testing.T) {
	mt := newTestMemtable(1 << 20)

	require.NoError(t, mt.Put([]byte("a"), []byte("1"), 1))
	require.NoError(t, mt.Put([]byte("b"), []byte("2"), 2))
	require.NoError(t, mt.Put([]byte("a"), []byte("3"), 3))

	r, ok := mt.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, "3", string(r.Value))
	assert.Equal(t, types.SeqN(3), r.SeqN)

	require.NoError(t, mt.Delete([]byte("b"), 4))
	r, ok = mt.Get([]byte("b"))
	require.True(t, ok)
	assert.True(t, r.IsTombstone())

	_, ok = mt.Get([]byte("missing"))
	assert.False(t, ok)
	assert.Equal(t, 2, mt.Len())
	assert.Equal(t, types.SeqN(4), mt.MaxSeq())
}

func TestMemtable_OlderWriteIgnored(t *testing.T) {
	mt := newTestMemtable(1 << 20)
	require.NoError(t, mt.Put([]byte("k"), []byte("new"), 10))
	require.NoError(t, mt.Put([]byte("k"), []byte("old"), 5))

	r, _ := mt.Get([]byte("k"))
	assert.Equal(t, "new", string(r.Value))

	var sorted []types.Record
	mt.Iterate(func(r types.Record) bool {
		sorted = append(sorted, r)
		return true
	})
	require.Len(t, sorted, 1)
	assert.Equal(t, "new", string(sorted[0].Value))
}

func TestMemtable_ViewsAgree(t *testing.T) {
	mt := newTestMemtable(1 << 20)
	for i := 99; i >= 0; i-- {
		require.NoError(t, mt.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte("v"), types.SeqN(100-i)))
	}

	var prev []byte
	count := 0
	mt.Iterate(func(r types.Record) bool {
		if prev != nil {
			assert.Less(t, string(prev), string(r.Key))
		}
		prev = r.Key
		got, ok := mt.Get(r.Key)
		assert.True(t, ok)
		assert.Equal(t, r, got)
		count++
		return true
	})
	assert.Equal(t, mt.Len(), count)
}

func TestMemtable_CopiesInput(t *testing.T) {
	mt := newTestMemtable(1 << 20)
	key, value := []byte("key"), []byte("value")
	require.NoError(t, mt.Put(key, value, 1))
	key[0], value[0] = 'X', 'X'

	r, ok := mt.Get([]byte("key"))
	require.True(t, ok)
	assert.Equal(t, "value", string(r.Value))
}

func TestMemtable_SizeAndShouldFlush(t *testing.T) {
	mt := newTestMemtable(3 * (entryOverhead + 10))

	require.NoError(t, mt.Put([]byte("k1"), []byte("12345678"), 1))
	first := mt.Size()
	assert.Equal(t, int64(entryOverhead+10), first)

	// replacing a value only accounts for the difference
	require.NoError(t, mt.Put([]byte("k1"), []byte("1234"), 2))
	assert.Equal(t, first-4, mt.Size())

	assert.False(t, mt.ShouldFlush())
	require.NoError(t, mt.Put([]byte("k2"), []byte("12345678"), 3))
	require.NoError(t, mt.Put([]byte("k3"), []byte("12345678"), 4))
	require.NoError(t, mt.Put([]byte("k4"), []byte("12345678"), 5))
	assert.True(t, mt.ShouldFlush())
}

func TestMemtable_Freeze(t *testing.T) {
	mt := newTestMemtable(1 << 20)
	require.NoError(t, mt.Put([]byte("a"), []byte("1"), 1))
	require.NoError(t, mt.Put([]byte("c"), []byte("3"), 2))
	require.NoError(t, mt.Delete([]byte("b"), 3))

	imm := mt.Freeze()
	require.ErrorIs(t, mt.Put([]byte("d"), []byte("4"), 4), ErrFrozen)

	r, ok := imm.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, "1", string(r.Value))
	assert.Equal(t, 3, imm.Len())
	assert.Equal(t, types.SeqN(3), imm.MaxSeq())

	var keys []string
	imm.Iterate(func(r types.Record) bool {
		keys = append(keys, string(r.Key))
		return true
	})
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	got := imm.Range([]byte("b"), []byte("c"))
	require.Len(t, got, 1)
	assert.Equal(t, "b", string(got[0].Key))
	assert.Empty(t, imm.Range([]byte("x"), nil))
}

func TestMemtable_Iterator(t *testing.T) {
	mt := newTestMemtable(1 << 20)
	for _, k := range []string{"d", "a", "c", "b"} {
		require.NoError(t, mt.Put([]byte(k), []byte(k), 1))
	}

	it := mt.NewIterator([]byte("b"), nil)
	defer it.Close()

	// later writes do not leak into an open snapshot
	require.NoError(t, mt.Put([]byte("e"), []byte("e"), 2))

	var keys []string
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	assert.Equal(t, []string{"b", "c", "d"}, keys)

	it.Seek([]byte("cc"))
	require.True(t, it.Valid())
	assert.Equal(t, "d", string(it.Key()))
}

func TestMemtable_Concurrent(t *testing.T) {
	mt := newTestMemtable(1 << 30)
	const writers, perWriter = 8, 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				seq := types.SeqN(w*perWriter + i + 1)
				key := []byte(fmt.Sprintf("w%d-%d", w, i))
				assert.NoError(t, mt.Put(key, key, seq))
				_, ok := mt.Get(key)
				assert.True(t, ok)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, writers*perWriter, mt.Len())
}
