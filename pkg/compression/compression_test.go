package compression

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("key-000123=value-000123;"), 200)

	for _, typ := range []Type{None, Snappy, Zstd, LZ4, S2} {
		t.Run(typ.String(), func(t *testing.T) {
			packed, used, err := Compress(typ, payload)
			require.NoError(t, err)
			assert.Equal(t, typ, used)
			if typ != None {
				assert.Less(t, len(packed), len(payload))
			}

			raw, err := Decompress(used, packed)
			require.NoError(t, err)
			assert.Equal(t, payload, raw)
		})
	}
}

func TestIncompressibleFallsBackToNone(t *testing.T) {
	payload := make([]byte, 512)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	for _, typ := range []Type{Snappy, Zstd, LZ4, S2} {
		packed, used, err := Compress(typ, payload)
		require.NoError(t, err)
		assert.Equal(t, None, used, typ.String())
		assert.Equal(t, payload, packed)
	}
}

func TestParse(t *testing.T) {
	typ, err := Parse("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, Zstd, typ)

	typ, err = Parse("")
	require.NoError(t, err)
	assert.Equal(t, None, typ)

	_, err = Parse("brotli")
	assert.ErrorIs(t, err, ErrUnknownType)
}
