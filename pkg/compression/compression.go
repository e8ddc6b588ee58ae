// Package compression provides the block codecs used for SSTable data blocks.
// The codec type is stored next to every block, so tables written with
// different settings remain readable.
package compression

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a block codec on disk. Values are part of the file format.
type Type uint8

const (
	None Type = iota
	Snappy
	Zstd
	LZ4
	S2
)

var ErrUnknownType = errors.New("compression: unknown type")

var names = map[Type]string{
	None:   "none",
	Snappy: "snappy",
	Zstd:   "zstd",
	LZ4:    "lz4",
	S2:     "s2",
}

func (t Type) String() string {
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Parse maps a config name onto a codec type. An empty name means None.
func Parse(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return None, nil
	}
	for t, n := range names {
		if n == name {
			return t, nil
		}
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEnc, zstdDec, zstdErr
}

// Compress encodes src with codec t. The returned type is the codec actually
// used: blocks that do not shrink are kept raw and reported as None.
func Compress(t Type, src []byte) ([]byte, Type, error) {
	var (
		out []byte
		err error
	)

	switch t {
	case None:
		return src, None, nil
	case Snappy:
		out = snappy.Encode(nil, src)
	case S2:
		out = s2.Encode(nil, src)
	case Zstd:
		enc, _, zerr := zstdCodec()
		if zerr != nil {
			return nil, None, fmt.Errorf("compression: zstd init: %w", zerr)
		}
		out = enc.EncodeAll(src, nil)
	case LZ4:
		out, err = compressLZ4(src)
		if err != nil {
			return nil, None, err
		}
	default:
		return nil, None, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}

	if out == nil || len(out) >= len(src) {
		return src, None, nil
	}
	return out, t, nil
}

// Decompress reverses Compress for a block tagged with codec t.
func Decompress(t Type, src []byte) ([]byte, error) {
	switch t {
	case None:
		return src, nil
	case Snappy:
		return snappy.Decode(nil, src)
	case S2:
		return s2.Decode(nil, src)
	case Zstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("compression: zstd init: %w", err)
		}
		return dec.DecodeAll(src, nil)
	case LZ4:
		return decompressLZ4(src)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
}

// lz4 blocks carry no length of their own, so the raw size is prefixed as uvarint.
func compressLZ4(src []byte) ([]byte, error) {
	dst := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(src)))
	n := binary.PutUvarint(dst, uint64(len(src)))

	written, err := lz4.CompressBlock(src, dst[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("compression: lz4: %w", err)
	}
	if written == 0 {
		// incompressible
		return nil, nil
	}
	return dst[:n+written], nil
}

func decompressLZ4(src []byte) ([]byte, error) {
	rawLen, n := binary.Uvarint(src)
	if n <= 0 {
		return nil, errors.New("compression: lz4: bad length prefix")
	}
	dst := make([]byte, rawLen)
	written, err := lz4.UncompressBlock(src[n:], dst)
	if err != nil {
		return nil, fmt.Errorf("compression: lz4: %w", err)
	}
	if uint64(written) != rawLen {
		return nil, fmt.Errorf("compression: lz4: short block %d/%d", written, rawLen)
	}
	return dst, nil
}
