package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"lsmkv/pkg/checksum"
	"lsmkv/pkg/compression"
	"lsmkv/pkg/types"
)

/*
SSTable layout:

	[data block]*
	[filter block]   serialized bloom filter over all keys
	[meta block]     min/max key, record count, level, seq range, creation time
	[index block]    one entry per data block: first key, offset, length
	[footer]         fixed size, at the end of the file

Data block:

	[record]* [compression : 1][crc32 : 4]
	record = [kind : 1][seq : uvarint][key len : uvarint][value len : uvarint][key][value]

The block checksum covers the stored (possibly compressed) payload and the
compression byte.

Footer (little endian):

	[index offset : 8][index len : 4]
	[meta offset : 8][meta len : 4]
	[filter offset : 8][filter len : 4]
	[index crc : 4][meta crc : 4][filter crc : 4]
	[version : 4][magic : 8][footer crc : 4]
*/
const (
	blockHandleSize = 8 + 4
	footerSize      = 3*blockHandleSize + 3*checksum.Size + 4 + 8 + checksum.Size
	blockTrailer    = 1 + checksum.Size
	formatVersion   = 1
	tableMagic      = uint64(0x6c736d6b76737374)
)

var (
	errShortBuffer = errors.New("short buffer")
)

type blockHandle struct {
	Offset uint64
	Length uint32
}

type footer struct {
	Index, Meta, Filter          blockHandle
	IndexCRC, MetaCRC, FilterCRC uint32
	Version                      uint32
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	off := 0
	for _, h := range []blockHandle{f.Index, f.Meta, f.Filter} {
		binary.LittleEndian.PutUint64(buf[off:], h.Offset)
		binary.LittleEndian.PutUint32(buf[off+8:], h.Length)
		off += blockHandleSize
	}
	for _, crc := range []uint32{f.IndexCRC, f.MetaCRC, f.FilterCRC, f.Version} {
		binary.LittleEndian.PutUint32(buf[off:], crc)
		off += 4
	}
	binary.LittleEndian.PutUint64(buf[off:], tableMagic)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], checksum.Compute(buf[:off]))
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	var f footer
	if len(buf) != footerSize {
		return f, fmt.Errorf("footer: %w", errShortBuffer)
	}

	body := buf[:footerSize-checksum.Size]
	if !checksum.Verify(body, binary.LittleEndian.Uint32(buf[footerSize-checksum.Size:])) {
		return f, errors.New("footer checksum mismatch")
	}
	if magic := binary.LittleEndian.Uint64(buf[footerSize-checksum.Size-8:]); magic != tableMagic {
		return f, fmt.Errorf("bad magic %#x", magic)
	}

	off := 0
	handles := []*blockHandle{&f.Index, &f.Meta, &f.Filter}
	for _, h := range handles {
		h.Offset = binary.LittleEndian.Uint64(buf[off:])
		h.Length = binary.LittleEndian.Uint32(buf[off+8:])
		off += blockHandleSize
	}
	fields := []*uint32{&f.IndexCRC, &f.MetaCRC, &f.FilterCRC, &f.Version}
	for _, v := range fields {
		*v = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	if f.Version != formatVersion {
		return f, fmt.Errorf("unsupported format version %d", f.Version)
	}
	return f, nil
}

// indexEntry locates one data block.
type indexEntry struct {
	FirstKey []byte
	Handle   blockHandle
}

func encodeIndex(entries []indexEntry) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, uint64(len(e.FirstKey)))
		buf = append(buf, e.FirstKey...)
		buf = binary.AppendUvarint(buf, e.Handle.Offset)
		buf = binary.AppendUvarint(buf, uint64(e.Handle.Length))
	}
	return buf
}

func decodeIndex(buf []byte) ([]indexEntry, error) {
	r := byteReader{buf: buf}
	n := r.uvarint()
	if r.err != nil || n > uint64(len(buf)) {
		return nil, errors.New("bad index entry count")
	}

	entries := make([]indexEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		var e indexEntry
		e.FirstKey = r.bytes(r.uvarint())
		e.Handle.Offset = r.uvarint()
		e.Handle.Length = uint32(r.uvarint())
		if r.err != nil {
			return nil, fmt.Errorf("index entry %d: %w", i, r.err)
		}
		entries = append(entries, e)
	}
	if r.remaining() != 0 {
		return nil, errors.New("trailing bytes after index")
	}
	return entries, nil
}

// tableProps is the content of the meta block.
type tableProps struct {
	MinKey      []byte
	MaxKey      []byte
	Count       uint64
	Level       int
	SmallestSeq types.SeqN
	LargestSeq  types.SeqN
	CreatedAt   time.Time
}

func (p tableProps) encode() []byte {
	buf := binary.AppendUvarint(nil, uint64(len(p.MinKey)))
	buf = append(buf, p.MinKey...)
	buf = binary.AppendUvarint(buf, uint64(len(p.MaxKey)))
	buf = append(buf, p.MaxKey...)
	buf = binary.AppendUvarint(buf, p.Count)
	buf = binary.AppendUvarint(buf, uint64(p.Level))
	buf = binary.AppendUvarint(buf, p.SmallestSeq)
	buf = binary.AppendUvarint(buf, p.LargestSeq)
	buf = binary.AppendVarint(buf, p.CreatedAt.UnixNano())
	return buf
}

func decodeProps(buf []byte) (tableProps, error) {
	var p tableProps
	r := byteReader{buf: buf}
	p.MinKey = r.bytes(r.uvarint())
	p.MaxKey = r.bytes(r.uvarint())
	p.Count = r.uvarint()
	p.Level = int(r.uvarint())
	p.SmallestSeq = r.uvarint()
	p.LargestSeq = r.uvarint()
	p.CreatedAt = time.Unix(0, r.varint())
	if r.err != nil {
		return p, fmt.Errorf("meta block: %w", r.err)
	}
	return p, nil
}

func appendRecord(dst []byte, r types.Record) []byte {
	dst = append(dst, byte(r.Kind))
	dst = binary.AppendUvarint(dst, r.SeqN)
	dst = binary.AppendUvarint(dst, uint64(len(r.Key)))
	dst = binary.AppendUvarint(dst, uint64(len(r.Value)))
	dst = append(dst, r.Key...)
	dst = append(dst, r.Value...)
	return dst
}

// decodeBlock splits a decompressed data block into records. The records
// alias buf.
func decodeBlock(buf []byte) ([]types.Record, error) {
	var (
		records []types.Record
		r       = byteReader{buf: buf}
	)
	for r.remaining() > 0 {
		kind := types.Kind(r.readByte())
		seq := r.uvarint()
		keyLen := r.uvarint()
		valueLen := r.uvarint()
		key := r.bytes(keyLen)
		value := r.bytes(valueLen)
		if r.err != nil {
			return nil, fmt.Errorf("record %d: %w", len(records), r.err)
		}
		if !kind.Valid() {
			return nil, fmt.Errorf("record %d: unknown kind %d", len(records), kind)
		}
		if kind == types.KindDelete {
			value = nil
		}
		records = append(records, types.Record{Key: key, Value: value, SeqN: seq, Kind: kind})
	}
	return records, nil
}

// sealBlock compresses payload and appends the block trailer.
func sealBlock(payload []byte, codec compression.Type) ([]byte, error) {
	stored, used, err := compression.Compress(codec, payload)
	if err != nil {
		return nil, err
	}

	block := make([]byte, 0, len(stored)+blockTrailer)
	block = append(block, stored...)
	block = append(block, byte(used))
	return binary.LittleEndian.AppendUint32(block, checksum.Compute(block)), nil
}

// openBlock verifies the trailer and returns the decompressed payload.
func openBlock(block []byte) ([]byte, error) {
	if len(block) < blockTrailer {
		return nil, fmt.Errorf("block: %w", errShortBuffer)
	}

	body := block[:len(block)-checksum.Size]
	if !checksum.Verify(body, binary.LittleEndian.Uint32(block[len(block)-checksum.Size:])) {
		return nil, errors.New("block checksum mismatch")
	}

	codec := compression.Type(body[len(body)-1])
	return compression.Decompress(codec, body[:len(body)-1])
}

// byteReader decodes varint framed fields and remembers the first error.
type byteReader struct {
	buf []byte
	off int
	err error
}

func (r *byteReader) remaining() int { return len(r.buf) - r.off }

func (r *byteReader) readByte() byte {
	if r.err != nil {
		return 0
	}
	if r.remaining() < 1 {
		r.err = errShortBuffer
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *byteReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.err = errShortBuffer
		return 0
	}
	r.off += n
	return v
}

func (r *byteReader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		r.err = errShortBuffer
		return 0
	}
	r.off += n
	return v
}

func (r *byteReader) bytes(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(r.remaining()) {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+int(n) : r.off+int(n)]
	r.off += int(n)
	return b
}
