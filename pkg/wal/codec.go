package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"lsmkv/pkg/checksum"
	"lsmkv/pkg/types"
)

/*
Entry format (little endian):

	[ payload length : 4 ]
	[ crc32          : 4 ]  over the payload
	[ payload        : n ]  [seq : 8][kind : 1][key len : 4][value len : 4][key][value]
*/
const (
	headerSize        = 8
	payloadFixedSize  = 8 + 1 + 4 + 4
	maxPayloadSize    = math.MaxUint32
	segmentNameFormat = "%06d.log"
)

var errCorruptEntry = errors.New("wal: corrupt entry")

// Entry represents a single logged mutation.
type Entry struct {
	SeqNum types.SeqN
	Kind   types.Kind
	Key    []byte
	Value  []byte
}

// Record converts the entry into its memtable form.
func (e Entry) Record() types.Record {
	return types.Record{Key: e.Key, Value: e.Value, SeqN: e.SeqNum, Kind: e.Kind}
}

func segmentName(id uint64) string {
	return fmt.Sprintf(segmentNameFormat, id)
}

// encodeEntry appends the framed entry to dst.
func encodeEntry(dst []byte, e Entry) ([]byte, error) {
	payloadLen := payloadFixedSize + len(e.Key) + len(e.Value)
	if uint64(payloadLen) > maxPayloadSize {
		return dst, fmt.Errorf("wal: entry too large: key %d, value %d", len(e.Key), len(e.Value))
	}

	start := len(dst)
	dst = append(dst, make([]byte, headerSize+payloadFixedSize)...)
	p := dst[start+headerSize:]
	binary.LittleEndian.PutUint64(p[0:8], e.SeqNum)
	p[8] = byte(e.Kind)
	binary.LittleEndian.PutUint32(p[9:13], uint32(len(e.Key)))
	binary.LittleEndian.PutUint32(p[13:17], uint32(len(e.Value)))
	dst = append(dst, e.Key...)
	dst = append(dst, e.Value...)

	payload := dst[start+headerSize:]
	binary.LittleEndian.PutUint32(dst[start:start+4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(dst[start+4:start+8], checksum.Compute(payload))

	return dst, nil
}

// readEntry reads one framed entry. io.EOF is returned only on a clean entry
// boundary; a partial entry yields io.ErrUnexpectedEOF and a checksum or
// framing violation yields errCorruptEntry. remaining bounds the payload length
// so a damaged length field cannot trigger a huge allocation.
func readEntry(r *bufio.Reader, remaining int64) (Entry, int64, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Entry{}, 0, err
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	wantCRC := binary.LittleEndian.Uint32(hdr[4:8])
	if int64(length)+headerSize > remaining {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	if length < payloadFixedSize {
		return Entry{}, 0, fmt.Errorf("%w: payload length %d", errCorruptEntry, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Entry{}, 0, err
	}
	if !checksum.Verify(payload, wantCRC) {
		return Entry{}, 0, fmt.Errorf("%w: checksum mismatch", errCorruptEntry)
	}

	entry, err := decodePayload(payload)
	if err != nil {
		return Entry{}, 0, err
	}
	return entry, int64(headerSize) + int64(length), nil
}

func decodePayload(p []byte) (Entry, error) {
	e := Entry{
		SeqNum: binary.LittleEndian.Uint64(p[0:8]),
		Kind:   types.Kind(p[8]),
	}
	keyLen := int(binary.LittleEndian.Uint32(p[9:13]))
	valueLen := int(binary.LittleEndian.Uint32(p[13:17]))

	if !e.Kind.Valid() {
		return Entry{}, fmt.Errorf("%w: unknown kind %d", errCorruptEntry, p[8])
	}
	if payloadFixedSize+keyLen+valueLen != len(p) {
		return Entry{}, fmt.Errorf("%w: length fields disagree with payload", errCorruptEntry)
	}

	off := payloadFixedSize
	e.Key = append([]byte(nil), p[off:off+keyLen]...)
	off += keyLen
	if valueLen > 0 {
		e.Value = append([]byte(nil), p[off:off+valueLen]...)
	}
	return e, nil
}
