// Package checksum computes and validates CRC32 (Castagnoli) checksums over
// serialized WAL entries and SSTable blocks.
package checksum

import "hash/crc32"

// Size is the encoded size of a checksum in bytes.
const Size = 4

var table = crc32.MakeTable(crc32.Castagnoli)

// Compute returns the checksum of b.
func Compute(b []byte) uint32 {
	return crc32.Checksum(b, table)
}

// Extend continues crc with the bytes of b.
func Extend(crc uint32, b []byte) uint32 {
	return crc32.Update(crc, table, b)
}

// Verify reports whether b matches the expected checksum.
func Verify(b []byte, want uint32) bool {
	return Compute(b) == want
}
