package util

import (
	"encoding/binary"
	"hash/crc32"
)

// Checksum utilities for snapshot integrity validation.
// Uses CRC32 (Castagnoli polynomial) for fast checksum computation.

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes a CRC32 checksum for the given data.
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum.
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendChecksum appends a 4-byte little-endian checksum to the data.
// Format: [payload][checksum (4 bytes)]
func AppendChecksum(data []byte) []byte {
	result := make([]byte, len(data)+4)
	copy(result, data)
	binary.LittleEndian.PutUint32(result[len(data):], ComputeChecksum(data))
	return result
}

// SplitChecksum separates a checksummed frame into payload and stored
// checksum without validating it.
func SplitChecksum(frame []byte) ([]byte, uint32, bool) {
	if len(frame) < 4 {
		return nil, 0, false
	}
	n := len(frame) - 4
	return frame[:n], binary.LittleEndian.Uint32(frame[n:]), true
}
