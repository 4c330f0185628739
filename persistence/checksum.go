package persistence

import (
	"fmt"
	"hash/crc32"
)

// Checksum utilities for blob integrity verification.
//
// Uses CRC32 (IEEE polynomial) for:
// - Fast computation (hardware-accelerated on modern CPUs)
// - Good error detection for storage corruption
// - Standard algorithm (well-tested, widely used)
//
// Note: CRC32 is NOT cryptographically secure. Template identity integrity
// uses the SHA-256 checksum on the template document; CRC32 here only
// detects accidental corruption of stored blobs.

// CRC32Table is the IEEE polynomial table for checksum computation.
var CRC32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes the CRC32 checksum of data.
func ComputeChecksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// ChecksumMismatchError is returned when checksum verification fails.
type ChecksumMismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected 0x%08x, got 0x%08x", e.Expected, e.Actual)
}

// IsChecksumMismatch returns true if err is a checksum mismatch error.
func IsChecksumMismatch(err error) bool {
	_, ok := err.(*ChecksumMismatchError)
	return ok
}
