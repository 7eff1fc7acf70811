package wal

// ============================================================================
// Checksums
// Responsibility: CRC32 over the canonical JSON encoding of a record
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum computes the CRC32-IEEE of the record with Checksum zeroed.
func CalculateChecksum(rec Record) (uint32, error) {
	rec.Checksum = 0
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(data), nil
}

// VerifyChecksum checks the stored checksum of a decoded record.
func VerifyChecksum(rec Record) error {
	expected, err := CalculateChecksum(rec)
	if err != nil {
		return err
	}
	if rec.Checksum != expected {
		return &ChecksumError{Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
	}
	return nil
}
