package wal

// ============================================================================
// Journal helpers
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// scan decodes the journal line by line. Blank lines are skipped.
func scan(path string, fn func(Record) error) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "wal: open %s", path)
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return errors.Wrap(sc.Err(), "wal: read")
}

// GetLastRecord returns the last decodable record of the journal at path, or
// nil when the file is empty.
func GetLastRecord(path string) (*Record, error) {
	var last *Record
	err := scan(path, func(rec Record) error {
		r := rec
		last = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// ValidateWAL checks checksums and that sequence numbers strictly increase.
func ValidateWAL(path string) error {
	var prev uint64
	return scan(path, func(rec Record) error {
		if err := VerifyChecksum(rec); err != nil {
			return err
		}
		if rec.Seq <= prev {
			return errors.Errorf("wal: sequence went from %d to %d", prev, rec.Seq)
		}
		prev = rec.Seq
		return nil
	})
}
