package wal

// ============================================================================
// Journal core
// Responsibilities:
// 1. Append records to the journal file (append-only, JSON lines)
// 2. Replay records to rebuild store state
// 3. Compact the file once a snapshot covers a prefix of it
// 4. Keep writes durable (fsync per append when configured)
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// FileInterface is the subset of *os.File the journal writes through.
// Tests substitute failing files.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL is an append-only journal of store changes.
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	writer       *bufio.Writer
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
}

// NewWAL opens or creates the journal at path and resumes numbering after
// its last record.
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	var seq uint64
	last, err := GetLastRecord(path)
	switch {
	case err == nil && last != nil:
		seq = last.Seq
	case err != nil && !os.IsNotExist(errors.Cause(err)):
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "wal: open %s", path)
	}
	return &WAL{
		file:         file,
		writer:       bufio.NewWriter(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append writes recs as one unit: sequence numbers, timestamps and checksums
// are assigned here, and the batch is flushed before returning.
func (w *WAL) Append(recs ...Record) ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWALClosed
	}

	seq := w.seq
	now := time.Now().UnixMilli()
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		seq++
		rec.Seq = seq
		rec.Timestamp = now
		sum, err := CalculateChecksum(rec)
		if err != nil {
			return nil, errors.Wrap(err, "wal: checksum")
		}
		rec.Checksum = sum

		line, err := json.Marshal(rec)
		if err != nil {
			return nil, errors.Wrap(err, "wal: encode")
		}
		if _, err := w.writer.Write(append(line, '\n')); err != nil {
			return nil, errors.Wrap(err, "wal: write")
		}
		out = append(out, rec)
	}
	if err := w.flushLocked(); err != nil {
		return nil, err
	}
	w.seq = seq
	return out, nil
}

// Replay feeds every record in the file to handler, verifying checksums.
// It stops at the first error.
func (w *WAL) Replay(handler RecordHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	return scan(w.path, func(rec Record) error {
		if err := VerifyChecksum(rec); err != nil {
			return err
		}
		return handler(rec)
	})
}

// Compact drops records with Seq <= upTo, typically after a snapshot covering
// them was written. The file is rewritten through a temp file and rename.
func (w *WAL) Compact(upTo uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	tmpPath := w.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "wal: compact")
	}
	bw := bufio.NewWriter(tmp)
	enc := json.NewEncoder(bw)
	err = scan(w.path, func(rec Record) error {
		if rec.Seq <= upTo {
			return nil
		}
		return enc.Encode(rec)
	})
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "wal: compact")
	}

	if err := w.file.Close(); err != nil {
		return errors.Wrap(err, "wal: compact")
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return errors.Wrap(err, "wal: compact")
	}
	file, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.closed = true
		return errors.Wrap(err, "wal: reopen after compact")
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	return nil
}

// Close flushes and closes the journal. A closed journal cannot be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq returns the sequence number of the last appended record.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// flushLocked writes buffered bytes and syncs when configured.
// Caller holds w.mu.
func (w *WAL) flushLocked() error {
	if w.writer == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return errors.Wrap(err, "wal: flush")
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return errors.Wrap(err, "wal: sync")
		}
	}
	return nil
}
