// Package filestore persists the job store to a directory: a journal of every
// committed change plus a periodically rewritten snapshot.
//
// Recovery loads the snapshot and replays the journal records it does not
// cover. Writes go to the journal before they become visible in memory.
// Unlike the sqlite backend a status change and its event are two journal
// records, so a crash between them is possible; replay applies whatever was
// flushed.
package filestore

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/tapis-jobs/internal/snapshot"
	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/internal/storage/memory"
	"github.com/ChuLiYu/tapis-jobs/internal/storage/wal"
)

const (
	journalFile  = "journal.wal"
	snapshotFile = "snapshot.json"
)

var logger = log.WithField("component", "filestore")

// Options configures a file backed store.
type Options struct {
	Dir          string
	SyncOnAppend bool
}

// Store is a memory.Store whose commits are journaled to disk.
type Store struct {
	*memory.Store

	journal   *wal.WAL
	snapshots *snapshot.Manager
	compactMu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

// Open loads or initializes the store under opts.Dir.
func Open(opts Options) (*Store, error) {
	start := time.Now()
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create store directory %s", opts.Dir)
	}

	snapshots := snapshot.NewManager(filepath.Join(opts.Dir, snapshotFile))
	data, err := snapshots.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load snapshot")
	}

	journal, err := wal.NewWAL(filepath.Join(opts.Dir, journalFile), opts.SyncOnAppend)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}

	state := memory.Snapshot{Jobs: data.Jobs, Events: data.Events, Commands: data.Commands}
	replayed := 0
	err = journal.Replay(func(rec wal.Record) error {
		if rec.Seq <= data.LastSeq {
			return nil
		}
		replayed++
		return apply(&state, rec)
	})
	if err != nil {
		journal.Close()
		return nil, errors.Wrap(err, "replay journal")
	}

	mem := memory.New()
	mem.Restore(state)
	s := &Store{Store: mem, journal: journal, snapshots: snapshots}
	mem.OnCommit = s.persist

	logger.WithFields(log.Fields{
		"dir":      opts.Dir,
		"jobs":     len(state.Jobs),
		"replayed": replayed,
		"duration": time.Since(start),
	}).Info("File store loaded")
	return s, nil
}

func apply(state *memory.Snapshot, rec wal.Record) error {
	switch rec.Type {
	case wal.RecordJob:
		if rec.Job == nil {
			return errors.Errorf("journal record %d has no job", rec.Seq)
		}
		state.Jobs[rec.Job.UUID] = rec.Job
	case wal.RecordEvent:
		if rec.Event == nil {
			return errors.Errorf("journal record %d has no event", rec.Seq)
		}
		state.Events[rec.Event.JobUUID] = append(state.Events[rec.Event.JobUUID], *rec.Event)
	case wal.RecordCommand:
		if rec.Command == "" {
			delete(state.Commands, rec.JobUUID)
		} else {
			state.Commands[rec.JobUUID] = rec.Command
		}
	default:
		return errors.Errorf("journal record %d has unknown type %q", rec.Seq, rec.Type)
	}
	return nil
}

// persist journals one committed unit. It runs under the memory store lock.
func (s *Store) persist(c memory.Changes) error {
	recs := make([]wal.Record, 0, len(c.Jobs)+len(c.Events)+len(c.Commands))
	for _, j := range c.Jobs {
		recs = append(recs, wal.Record{Type: wal.RecordJob, Job: j})
	}
	for i := range c.Events {
		ev := c.Events[i]
		recs = append(recs, wal.Record{Type: wal.RecordEvent, Event: &ev})
	}
	for uuid, cmd := range c.Commands {
		recs = append(recs, wal.Record{Type: wal.RecordCommand, JobUUID: uuid, Command: cmd})
	}
	if len(recs) == 0 {
		return nil
	}
	_, err := s.journal.Append(recs...)
	return errors.Wrap(err, "journal commit")
}

// Compact writes a snapshot of the current state and drops the journal
// records it covers.
func (s *Store) Compact() error {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	start := time.Now()
	state, lastSeq := s.Store.SnapshotAt(s.journal.GetLastSeq)
	data := snapshot.Data{
		LastSeq:  lastSeq,
		Jobs:     state.Jobs,
		Events:   state.Events,
		Commands: state.Commands,
	}
	if err := s.snapshots.Write(data); err != nil {
		return errors.Wrap(err, "write snapshot")
	}
	if err := s.journal.Compact(lastSeq); err != nil {
		return errors.Wrap(err, "compact journal")
	}
	logger.WithFields(log.Fields{
		"jobs":     len(state.Jobs),
		"last_seq": lastSeq,
		"duration": time.Since(start),
	}).Debug("Snapshot taken")
	return nil
}

// Close takes a final snapshot and closes the journal.
func (s *Store) Close() error {
	var result *multierror.Error
	if err := s.Compact(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.Store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.journal.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
