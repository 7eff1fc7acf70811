// ============================================================================
// In-memory job store
// ============================================================================
//
// Package: internal/storage/memory
// File: memory.go
// Purpose: Mutex-guarded job, event and command storage.
//
// Data layout:
//   jobs map[uuid]*Job          - single source of truth for job records
//   byStatus map[status]set     - status index backing ListJobs
//   events map[uuid][]JobEvent  - append-only history per job
//   seq map[uuid]uint64         - last sequence handed out per job
//   commands map[uuid]Command   - pending asynchronous command per job
//
// Transactions stage their writes and apply them under one lock on Commit.
// Event sequence numbers are reserved when the event is staged, so a rolled
// back transaction leaves a gap but never reuses a number.
//
// ============================================================================

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

// Store keeps everything in process memory.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]*types.Job
	byStatus map[types.JobStatus]map[string]struct{}
	events   map[string][]types.JobEvent
	seq      map[string]uint64
	commands map[string]types.CommandType
	closed   bool

	// OnCommit, if set, is called with the writes of every committed unit
	// while the store lock is held. Backends layered on top use it to
	// persist changes.
	OnCommit func(Changes) error
}

// Changes lists the writes of one committed unit in application order.
type Changes struct {
	Jobs     []*types.Job
	Events   []types.JobEvent
	Commands map[string]types.CommandType
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*types.Job),
		byStatus: make(map[types.JobStatus]map[string]struct{}),
		events:   make(map[string][]types.JobEvent),
		seq:      make(map[string]uint64),
		commands: make(map[string]types.CommandType),
	}
}

type tx struct {
	store   *Store
	mu      sync.Mutex
	creates []*types.Job
	saves   []*types.Job
	events  []types.JobEvent
	done    bool
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return &tx{store: s}, nil
}

func (s *Store) ownTx(t storage.Tx) (*tx, error) {
	if t == nil {
		return nil, nil
	}
	mt, ok := t.(*tx)
	if !ok || mt.store != s {
		return nil, storage.ErrForeignTx
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.done {
		return nil, storage.ErrTxDone
	}
	return mt, nil
}

func (t *tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return storage.ErrTxDone
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	for _, j := range t.creates {
		if _, exists := s.jobs[j.UUID]; exists {
			return errors.Wrapf(storage.ErrDuplicateJob, "job %s", j.UUID)
		}
	}
	for _, j := range t.saves {
		if _, exists := s.jobs[j.UUID]; !exists && !t.creating(j.UUID) {
			return errors.Wrapf(storage.ErrJobNotFound, "job %s", j.UUID)
		}
	}
	return s.applyLocked(Changes{Jobs: append(t.creates, t.saves...), Events: t.events})
}

func (t *tx) creating(uuid string) bool {
	for _, j := range t.creates {
		if j.UUID == uuid {
			return true
		}
	}
	return false
}

func (t *tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return storage.ErrTxDone
	}
	t.done = true
	return nil
}

func (s *Store) applyLocked(c Changes) error {
	if s.OnCommit != nil {
		if err := s.OnCommit(c); err != nil {
			return err
		}
	}
	for _, j := range c.Jobs {
		s.putJobLocked(j)
	}
	for _, ev := range c.Events {
		s.events[ev.JobUUID] = append(s.events[ev.JobUUID], ev)
	}
	for uuid, cmd := range c.Commands {
		if cmd == "" {
			delete(s.commands, uuid)
		} else {
			s.commands[uuid] = cmd
		}
	}
	return nil
}

func (s *Store) putJobLocked(j *types.Job) {
	if old, ok := s.jobs[j.UUID]; ok {
		delete(s.byStatus[old.Status], j.UUID)
	}
	s.jobs[j.UUID] = j
	idx, ok := s.byStatus[j.Status]
	if !ok {
		idx = make(map[string]struct{})
		s.byStatus[j.Status] = idx
	}
	idx[j.UUID] = struct{}{}
}

// CreateJob inserts a new job record.
func (s *Store) CreateJob(ctx context.Context, t storage.Tx, job *types.Job) error {
	mt, err := s.ownTx(t)
	if err != nil {
		return err
	}
	c := job.Clone()
	if mt != nil {
		s.mu.RLock()
		_, exists := s.jobs[job.UUID]
		s.mu.RUnlock()
		if exists {
			return errors.Wrapf(storage.ErrDuplicateJob, "job %s", job.UUID)
		}
		mt.mu.Lock()
		mt.creates = append(mt.creates, c)
		mt.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if _, exists := s.jobs[job.UUID]; exists {
		return errors.Wrapf(storage.ErrDuplicateJob, "job %s", job.UUID)
	}
	return s.applyLocked(Changes{Jobs: []*types.Job{c}})
}

// LoadJob returns a copy of the stored job.
func (s *Store) LoadJob(ctx context.Context, uuid string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[uuid]
	if !ok {
		return nil, errors.Wrapf(storage.ErrJobNotFound, "job %s", uuid)
	}
	return j.Clone(), nil
}

// SaveJob replaces the stored job record.
func (s *Store) SaveJob(ctx context.Context, t storage.Tx, job *types.Job) error {
	mt, err := s.ownTx(t)
	if err != nil {
		return err
	}
	c := job.Clone()
	if mt != nil {
		mt.mu.Lock()
		mt.saves = append(mt.saves, c)
		mt.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if _, ok := s.jobs[job.UUID]; !ok {
		return errors.Wrapf(storage.ErrJobNotFound, "job %s", job.UUID)
	}
	return s.applyLocked(Changes{Jobs: []*types.Job{c}})
}

// AppendEvent assigns the next per-job sequence number and records the event.
func (s *Store) AppendEvent(ctx context.Context, t storage.Tx, event types.JobEvent) (types.JobEvent, error) {
	mt, err := s.ownTx(t)
	if err != nil {
		return types.JobEvent{}, err
	}
	if event.Created.IsZero() {
		event.Created = time.Now().UTC()
	}

	if mt != nil {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return types.JobEvent{}, storage.ErrClosed
		}
		s.seq[event.JobUUID]++
		event.Seq = s.seq[event.JobUUID]
		s.mu.Unlock()

		mt.mu.Lock()
		mt.events = append(mt.events, event)
		mt.mu.Unlock()
		return event, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.JobEvent{}, storage.ErrClosed
	}
	s.seq[event.JobUUID]++
	event.Seq = s.seq[event.JobUUID]
	if err := s.applyLocked(Changes{Events: []types.JobEvent{event}}); err != nil {
		return types.JobEvent{}, err
	}
	return event, nil
}

// ListJobs returns copies of the jobs in the given statuses, oldest first.
func (s *Store) ListJobs(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Job
	if len(statuses) == 0 {
		for _, j := range s.jobs {
			out = append(out, j.Clone())
		}
	} else {
		for _, st := range statuses {
			for uuid := range s.byStatus[st] {
				out = append(out, s.jobs[uuid].Clone())
			}
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Created.Equal(out[k].Created) {
			return out[i].UUID < out[k].UUID
		}
		return out[i].Created.Before(out[k].Created)
	})
	return out, nil
}

// ListEvents returns the job's history in sequence order.
func (s *Store) ListEvents(ctx context.Context, uuid string) ([]types.JobEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[uuid]; !ok {
		return nil, errors.Wrapf(storage.ErrJobNotFound, "job %s", uuid)
	}
	return append([]types.JobEvent(nil), s.events[uuid]...), nil
}

// PutCommand sets the pending command of a job. A pending CANCEL is only
// replaced by another CANCEL.
func (s *Store) PutCommand(ctx context.Context, jobUUID string, cmd types.CommandType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobUUID]; !ok {
		return errors.Wrapf(storage.ErrJobNotFound, "job %s", jobUUID)
	}
	if pending := s.commands[jobUUID]; pending == types.CommandCancel && cmd != types.CommandCancel {
		return errors.Wrapf(storage.ErrCancelPending, "job %s", jobUUID)
	}
	return s.applyLocked(Changes{Commands: map[string]types.CommandType{jobUUID: cmd}})
}

// PeekCommand returns the pending command without consuming it.
func (s *Store) PeekCommand(ctx context.Context, jobUUID string) (types.CommandType, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.commands[jobUUID]
	return cmd, ok, nil
}

// TakeCommand consumes the pending command.
func (s *Store) TakeCommand(ctx context.Context, jobUUID string) (types.CommandType, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[jobUUID]
	if !ok {
		return "", false, nil
	}
	if err := s.applyLocked(Changes{Commands: map[string]types.CommandType{jobUUID: ""}}); err != nil {
		return "", false, err
	}
	return cmd, true, nil
}

// DiscardCommand removes the pending command if it is cmd.
func (s *Store) DiscardCommand(ctx context.Context, jobUUID string, cmd types.CommandType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending, ok := s.commands[jobUUID]; !ok || pending != cmd {
		return false, nil
	}
	if err := s.applyLocked(Changes{Commands: map[string]types.CommandType{jobUUID: ""}}); err != nil {
		return false, err
	}
	return true, nil
}

// Stats counts jobs per status.
func (s *Store) Stats() map[types.JobStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.JobStatus]int, len(s.byStatus))
	for st, idx := range s.byStatus {
		if len(idx) > 0 {
			out[st] = len(idx)
		}
	}
	return out
}

// Snapshot is a point-in-time copy of the store contents.
type Snapshot struct {
	Jobs     map[string]*types.Job
	Events   map[string][]types.JobEvent
	Commands map[string]types.CommandType
}

// Snapshot copies the whole store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// SnapshotAt copies the whole store and calls mark while no commit can run,
// so the value mark returns describes exactly the copied state.
func (s *Store) SnapshotAt(mark func() uint64) (Snapshot, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(), mark()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Jobs:     make(map[string]*types.Job, len(s.jobs)),
		Events:   make(map[string][]types.JobEvent, len(s.events)),
		Commands: make(map[string]types.CommandType, len(s.commands)),
	}
	for id, j := range s.jobs {
		snap.Jobs[id] = j.Clone()
	}
	for id, evs := range s.events {
		snap.Events[id] = append([]types.JobEvent(nil), evs...)
	}
	for id, c := range s.commands {
		snap.Commands[id] = c
	}
	return snap
}

// Restore replaces the store contents. Sequence counters resume after the
// highest restored event of each job.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = make(map[string]*types.Job, len(snap.Jobs))
	s.byStatus = make(map[types.JobStatus]map[string]struct{})
	s.events = make(map[string][]types.JobEvent, len(snap.Events))
	s.seq = make(map[string]uint64, len(snap.Events))
	s.commands = make(map[string]types.CommandType, len(snap.Commands))

	for _, j := range snap.Jobs {
		s.putJobLocked(j.Clone())
	}
	for id, evs := range snap.Events {
		sorted := append([]types.JobEvent(nil), evs...)
		sort.Slice(sorted, func(i, k int) bool { return sorted[i].Seq < sorted[k].Seq })
		s.events[id] = sorted
		if n := len(sorted); n > 0 {
			s.seq[id] = sorted[n-1].Seq
		}
	}
	for id, c := range snap.Commands {
		s.commands[id] = c
	}
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
