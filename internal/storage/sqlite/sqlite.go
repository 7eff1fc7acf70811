// Package sqlite implements storage.Store on an embedded SQLite database.
//
// Jobs are stored as JSON documents next to the indexed status column, events
// and pending commands in their own tables. A storage.Tx is a database
// transaction, so a status update and its history event commit atomically.
// The pool is limited to one connection; callers holding a Tx must route all
// their reads and writes through it.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

var logger = log.WithField("component", "sqlite")

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	uuid    TEXT PRIMARY KEY,
	status  TEXT NOT NULL,
	created INTEGER NOT NULL,
	body    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status ON jobs(status);
CREATE TABLE IF NOT EXISTS job_events (
	job_uuid    TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	event_type  TEXT NOT NULL,
	status      TEXT NOT NULL,
	oth_uuid    TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL,
	created     INTEGER NOT NULL,
	PRIMARY KEY (job_uuid, seq)
);
CREATE TABLE IF NOT EXISTS job_commands (
	job_uuid TEXT PRIMARY KEY,
	command  TEXT NOT NULL
);`

// Store is a SQLite backed job store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "could not make directory at %s for sqlite db", dir)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite DB from %s", path)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL journal")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	logger.WithField("path", path).Info("SQLite store opened")
	return &Store{db: db}, nil
}

type tx struct {
	*sql.Tx
	store *Store
}

func (t *tx) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return storage.ErrTxDone
		}
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (t *tx) Rollback() error {
	if err := t.Tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return storage.ErrTxDone
		}
		return errors.Wrap(err, "rollback")
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) querier(t storage.Tx) (querier, error) {
	if t == nil {
		return s.db, nil
	}
	st, ok := t.(*tx)
	if !ok || st.store != s {
		return nil, storage.ErrForeignTx
	}
	return st.Tx, nil
}

// Begin starts a database transaction.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	t, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	return &tx{Tx: t, store: s}, nil
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, t storage.Tx, job *types.Job) error {
	q, err := s.querier(t)
	if err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	_, err = q.ExecContext(ctx,
		"INSERT INTO jobs (uuid, status, created, body) VALUES (?, ?, ?, ?)",
		job.UUID, string(job.Status), job.Created.UnixNano(), string(body))
	if err != nil {
		if isConstraint(err) {
			return errors.Wrapf(storage.ErrDuplicateJob, "job %s", job.UUID)
		}
		return errors.Wrapf(err, "insert job %s", job.UUID)
	}
	return nil
}

// LoadJob reads one job.
func (s *Store) LoadJob(ctx context.Context, uuid string) (*types.Job, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM jobs WHERE uuid = ?", uuid).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(storage.ErrJobNotFound, "job %s", uuid)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select job %s", uuid)
	}
	return decodeJob(body)
}

// SaveJob updates a job in place.
func (s *Store) SaveJob(ctx context.Context, t storage.Tx, job *types.Job) error {
	q, err := s.querier(t)
	if err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	res, err := q.ExecContext(ctx, "UPDATE jobs SET status = ?, body = ? WHERE uuid = ?",
		string(job.Status), string(body), job.UUID)
	if err != nil {
		return errors.Wrapf(err, "update job %s", job.UUID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(storage.ErrJobNotFound, "job %s", job.UUID)
	}
	return nil
}

// ListJobs returns the jobs in the given statuses, oldest first.
func (s *Store) ListJobs(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error) {
	query := "SELECT body FROM jobs"
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(marks, ", ") + ")"
	}
	query += " ORDER BY created, uuid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		job, err := decodeJob(body)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, errors.Wrap(rows.Err(), "list jobs")
}

// AppendEvent inserts an event with the next per-job sequence number. Without
// a Tx the read of the current sequence and the insert run in their own
// transaction.
func (s *Store) AppendEvent(ctx context.Context, t storage.Tx, event types.JobEvent) (types.JobEvent, error) {
	if t == nil {
		own, err := s.Begin(ctx)
		if err != nil {
			return types.JobEvent{}, err
		}
		defer storage.Rollback(own)
		ev, err := s.AppendEvent(ctx, own, event)
		if err != nil {
			return types.JobEvent{}, err
		}
		return ev, own.Commit()
	}

	q, err := s.querier(t)
	if err != nil {
		return types.JobEvent{}, err
	}
	if event.Created.IsZero() {
		event.Created = time.Now().UTC()
	}
	var last int64
	err = q.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM job_events WHERE job_uuid = ?",
		event.JobUUID).Scan(&last)
	if err != nil {
		return types.JobEvent{}, errors.Wrap(err, "next event sequence")
	}
	event.Seq = uint64(last) + 1
	_, err = q.ExecContext(ctx,
		`INSERT INTO job_events (job_uuid, seq, event_type, status, oth_uuid, description, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.JobUUID, int64(event.Seq), string(event.EventType), string(event.Status),
		event.OthUUID, event.Description, event.Created.UnixNano())
	if err != nil {
		return types.JobEvent{}, errors.Wrapf(err, "insert event for job %s", event.JobUUID)
	}
	return event, nil
}

// ListEvents returns a job's history in sequence order.
func (s *Store) ListEvents(ctx context.Context, uuid string) ([]types.JobEvent, error) {
	if _, err := s.LoadJob(ctx, uuid); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, event_type, status, oth_uuid, description, created
		 FROM job_events WHERE job_uuid = ? ORDER BY seq`, uuid)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	var out []types.JobEvent
	for rows.Next() {
		var (
			seq             int64
			evType, status  string
			oth, descr      string
			createdUnixNano int64
		)
		if err := rows.Scan(&seq, &evType, &status, &oth, &descr, &createdUnixNano); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, types.JobEvent{
			Seq:         uint64(seq),
			JobUUID:     uuid,
			EventType:   types.JobEventType(evType),
			Status:      types.JobStatus(status),
			OthUUID:     oth,
			Description: descr,
			Created:     time.Unix(0, createdUnixNano).UTC(),
		})
	}
	return out, errors.Wrap(rows.Err(), "list events")
}

// PutCommand sets the job's pending command. A pending CANCEL is only
// replaced by another CANCEL.
func (s *Store) PutCommand(ctx context.Context, jobUUID string, cmd types.CommandType) error {
	if _, err := s.LoadJob(ctx, jobUUID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_commands (job_uuid, command) VALUES (?, ?)
		 ON CONFLICT(job_uuid) DO UPDATE SET command = excluded.command
		 WHERE job_commands.command <> ? OR excluded.command = ?`,
		jobUUID, string(cmd), string(types.CommandCancel), string(types.CommandCancel))
	if err != nil {
		return errors.Wrapf(err, "put command for job %s", jobUUID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "put command for job %s", jobUUID)
	}
	if n == 0 {
		return errors.Wrapf(storage.ErrCancelPending, "job %s", jobUUID)
	}
	return nil
}

// PeekCommand returns the pending command without consuming it.
func (s *Store) PeekCommand(ctx context.Context, jobUUID string) (types.CommandType, bool, error) {
	var cmd string
	err := s.db.QueryRowContext(ctx, "SELECT command FROM job_commands WHERE job_uuid = ?", jobUUID).Scan(&cmd)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "peek command for job %s", jobUUID)
	}
	return types.CommandType(cmd), true, nil
}

// TakeCommand consumes the pending command.
func (s *Store) TakeCommand(ctx context.Context, jobUUID string) (types.CommandType, bool, error) {
	t, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, errors.Wrap(err, "begin")
	}
	defer t.Rollback()

	var cmd string
	err = t.QueryRowContext(ctx, "SELECT command FROM job_commands WHERE job_uuid = ?", jobUUID).Scan(&cmd)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "take command for job %s", jobUUID)
	}
	if _, err := t.ExecContext(ctx, "DELETE FROM job_commands WHERE job_uuid = ?", jobUUID); err != nil {
		return "", false, errors.Wrapf(err, "take command for job %s", jobUUID)
	}
	if err := t.Commit(); err != nil {
		return "", false, errors.Wrap(err, "commit")
	}
	return types.CommandType(cmd), true, nil
}

// DiscardCommand removes the pending command if it is cmd.
func (s *Store) DiscardCommand(ctx context.Context, jobUUID string, cmd types.CommandType) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM job_commands WHERE job_uuid = ? AND command = ?", jobUUID, string(cmd))
	if err != nil {
		return false, errors.Wrapf(err, "discard command for job %s", jobUUID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "discard command for job %s", jobUUID)
	}
	return n > 0, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func decodeJob(body string) (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, errors.Wrap(err, "decode job")
	}
	return &job, nil
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
