// Package storage defines the persistence contract of the job lifecycle core.
//
// Every backend stores three things: the current job record, the append-only
// event history of each job and at most one pending asynchronous command per
// job. Writes may be grouped in a Tx so that a status change and its history
// event commit together; a nil Tx means "commit on your own".
package storage

import (
	"context"
	"errors"

	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrDuplicateJob = errors.New("job already exists")
	ErrTxDone       = errors.New("transaction already committed or rolled back")
	ErrForeignTx    = errors.New("transaction belongs to another store")
	ErrClosed       = errors.New("store is closed")

	// ErrCancelPending is returned by PutCommand when a weaker command would
	// replace a pending CANCEL.
	ErrCancelPending = errors.New("a cancel command is already pending")
)

// Tx is a handle on a group of writes.
type Tx interface {
	Commit() error
	Rollback() error
}

// EventAppender persists history events and assigns their per-job sequence.
type EventAppender interface {
	AppendEvent(ctx context.Context, tx Tx, event types.JobEvent) (types.JobEvent, error)
}

// CommandStore holds pending asynchronous commands, one per job. PutCommand
// replaces the pending command unless it is a CANCEL and cmd is not; that
// check and the write are a single atomic step.
type CommandStore interface {
	PutCommand(ctx context.Context, jobUUID string, cmd types.CommandType) error
	PeekCommand(ctx context.Context, jobUUID string) (types.CommandType, bool, error)
	TakeCommand(ctx context.Context, jobUUID string) (types.CommandType, bool, error)
	// DiscardCommand removes the pending command only if it equals cmd.
	DiscardCommand(ctx context.Context, jobUUID string, cmd types.CommandType) (bool, error)
}

// Store is the full persistence contract.
type Store interface {
	EventAppender
	CommandStore

	Begin(ctx context.Context) (Tx, error)
	CreateJob(ctx context.Context, tx Tx, job *types.Job) error
	LoadJob(ctx context.Context, uuid string) (*types.Job, error)
	SaveJob(ctx context.Context, tx Tx, job *types.Job) error
	ListJobs(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error)
	ListEvents(ctx context.Context, uuid string) ([]types.JobEvent, error)
	Close() error
}

// Rollback aborts tx, ignoring ErrTxDone. It is meant for deferred cleanup.
func Rollback(tx Tx) {
	if tx == nil {
		return
	}
	_ = tx.Rollback()
}

// MatchStatus reports whether s is one of statuses; an empty filter matches all.
func MatchStatus(s types.JobStatus, statuses []types.JobStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
