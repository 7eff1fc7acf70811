// Package command delivers out-of-band cancel, pause and resume instructions
// to the worker that owns a job.
package command

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

var logger = log.WithField("component", "command")

var (
	ErrJobTerminal   = errors.New("job is in a terminal state")
	ErrNotSuspended  = errors.New("job is not paused or blocked")
	ErrAlreadyQueued = storage.ErrCancelPending
)

// JobLoader is the read side of the store used to validate commands.
type JobLoader interface {
	LoadJob(ctx context.Context, uuid string) (*types.Job, error)
}

// Channel is the per-job command mailbox.
type Channel struct {
	commands storage.CommandStore
	jobs     JobLoader
}

// NewChannel creates a channel backed by the store.
func NewChannel(commands storage.CommandStore, jobs JobLoader) *Channel {
	return &Channel{commands: commands, jobs: jobs}
}

// CheckCmdMsg returns an *recoverable.AsyncCmdError when a cancel or pause
// command is pending for the job. The command stays queued until Take.
func (c *Channel) CheckCmdMsg(ctx context.Context, jobUUID string) error {
	cmd, ok, err := c.commands.PeekCommand(ctx, jobUUID)
	if err != nil {
		return errors.Wrapf(err, "check commands for job %s", jobUUID)
	}
	if !ok {
		return nil
	}
	switch cmd {
	case types.CommandCancel, types.CommandPause:
		return &recoverable.AsyncCmdError{JobUUID: jobUUID, Command: cmd}
	}
	return nil
}

// Post queues a command for the job. A pending cancel is never replaced by a
// weaker command; the store enforces that when it writes.
func (c *Channel) Post(ctx context.Context, jobUUID string, cmd types.CommandType) error {
	job, err := c.jobs.LoadJob(ctx, jobUUID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return errors.Wrapf(ErrJobTerminal, "job %s is %s", jobUUID, job.Status)
	}
	if cmd == types.CommandResume && job.Status != types.StatusPaused && job.Status != types.StatusBlocked {
		return errors.Wrapf(ErrNotSuspended, "job %s is %s", jobUUID, job.Status)
	}

	if err := c.commands.PutCommand(ctx, jobUUID, cmd); err != nil {
		return errors.Wrapf(err, "post %s to job %s", cmd, jobUUID)
	}
	logger.WithFields(log.Fields{"job": jobUUID, "command": cmd}).Info("Command posted")
	return nil
}

// Take consumes the pending command, if any.
func (c *Channel) Take(ctx context.Context, jobUUID string) (types.CommandType, bool, error) {
	cmd, ok, err := c.commands.TakeCommand(ctx, jobUUID)
	if err != nil {
		return "", false, errors.Wrapf(err, "take command for job %s", jobUUID)
	}
	return cmd, ok, nil
}

// Discard drops the pending command only if it is still cmd.
func (c *Channel) Discard(ctx context.Context, jobUUID string, cmd types.CommandType) (bool, error) {
	ok, err := c.commands.DiscardCommand(ctx, jobUUID, cmd)
	if err != nil {
		return false, errors.Wrapf(err, "discard %s for job %s", cmd, jobUUID)
	}
	return ok, nil
}

// Peek returns the pending command without consuming it.
func (c *Channel) Peek(ctx context.Context, jobUUID string) (types.CommandType, bool, error) {
	return c.commands.PeekCommand(ctx, jobUUID)
}
