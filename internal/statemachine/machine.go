// ============================================================================
// Job state machine
// ============================================================================
//
// Package: internal/statemachine
// File: machine.go
// Purpose: Drive one job through its lifecycle, one state per Advance call.
//
// Lifecycle:
//   PENDING -> PROCESSING_INPUTS -> STAGING_INPUTS -> STAGING_JOB ->
//   SUBMITTING_JOB -> QUEUED -> RUNNING -> ARCHIVING -> FINISHED
//
// Side branches from any pipeline state:
//   BLOCKED    recoverable failure, re-entered through Resume
//   PAUSED     pause command, re-entered through Resume
//   CANCELLED  cancel command
//   FAILED     fatal failure or expired recovery
//
// Every status change and its NEW_STATUS event commit in one store
// transaction. The transaction is opened after the state's remote work is
// done, never across a remote wait.
//
// ============================================================================

package statemachine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/tapis-jobs/internal/events"
	"github.com/ChuLiYu/tapis-jobs/internal/execution"
	"github.com/ChuLiYu/tapis-jobs/internal/monitor"
	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/internal/transfer"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

var logger = log.WithField("component", "statemachine")

var (
	ErrTerminal          = errors.New("job is in a terminal state")
	ErrNotRunnable       = errors.New("job is suspended and must be resumed first")
	ErrNotSuspended      = errors.New("job is not blocked or paused")
	ErrNotBlocked        = errors.New("job is not blocked")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Outcome summarises what an Advance call did.
type Outcome string

const (
	OutcomeAdvanced  Outcome = "ADVANCED"
	OutcomeFinished  Outcome = "FINISHED"
	OutcomeBlocked   Outcome = "BLOCKED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeCancelled Outcome = "CANCELLED"
	OutcomePaused    Outcome = "PAUSED"
	OutcomeResumed   Outcome = "RESUMED"
)

// Result is the outcome of one state machine call. Recoverable is set for
// OutcomeBlocked; Cause carries the failure for Blocked and Failed.
type Result struct {
	Outcome     Outcome
	From        types.JobStatus
	To          types.JobStatus
	Recoverable *recoverable.Error
	Cause       error
}

// ExecutionResolver picks the execution client of a job.
type ExecutionResolver interface {
	New(job *types.Job) (execution.Client, error)
}

// Commands is the job's command mailbox.
type Commands interface {
	CheckCmdMsg(ctx context.Context, jobUUID string) error
	Take(ctx context.Context, jobUUID string) (types.CommandType, bool, error)
}

// ExecContext gives Advance access to the job's collaborators.
type ExecContext struct {
	Executions ExecutionResolver
	Transfers  transfer.Client
	Monitor    monitor.TransferMonitor
	Commands   Commands
}

// Observer receives lifecycle measurements. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveTransition(from, to types.JobStatus)
	ObserveBlocked(kind recoverable.Kind, activity types.BlockedActivity)
	ObserveAdvance(status types.JobStatus, outcome string, d time.Duration)
}

// Config tunes remote monitoring.
type Config struct {
	// RemotePollInterval is the wait between remote job status checks.
	RemotePollInterval time.Duration
}

// Machine runs the lifecycle. It is safe for concurrent use on different jobs.
type Machine struct {
	store    storage.Store
	recorder *events.Recorder
	cfg      Config
	observer Observer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a machine.
func New(store storage.Store, recorder *events.Recorder, cfg Config) *Machine {
	if cfg.RemotePollInterval <= 0 {
		cfg.RemotePollInterval = 5 * time.Second
	}
	return &Machine{
		store:    store,
		recorder: recorder,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
}

// SetObserver installs a metrics observer.
func (m *Machine) SetObserver(o Observer) {
	m.observer = o
}

// storeError marks persistence failures raised while a state's work runs.
// They are infrastructure errors and never change the job's status.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// Advance performs the unit of work of the job's current state and moves it
// to the next status. job is updated in place to the persisted state.
func (m *Machine) Advance(ctx context.Context, job *types.Job, ec *ExecContext) (Result, error) {
	from := job.Status
	switch {
	case from.IsTerminal():
		return Result{From: from, To: from}, errors.Wrapf(ErrTerminal, "job %s is %s", job.UUID, from)
	case !from.IsPipelineState():
		return Result{From: from, To: from}, errors.Wrapf(ErrNotRunnable, "job %s is %s", job.UUID, from)
	}

	start := m.now()
	res, err := m.advance(ctx, job, ec, from)
	if m.observer != nil && err == nil {
		m.observer.ObserveAdvance(from, string(res.Outcome), m.now().Sub(start))
	}
	return res, err
}

func (m *Machine) advance(ctx context.Context, job *types.Job, ec *ExecContext, from types.JobStatus) (Result, error) {
	entry := logger.WithFields(log.Fields{"job": job.UUID, "status": from})

	if err := ec.Commands.CheckCmdMsg(ctx, job.UUID); err != nil {
		if _, ok := recoverable.AsAsyncCmd(err); ok {
			return m.interrupt(ctx, job, ec, from, err, true)
		}
		return Result{From: from, To: from}, err
	}

	if err := m.work(ctx, job, ec, from); err != nil {
		return m.fail(ctx, job, ec, from, err)
	}

	to, _ := from.Next()
	if err := m.transition(ctx, job, to, nil, nil); err != nil {
		return Result{From: from, To: from}, err
	}
	entry.WithField("new_status", to).Info("Job advanced")
	if to.IsTerminal() {
		return Result{Outcome: OutcomeFinished, From: from, To: to}, nil
	}
	return Result{Outcome: OutcomeAdvanced, From: from, To: to}, nil
}

// Run advances the job until it stops making progress: it finishes, blocks,
// fails, is cancelled or paused, or an infrastructure error occurs.
func (m *Machine) Run(ctx context.Context, job *types.Job, ec *ExecContext) (Result, error) {
	for {
		res, err := m.Advance(ctx, job, ec)
		if err != nil || res.Outcome != OutcomeAdvanced {
			return res, err
		}
	}
}

// fail classifies a failed unit of work.
func (m *Machine) fail(ctx context.Context, job *types.Job, ec *ExecContext, from types.JobStatus, err error) (Result, error) {
	var se *storeError
	if errors.As(err, &se) {
		return Result{From: from, To: from}, se.err
	}
	if ctx.Err() != nil {
		return Result{From: from, To: from}, errors.Wrapf(ctx.Err(), "job %s interrupted in %s", job.UUID, from)
	}
	if _, ok := recoverable.AsAsyncCmd(err); ok {
		return m.interrupt(ctx, job, ec, from, err, false)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = recoverable.NewServiceConnection("operation timed out", err, nil)
	}
	if recoverable.IsRecoverable(err) {
		return m.block(ctx, job, from, err)
	}
	return m.fatal(ctx, job, from, err, recoverable.Messages(err), err.Error())
}

// interrupt applies a pending cancel or pause command. When the command was
// seen before any work started, in-flight transfers are cancelled here since
// no monitor observed it.
func (m *Machine) interrupt(ctx context.Context, job *types.Job, ec *ExecContext, from types.JobStatus,
	err error, cancelTransfers bool) (Result, error) {
	cmdErr, _ := recoverable.AsAsyncCmd(err)
	cmd := cmdErr.Command
	taken, ok, terr := ec.Commands.Take(ctx, job.UUID)
	if terr != nil {
		return Result{From: from, To: from}, terr
	}
	if ok && (taken == types.CommandCancel || taken == types.CommandPause) {
		cmd = taken
	}
	entry := logger.WithFields(log.Fields{"job": job.UUID, "status": from, "command": cmd})

	if cmd == types.CommandPause {
		err := m.transition(ctx, job, types.StatusPaused, func(j *types.Job) {
			j.ResumeStatus = from
			j.LastMessage = "Job paused by request."
		}, nil)
		if err != nil {
			return Result{From: from, To: from}, err
		}
		entry.Info("Job paused")
		return Result{Outcome: OutcomePaused, From: from, To: types.StatusPaused}, nil
	}

	m.cancelRemote(ctx, job, ec, from, cancelTransfers)
	err = m.transition(ctx, job, types.StatusCancelled, func(j *types.Job) {
		j.LastMessage = "Job cancelled by request."
	}, nil)
	if err != nil {
		return Result{From: from, To: from}, err
	}
	entry.Info("Job cancelled")
	return Result{Outcome: OutcomeCancelled, From: from, To: types.StatusCancelled}, nil
}

// cancelRemote stops remote activity of a job in state s. Failures are logged;
// the job is cancelled regardless.
func (m *Machine) cancelRemote(ctx context.Context, job *types.Job, ec *ExecContext, s types.JobStatus, transfers bool) {
	entry := logger.WithField("job", job.UUID)
	if s.IsExecuting() && job.RemoteJobID != "" {
		client, err := ec.Executions.New(job)
		if err == nil {
			err = client.Cancel(ctx, job)
		}
		if err != nil {
			entry.WithError(err).Warn("Unable to cancel remote job")
		}
	}
	if !transfers {
		return
	}
	var transferID string
	switch s {
	case types.StatusStagingInputs:
		transferID = job.InputTransactionID
	case types.StatusArchiving:
		transferID = job.ArchiveTransactionID
	}
	if transferID != "" {
		if err := ec.Transfers.CancelTransfer(ctx, transferID); err != nil {
			entry.WithError(err).WithField("transfer", transferID).Warn("Unable to cancel transfer")
		}
	}
}

// block moves the job to BLOCKED with everything needed to resume it.
func (m *Machine) block(ctx context.Context, job *types.Job, from types.JobStatus, err error) (Result, error) {
	rec, _ := recoverable.As(err)
	activity := types.ActivityFor(from)
	if from == types.StatusProcessingInputs &&
		(rec.Activity == types.ActivityCheckSystems || rec.Activity == types.ActivityCheckQuota) {
		activity = rec.Activity
	}
	rec = rec.WithActivity(activity)
	since := m.now()

	terr := m.transition(ctx, job, types.StatusBlocked, func(j *types.Job) {
		j.BlockedCount++
		j.ResumeStatus = from
		j.BlockedActivity = activity
		j.BlockedKind = string(rec.Kind)
		j.BlockedSince = &since
		j.RecoveryMessage = rec.RecoveryMessage
		j.LastMessage = err.Error()
	}, nil)
	if terr != nil {
		return Result{From: from, To: from}, terr
	}
	if m.observer != nil {
		m.observer.ObserveBlocked(rec.Kind, activity)
	}
	logger.WithError(err).WithFields(log.Fields{
		"job":      job.UUID,
		"status":   from,
		"activity": activity,
		"kind":     rec.Kind,
		"blocked":  job.BlockedCount,
	}).Warn("Job blocked on recoverable failure")
	return Result{Outcome: OutcomeBlocked, From: from, To: types.StatusBlocked, Recoverable: rec, Cause: err}, nil
}

// fatal records the message stack and fails the job in one transaction.
func (m *Machine) fatal(ctx context.Context, job *types.Job, from types.JobStatus, cause error,
	messages []string, lastMessage string) (Result, error) {
	err := m.transition(ctx, job, types.StatusFailed, func(j *types.Job) {
		j.LastMessage = lastMessage
	}, func(tx storage.Tx) error {
		_, err := m.recorder.RecordErrorEvent(ctx, tx, job, from, messages)
		return err
	})
	if err != nil {
		return Result{From: from, To: from}, err
	}
	logger.WithError(cause).WithFields(log.Fields{"job": job.UUID, "status": from}).Error("Job failed")
	return Result{Outcome: OutcomeFailed, From: from, To: types.StatusFailed, Cause: cause}, nil
}

// Resume moves a BLOCKED or PAUSED job back to the state it was suspended in.
func (m *Machine) Resume(ctx context.Context, job *types.Job) (Result, error) {
	from := job.Status
	if from != types.StatusBlocked && from != types.StatusPaused {
		return Result{From: from, To: from}, errors.Wrapf(ErrNotSuspended, "job %s is %s", job.UUID, from)
	}
	to := job.ResumeStatus
	if to == "" {
		to = job.BlockedActivity.Status()
	}
	if to == "" {
		return Result{From: from, To: from}, errors.Wrapf(ErrIllegalTransition,
			"job %s has no status to resume to", job.UUID)
	}
	err := m.transition(ctx, job, to, func(j *types.Job) {
		j.ResumeStatus = ""
		j.BlockedActivity = ""
		j.BlockedKind = ""
		j.BlockedSince = nil
		j.RecoveryMessage = nil
	}, nil)
	if err != nil {
		return Result{From: from, To: from}, err
	}
	logger.WithFields(log.Fields{"job": job.UUID, "status": to}).Info("Job resumed")
	return Result{Outcome: OutcomeResumed, From: from, To: to}, nil
}

// Cancel cancels a job no worker is processing, such as a BLOCKED or PAUSED
// job. Remote activity left behind by the suspended state is stopped.
func (m *Machine) Cancel(ctx context.Context, job *types.Job, ec *ExecContext, reason string) (Result, error) {
	from := job.Status
	if from.IsTerminal() {
		return Result{From: from, To: from}, errors.Wrapf(ErrTerminal, "job %s is %s", job.UUID, from)
	}
	suspended := from
	if (from == types.StatusBlocked || from == types.StatusPaused) && job.ResumeStatus != "" {
		suspended = job.ResumeStatus
	}
	m.cancelRemote(ctx, job, ec, suspended, true)

	err := m.transition(ctx, job, types.StatusCancelled, func(j *types.Job) {
		j.LastMessage = reason
	}, nil)
	if err != nil {
		return Result{From: from, To: from}, err
	}
	logger.WithFields(log.Fields{"job": job.UUID, "status": from}).Info("Job cancelled")
	return Result{Outcome: OutcomeCancelled, From: from, To: types.StatusCancelled}, nil
}

// Expire fails a BLOCKED job whose recovery budget is spent. The ERROR_MESSAGE
// event lists the messages of cause followed by reason.
func (m *Machine) Expire(ctx context.Context, job *types.Job, cause error, reason string) (Result, error) {
	from := job.Status
	if from != types.StatusBlocked {
		return Result{From: from, To: from}, errors.Wrapf(ErrNotBlocked, "job %s is %s", job.UUID, from)
	}
	expired := recoverable.Expired(cause, reason)
	messages := append(recoverable.Messages(cause), reason)
	return m.fatal(ctx, job, from, expired, messages, reason)
}

// transition moves job to status to. mutate applies further field changes and
// extra writes more records in the same transaction. On any failure job is
// left exactly as it was.
func (m *Machine) transition(ctx context.Context, job *types.Job, to types.JobStatus,
	mutate func(*types.Job), extra func(storage.Tx) error) error {
	from := job.Status
	if !types.CanTransition(from, to) {
		return errors.Wrapf(ErrIllegalTransition, "job %s: %s -> %s", job.UUID, from, to)
	}

	saved := job.Clone()
	now := m.now()
	if mutate != nil {
		mutate(job)
	}
	job.Status = to
	job.LastUpdated = now
	if to.IsTerminal() {
		job.Ended = &now
	}

	if err := m.commit(ctx, job, from, to, extra); err != nil {
		*job = *saved
		return err
	}
	if m.observer != nil {
		m.observer.ObserveTransition(from, to)
	}
	return nil
}

func (m *Machine) commit(ctx context.Context, job *types.Job, from, to types.JobStatus, extra func(storage.Tx) error) error {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return errors.Wrapf(err, "begin transition of job %s", job.UUID)
	}
	defer storage.Rollback(tx)

	if extra != nil {
		if err := extra(tx); err != nil {
			return err
		}
	}
	if _, err := m.recorder.RecordStatusEvent(ctx, tx, job, to, &from); err != nil {
		return err
	}
	if err := m.store.SaveJob(ctx, tx, job); err != nil {
		return errors.Wrapf(err, "save job %s", job.UUID)
	}
	return errors.Wrapf(tx.Commit(), "commit transition of job %s to %s", job.UUID, to)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
