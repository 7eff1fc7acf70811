package statemachine

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/tapis-jobs/internal/execution"
	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

// work runs the unit of work of state s. Each unit is safe to repeat after a
// BLOCKED or PAUSED interruption: started transfers and submitted remote jobs
// are recorded on the job and reused.
func (m *Machine) work(ctx context.Context, job *types.Job, ec *ExecContext, s types.JobStatus) error {
	switch s {
	case types.StatusPending:
		return nil

	case types.StatusProcessingInputs:
		client, err := ec.Executions.New(job)
		if err != nil {
			return err
		}
		return client.OpenSession(ctx, job)

	case types.StatusStagingInputs:
		if len(job.InputTransfers) == 0 {
			return nil
		}
		return m.transferStage(ctx, job, ec, job.InputTransfers, &job.InputTransactionID, m.recorder.RecordStagingInputsEvent)

	case types.StatusStagingJob:
		client, err := ec.Executions.New(job)
		if err != nil {
			return err
		}
		if err := client.OpenSession(ctx, job); err != nil {
			return err
		}
		if err := ec.Commands.CheckCmdMsg(ctx, job.UUID); err != nil {
			return err
		}
		return client.Stage(ctx, job)

	case types.StatusSubmittingJob:
		return m.submit(ctx, job, ec)

	case types.StatusQueued:
		return m.monitorRemote(ctx, job, ec, false)

	case types.StatusRunning:
		return m.monitorRemote(ctx, job, ec, true)

	case types.StatusArchiving:
		if job.ArchiveTransfer == nil {
			return nil
		}
		return m.transferStage(ctx, job, ec, []types.FileTransfer{*job.ArchiveTransfer},
			&job.ArchiveTransactionID, m.recorder.RecordArchivingEvent)
	}
	return recoverable.NewJobError("no work defined for status %s", s)
}

type transferRecorder func(ctx context.Context, tx storage.Tx, job *types.Job, transferID string) (types.JobEvent, error)

// transferStage starts the transfer once, persisting its id with the
// transaction event, then waits for it.
func (m *Machine) transferStage(ctx context.Context, job *types.Job, ec *ExecContext,
	elements []types.FileTransfer, transferID *string, record transferRecorder) error {
	correlationID := job.UUID + ":" + string(job.Status)
	if *transferID == "" {
		id, err := ec.Transfers.StartTransfer(ctx, correlationID, elements)
		if err != nil {
			return err
		}
		if err := m.saveTransferID(ctx, job, transferID, id, record); err != nil {
			return err
		}
	}
	return ec.Monitor.MonitorTransfer(ctx, job, *transferID, correlationID)
}

func (m *Machine) saveTransferID(ctx context.Context, job *types.Job, field *string, id string, record transferRecorder) error {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return &storeError{err}
	}
	defer storage.Rollback(tx)

	*field = id
	fail := func(err error) error {
		*field = ""
		return &storeError{err}
	}
	if _, err := record(ctx, tx, job, id); err != nil {
		return fail(err)
	}
	if err := m.store.SaveJob(ctx, tx, job); err != nil {
		return fail(err)
	}
	if err := tx.Commit(); err != nil {
		return fail(err)
	}
	logger.WithFields(log.Fields{"job": job.UUID, "transfer": id}).Info("Transfer requested")
	return nil
}

// submit launches the remote job unless an earlier attempt already did. A
// failed attempt is counted before the failure is classified.
func (m *Machine) submit(ctx context.Context, job *types.Job, ec *ExecContext) error {
	if job.RemoteJobID != "" {
		return nil
	}
	client, err := ec.Executions.New(job)
	if err != nil {
		return err
	}
	id, err := client.Submit(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		job.RemoteSubmitRetries++
		if serr := m.store.SaveJob(ctx, nil, job); serr != nil {
			return &storeError{serr}
		}
		return err
	}
	job.RemoteJobID = id
	logger.WithFields(log.Fields{"job": job.UUID, "remote": id}).Info("Job submitted")
	return nil
}

// monitorRemote polls the remote job. In QUEUED it returns once the job left
// the queue; in RUNNING once the job ended.
func (m *Machine) monitorRemote(ctx context.Context, job *types.Job, ec *ExecContext, active bool) error {
	client, err := ec.Executions.New(job)
	if err != nil {
		return err
	}
	entry := logger.WithFields(log.Fields{"job": job.UUID, "remote": job.RemoteJobID})
	for {
		if err := ec.Commands.CheckCmdMsg(ctx, job.UUID); err != nil {
			return err
		}

		var st execution.RemoteStatus
		if active {
			st, err = client.MonitorActiveJob(ctx, job)
		} else {
			st, err = client.MonitorInactiveJob(ctx, job)
		}
		if err != nil {
			job.RemoteChecksFailed++
			return err
		}
		job.RemoteChecksSuccess++
		entry.WithField("remote_status", st).Debug("Remote job checked")

		switch {
		case !active && !st.IsQueued():
			return nil
		case active && st == execution.RemoteSucceeded:
			job.RemoteOutcome = string(types.StatusFinished)
			return nil
		case active && st == execution.RemoteFailed:
			job.RemoteOutcome = string(types.StatusFailed)
			return recoverable.NewJobError("remote job %s of job %s failed", job.RemoteJobID, job.UUID)
		case active && st == execution.RemoteCancelled:
			job.RemoteOutcome = string(types.StatusCancelled)
			return recoverable.NewJobError("remote job %s of job %s was cancelled on the execution system",
				job.RemoteJobID, job.UUID)
		}

		if err := m.sleep(ctx, m.cfg.RemotePollInterval); err != nil {
			return err
		}
	}
}
