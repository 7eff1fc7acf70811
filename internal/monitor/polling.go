package monitor

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/internal/transfer"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

var logger = log.WithField("component", "monitor")

// PollingConfig controls the interval between status queries. With a
// BackoffFactor above 1 the interval grows after every non-terminal poll,
// capped at MaxPollInterval.
type PollingConfig struct {
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	BackoffFactor   float64
}

// DefaultPollingConfig polls every five seconds.
func DefaultPollingConfig() PollingConfig {
	return PollingConfig{PollInterval: 5 * time.Second, MaxPollInterval: 5 * time.Second, BackoffFactor: 1}
}

// PollObserver is told about every status observed.
type PollObserver interface {
	ObserveTransferPoll(status string)
}

// PollingMonitor queries the Files service until the transfer terminates.
type PollingMonitor struct {
	transfers transfer.Client
	commands  CommandChecker
	cfg       PollingConfig
	observer  PollObserver

	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ TransferMonitor = (*PollingMonitor)(nil)

// NewPollingMonitor creates a polling monitor. observer may be nil.
func NewPollingMonitor(transfers transfer.Client, commands CommandChecker, cfg PollingConfig, observer PollObserver) *PollingMonitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollingConfig().PollInterval
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = cfg.PollInterval
	}
	return &PollingMonitor{
		transfers: transfers,
		commands:  commands,
		cfg:       cfg,
		observer:  observer,
		sleep:     sleepContext,
	}
}

func (m *PollingMonitor) Name() string      { return "polling" }
func (m *PollingMonitor) IsAvailable() bool { return true }

// MonitorTransfer polls until the transfer terminates. Commands are checked
// before every status query, so a cancel is observed within one interval.
func (m *PollingMonitor) MonitorTransfer(ctx context.Context, job *types.Job, transferID, correlationID string) error {
	entry := logger.WithFields(log.Fields{"job": job.UUID, "transfer": transferID, "tag": correlationID})
	interval := m.cfg.PollInterval

	for {
		if err := m.commands.CheckCmdMsg(ctx, job.UUID); err != nil {
			if cmd, ok := recoverable.AsAsyncCmd(err); ok && cmd.Command == types.CommandCancel {
				if cerr := m.transfers.CancelTransfer(ctx, transferID); cerr != nil {
					entry.WithError(cerr).Warn("Unable to cancel transfer")
				} else {
					entry.Info("Transfer cancelled on job cancel")
				}
			}
			return err
		}

		task, err := m.transfers.GetTransferTask(ctx, transferID)
		if err != nil {
			return err
		}
		if task == nil {
			return recoverable.NewJobError("Files service returned no task for transfer %s of job %s", transferID, job.UUID)
		}
		if task.Status == "" {
			return recoverable.NewJobError("Files service returned no status for transfer %s of job %s", transferID, job.UUID)
		}
		if m.observer != nil {
			m.observer.ObserveTransferPoll(string(task.Status))
		}

		switch task.Status {
		case transfer.StatusCompleted:
			entry.Info("Transfer completed")
			return nil
		case transfer.StatusFailed, transfer.StatusFailedOpt, transfer.StatusCancelled:
			msg := "transfer %s of job %s did not complete, its status is %s"
			if task.ErrorMessage != "" {
				return recoverable.NewJobError(msg+": %s", transferID, job.UUID, task.Status, task.ErrorMessage)
			}
			return recoverable.NewJobError(msg, transferID, job.UUID, task.Status)
		}

		entry.WithField("status", task.Status).Debug("Transfer in progress")
		if err := m.sleep(ctx, interval); err != nil {
			return err
		}
		interval = time.Duration(float64(interval) * m.cfg.BackoffFactor)
		if interval > m.cfg.MaxPollInterval {
			interval = m.cfg.MaxPollInterval
		}
	}
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
