// Package monitor blocks a job's worker until a Files transfer finishes.
//
// Two strategies share the TransferMonitor contract. The polling monitor is
// always available; the event-driven monitor is reserved for push based
// completion and currently reports itself unavailable. NewTransferMonitor
// picks the first available candidate.
package monitor

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

var (
	ErrMonitorUnavailable = errors.New("transfer monitor is not available")
	ErrNoMonitorAvailable = errors.New("no transfer monitor is available")
)

// TransferMonitor waits for a transfer to reach a terminal state.
type TransferMonitor interface {
	Name() string
	IsAvailable() bool
	// MonitorTransfer returns nil once the transfer completed. It returns a
	// *recoverable.AsyncCmdError when a cancel or pause command interrupts
	// the wait and a *recoverable.JobError when the transfer did not complete.
	MonitorTransfer(ctx context.Context, job *types.Job, transferID, correlationID string) error
}

// CommandChecker is the cooperative cancellation point consulted before each
// remote status query.
type CommandChecker interface {
	CheckCmdMsg(ctx context.Context, jobUUID string) error
}

// NewTransferMonitor returns the first available candidate in priority order.
func NewTransferMonitor(candidates ...TransferMonitor) (TransferMonitor, error) {
	for _, m := range candidates {
		if m != nil && m.IsAvailable() {
			logger.WithField("monitor", m.Name()).Info("Transfer monitor selected")
			return m, nil
		}
	}
	return nil, ErrNoMonitorAvailable
}

// EventDrivenMonitor would complete on Files service notifications. No
// notification source exists yet.
type EventDrivenMonitor struct{}

func (EventDrivenMonitor) Name() string      { return "event-driven" }
func (EventDrivenMonitor) IsAvailable() bool { return false }

func (EventDrivenMonitor) MonitorTransfer(ctx context.Context, job *types.Job, transferID, correlationID string) error {
	return errors.Wrapf(ErrMonitorUnavailable, "event-driven monitoring of transfer %s", transferID)
}
