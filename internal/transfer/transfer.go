// Package transfer is the client side of the Files service transfer API used
// to stage job inputs and archive job outputs.
package transfer

import (
	"context"

	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

// TaskStatus is the state of a Files transfer task.
type TaskStatus string

const (
	StatusAccepted   TaskStatus = "ACCEPTED"
	StatusStaging    TaskStatus = "STAGING"
	StatusStaged     TaskStatus = "STAGED"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusPaused     TaskStatus = "PAUSED"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
	StatusFailedOpt  TaskStatus = "FAILED_OPT"
	StatusCancelled  TaskStatus = "CANCELLED"
)

// IsTerminal reports whether the task can no longer change.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusFailedOpt, StatusCancelled:
		return true
	}
	return false
}

// Task is the Files service view of one transfer request. The core only
// reads it.
type Task struct {
	UUID         string     `json:"uuid"`
	Tag          string     `json:"tag"`
	Status       TaskStatus `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Client starts, observes and cancels transfers. tag is the correlation id
// tying the transfer to the job.
type Client interface {
	StartTransfer(ctx context.Context, tag string, elements []types.FileTransfer) (string, error)
	GetTransferTask(ctx context.Context, transferID string) (*Task, error)
	CancelTransfer(ctx context.Context, transferID string) error
}
