// Package types defines the domain model shared by the job lifecycle core:
// jobs, their statuses and the immutable history events recorded for them.
package types

import (
	"fmt"
	"time"
)

// JobStatus is a job lifecycle state.
type JobStatus string

const (
	StatusPending          JobStatus = "PENDING"
	StatusProcessingInputs JobStatus = "PROCESSING_INPUTS"
	StatusStagingInputs    JobStatus = "STAGING_INPUTS"
	StatusStagingJob       JobStatus = "STAGING_JOB"
	StatusSubmittingJob    JobStatus = "SUBMITTING_JOB"
	StatusQueued           JobStatus = "QUEUED"
	StatusRunning          JobStatus = "RUNNING"
	StatusArchiving        JobStatus = "ARCHIVING"
	StatusFinished         JobStatus = "FINISHED"

	StatusBlocked   JobStatus = "BLOCKED"
	StatusPaused    JobStatus = "PAUSED"
	StatusCancelled JobStatus = "CANCELLED"
	StatusFailed    JobStatus = "FAILED"
)

// pipeline is the fixed order of the main lifecycle path.
var pipeline = []JobStatus{
	StatusPending,
	StatusProcessingInputs,
	StatusStagingInputs,
	StatusStagingJob,
	StatusSubmittingJob,
	StatusQueued,
	StatusRunning,
	StatusArchiving,
	StatusFinished,
}

// AllStatuses returns every status in declaration order.
func AllStatuses() []JobStatus {
	all := make([]JobStatus, 0, len(pipeline)+4)
	all = append(all, pipeline...)
	return append(all, StatusBlocked, StatusPaused, StatusCancelled, StatusFailed)
}

// ParseStatus converts a status name into a JobStatus.
func ParseStatus(s string) (JobStatus, error) {
	for _, st := range AllStatuses() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether no further transition is permitted.
func (s JobStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a worker may make progress on the job.
func (s JobStatus) IsActive() bool {
	return !s.IsTerminal() && s != StatusPaused && s != StatusBlocked
}

// IsExecuting reports whether the job is known to the remote system.
func (s JobStatus) IsExecuting() bool {
	return s == StatusQueued || s == StatusRunning
}

// Next returns the successor of s on the main lifecycle path.
func (s JobStatus) Next() (JobStatus, bool) {
	for i, st := range pipeline {
		if st == s && i+1 < len(pipeline) {
			return pipeline[i+1], true
		}
	}
	return "", false
}

// IsPipelineState reports whether s is one of the ordered lifecycle states
// that a worker executes.
func (s JobStatus) IsPipelineState() bool {
	for _, st := range pipeline[:len(pipeline)-1] {
		if st == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Leaving BLOCKED or PAUSED is only legal back into a pipeline state; the
// caller is responsible for checking it is the state the job was suspended in.
func CanTransition(from, to JobStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case StatusBlocked, StatusPaused:
		return to.IsPipelineState() || to == StatusCancelled || to == StatusFailed
	}
	switch to {
	case StatusBlocked, StatusPaused, StatusCancelled, StatusFailed:
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

// BlockedActivity names the unit of work that was interrupted by a
// recoverable failure.
type BlockedActivity string

const (
	ActivityCheckSystems     BlockedActivity = "CHECK_SYSTEMS"
	ActivityCheckQuota       BlockedActivity = "CHECK_QUOTA"
	ActivityProcessingInputs BlockedActivity = "PROCESSING_INPUTS"
	ActivityStagingInputs    BlockedActivity = "STAGING_INPUTS"
	ActivityStagingJob       BlockedActivity = "STAGING_JOB"
	ActivitySubmitting       BlockedActivity = "SUBMITTING"
	ActivityQueued           BlockedActivity = "QUEUED"
	ActivityRunning          BlockedActivity = "RUNNING"
	ActivityArchiving        BlockedActivity = "ARCHIVING"
)

// ActivityFor returns the activity label of a pipeline state.
func ActivityFor(s JobStatus) BlockedActivity {
	switch s {
	case StatusPending, StatusProcessingInputs:
		return ActivityProcessingInputs
	case StatusStagingInputs:
		return ActivityStagingInputs
	case StatusStagingJob:
		return ActivityStagingJob
	case StatusSubmittingJob:
		return ActivitySubmitting
	case StatusQueued:
		return ActivityQueued
	case StatusRunning:
		return ActivityRunning
	case StatusArchiving:
		return ActivityArchiving
	}
	return ""
}

// Status returns the pipeline state that re-runs the activity.
func (a BlockedActivity) Status() JobStatus {
	switch a {
	case ActivityCheckSystems, ActivityCheckQuota, ActivityProcessingInputs:
		return StatusProcessingInputs
	case ActivityStagingInputs:
		return StatusStagingInputs
	case ActivityStagingJob:
		return StatusStagingJob
	case ActivitySubmitting:
		return StatusSubmittingJob
	case ActivityQueued:
		return StatusQueued
	case ActivityRunning:
		return StatusRunning
	case ActivityArchiving:
		return StatusArchiving
	}
	return ""
}

// AppType selects how the application is launched on the execution system.
type AppType string

const (
	AppTypeBatch AppType = "BATCH"
	AppTypeFork  AppType = "FORK"
)

// Runtime is the execution environment of the application.
type Runtime string

const (
	RuntimeDocker      Runtime = "DOCKER"
	RuntimeSingularity Runtime = "SINGULARITY"
	RuntimeZip         Runtime = "ZIP"
	RuntimeKubernetes  Runtime = "KUBERNETES"
	RuntimeSimulated   Runtime = "SIMULATED"
)

// FileTransfer is one source -> destination copy requested from the Files service.
type FileTransfer struct {
	SourceURI      string `json:"source_uri" yaml:"source_uri"`
	DestinationURI string `json:"destination_uri" yaml:"destination_uri"`
}

// Job is the central entity driven through the lifecycle.
type Job struct {
	// identity
	UUID    string    `json:"uuid"`
	Tenant  string    `json:"tenant"`
	Owner   string    `json:"owner"`
	Created time.Time `json:"created"`

	// request
	Name            string         `json:"name"`
	AppID           string         `json:"app_id"`
	AppType         AppType        `json:"app_type"`
	Runtime         Runtime        `json:"runtime"`
	ContainerImage  string         `json:"container_image,omitempty"`
	Command         []string       `json:"command,omitempty"`
	ExecSystemID    string         `json:"exec_system_id"`
	InputTransfers  []FileTransfer `json:"input_transfers,omitempty"`
	ArchiveTransfer *FileTransfer  `json:"archive_transfer,omitempty"`

	// lifecycle
	Status               JobStatus         `json:"status"`
	LastMessage          string            `json:"last_message,omitempty"`
	RemoteJobID          string            `json:"remote_job_id,omitempty"`
	RemoteJobID2         string            `json:"remote_job_id2,omitempty"`
	RemoteOutcome        string            `json:"remote_outcome,omitempty"`
	BlockedCount         int               `json:"blocked_count"`
	RemoteSubmitRetries  int               `json:"remote_submit_retries"`
	RemoteChecksSuccess  int               `json:"remote_checks_success"`
	RemoteChecksFailed   int               `json:"remote_checks_failed"`
	Visible              bool              `json:"visible"`
	ResumeStatus         JobStatus         `json:"resume_status,omitempty"`
	BlockedActivity      BlockedActivity   `json:"blocked_activity,omitempty"`
	BlockedKind          string            `json:"blocked_kind,omitempty"`
	BlockedSince         *time.Time        `json:"blocked_since,omitempty"`
	RecoveryMessage      map[string]string `json:"recovery_message,omitempty"`
	InputTransactionID   string            `json:"input_transaction_id,omitempty"`
	ArchiveTransactionID string            `json:"archive_transaction_id,omitempty"`
	LastUpdated          time.Time         `json:"last_updated"`
	Ended                *time.Time        `json:"ended,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Command = append([]string(nil), j.Command...)
	c.InputTransfers = append([]FileTransfer(nil), j.InputTransfers...)
	if j.ArchiveTransfer != nil {
		at := *j.ArchiveTransfer
		c.ArchiveTransfer = &at
	}
	if j.RecoveryMessage != nil {
		c.RecoveryMessage = make(map[string]string, len(j.RecoveryMessage))
		for k, v := range j.RecoveryMessage {
			c.RecoveryMessage[k] = v
		}
	}
	if j.Ended != nil {
		e := *j.Ended
		c.Ended = &e
	}
	if j.BlockedSince != nil {
		b := *j.BlockedSince
		c.BlockedSince = &b
	}
	return &c
}

// JobEventType classifies history events.
type JobEventType string

const (
	EventNewStatus            JobEventType = "NEW_STATUS"
	EventInputTransactionID   JobEventType = "INPUT_TRANSACTION_ID"
	EventArchiveTransactionID JobEventType = "ARCHIVE_TRANSACTION_ID"
	EventErrorMessage         JobEventType = "ERROR_MESSAGE"
)

// Description returns the canonical description template of the event type.
func (t JobEventType) Description() string {
	switch t {
	case EventNewStatus:
		return "The job has transitioned to a new status: "
	case EventInputTransactionID:
		return "The job has requested the transfer of its input files."
	case EventArchiveTransactionID:
		return "The job has requested the archiving of its output files."
	case EventErrorMessage:
		return "The job experienced an error."
	}
	return ""
}

// JobEvent is an immutable history record. Seq is assigned by persistence
// and increases monotonically per job.
type JobEvent struct {
	Seq         uint64       `json:"seq"`
	JobUUID     string       `json:"job_uuid"`
	EventType   JobEventType `json:"event_type"`
	Status      JobStatus    `json:"status"`
	OthUUID     string       `json:"oth_uuid,omitempty"`
	Description string       `json:"description"`
	Created     time.Time    `json:"created"`
}

// CommandType is an out-of-band instruction addressed to a job.
type CommandType string

const (
	CommandCancel CommandType = "CANCEL"
	CommandPause  CommandType = "PAUSE"
	CommandResume CommandType = "RESUME"
)

// ParseCommand converts a command name into a CommandType.
func ParseCommand(s string) (CommandType, error) {
	switch CommandType(s) {
	case CommandCancel, CommandPause, CommandResume:
		return CommandType(s), nil
	}
	return "", fmt.Errorf("unknown job command %q", s)
}
