// ============================================================================
// Recoverable error taxonomy
// ============================================================================
//
// Package: internal/recoverable
// File: errors.go
// Purpose: Typed failures that carry enough state to resume a blocked job.
//
// Classification:
//   - Recoverable kinds (AppAvailable, SystemAvailable, SSHAuth, SSHConnection,
//     ServiceConnection, Quota): the job moves to BLOCKED and the recovery
//     manager re-runs the blocked activity later.
//   - RecoveryAbort / RecoveryExpired: retrying is futile, treated as fatal.
//   - JobError: protocol violations and fatal job conditions.
//   - AsyncCmdError: cancel/pause control signal, not an error condition.
//
// ============================================================================

package recoverable

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

// Kind tags a recoverable error variant.
type Kind string

const (
	KindAppAvailable      Kind = "APP_AVAILABLE"
	KindSystemAvailable   Kind = "SYSTEM_AVAILABLE"
	KindSSHAuth           Kind = "SSH_AUTH"
	KindSSHConnection     Kind = "SSH_CONNECTION"
	KindServiceConnection Kind = "SERVICE_CONNECTION"
	KindQuota             Kind = "QUOTA"
	KindRecoveryAbort     Kind = "RECOVERY_ABORT"
	KindRecoveryExpired   Kind = "RECOVERY_EXPIRED"
)

// RecoverableKinds lists the kinds that send a job to BLOCKED.
func RecoverableKinds() []Kind {
	return []Kind{
		KindAppAvailable,
		KindSystemAvailable,
		KindSSHAuth,
		KindSSHConnection,
		KindServiceConnection,
		KindQuota,
	}
}

// IsAbort reports whether the kind ends recovery.
func (k Kind) IsAbort() bool {
	return k == KindRecoveryAbort || k == KindRecoveryExpired
}

// Error is a failure that may clear on its own. RecoveryMessage is opaque
// resumption state interpreted by the recovery policy.
type Error struct {
	Kind            Kind
	Activity        types.BlockedActivity
	RecoveryMessage map[string]string
	Message         string
	Cause           error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// WithActivity returns a copy of e bound to the given activity.
func (e *Error) WithActivity(a types.BlockedActivity) *Error {
	c := *e
	c.Activity = a
	return &c
}

func newError(kind Kind, msg string, cause error, recoveryMsg map[string]string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause, RecoveryMessage: recoveryMsg}
}

// NewAppAvailable reports that the application or its container image is
// temporarily unavailable.
func NewAppAvailable(msg string, cause error, recoveryMsg map[string]string) *Error {
	return newError(KindAppAvailable, msg, cause, recoveryMsg)
}

// NewSystemAvailable reports that the execution system is unreachable or disabled.
func NewSystemAvailable(msg string, cause error, recoveryMsg map[string]string) *Error {
	return newError(KindSystemAvailable, msg, cause, recoveryMsg)
}

// NewSSHAuth reports an authentication failure against the remote system.
func NewSSHAuth(msg string, cause error, recoveryMsg map[string]string) *Error {
	return newError(KindSSHAuth, msg, cause, recoveryMsg)
}

// NewSSHConnection reports a network level connection failure to the remote system.
func NewSSHConnection(msg string, cause error, recoveryMsg map[string]string) *Error {
	return newError(KindSSHConnection, msg, cause, recoveryMsg)
}

// NewServiceConnection reports that a dependent service is unreachable.
func NewServiceConnection(msg string, cause error, recoveryMsg map[string]string) *Error {
	return newError(KindServiceConnection, msg, cause, recoveryMsg)
}

// NewQuota reports a temporarily exceeded resource quota.
func NewQuota(msg string, cause error, recoveryMsg map[string]string) *Error {
	return newError(KindQuota, msg, cause, recoveryMsg)
}

// NewRecoveryAbort ends recovery of a job.
func NewRecoveryAbort(msg string, cause error) *Error {
	return newError(KindRecoveryAbort, msg, cause, nil)
}

// Expired ends recovery because the attempt or time budget was spent.
func Expired(cause error, msg string) *Error {
	e := newError(KindRecoveryExpired, msg, cause, nil)
	var rec *Error
	if errors.As(cause, &rec) {
		e.Activity = rec.Activity
		e.RecoveryMessage = rec.RecoveryMessage
	}
	return e
}

// As returns the outermost recoverable error in err's chain.
func As(err error) (*Error, bool) {
	var rec *Error
	if errors.As(err, &rec) {
		return rec, true
	}
	return nil, false
}

// IsRecoverable reports whether err should block the job rather than fail it.
// An abort anywhere in the chain wins over recoverable causes.
func IsRecoverable(err error) bool {
	if IsAbort(err) {
		return false
	}
	_, ok := As(err)
	return ok
}

// IsAbort reports whether err carries RecoveryAbort or RecoveryExpired.
func IsAbort(err error) bool {
	for err != nil {
		var rec *Error
		if !errors.As(err, &rec) {
			return false
		}
		if rec.Kind.IsAbort() {
			return true
		}
		err = rec.Cause
	}
	return false
}

// JobError is a non-recoverable job failure, including collaborator
// contract violations.
type JobError struct {
	Message string
	Cause   error
}

func (e *JobError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *JobError) Unwrap() error { return e.Cause }

// NewJobError creates a fatal job error.
func NewJobError(format string, args ...interface{}) *JobError {
	return &JobError{Message: fmt.Sprintf(format, args...)}
}

// WrapJobError creates a fatal job error with a cause.
func WrapJobError(cause error, format string, args ...interface{}) *JobError {
	return &JobError{Message: fmt.Sprintf(format, args...), Cause: cause}
}

// AsyncCmdError signals that a cancel or pause command is pending for the job.
type AsyncCmdError struct {
	JobUUID string
	Command types.CommandType
}

func (e *AsyncCmdError) Error() string {
	return fmt.Sprintf("job %s received asynchronous command %s", e.JobUUID, e.Command)
}

// AsAsyncCmd extracts a pending command from err's chain.
func AsAsyncCmd(err error) (*AsyncCmdError, bool) {
	var cmd *AsyncCmdError
	if errors.As(err, &cmd) {
		return cmd, true
	}
	return nil, false
}
