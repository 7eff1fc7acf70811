// Package sim provides in-process execution and Files service stand-ins for
// local mode, the demo and tests. Both progress a little on every status
// query and accept scripted failures.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/tapis-jobs/internal/execution"
	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/internal/transfer"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

var logger = log.WithField("component", "sim")

// Operation names accepted by Faults.Inject.
const (
	OpOpenSession    = "open_session"
	OpStage          = "stage"
	OpSubmit         = "submit"
	OpMonitor        = "monitor"
	OpCancel         = "cancel"
	OpStartTransfer  = "start_transfer"
	OpGetTransfer    = "get_transfer"
	OpCancelTransfer = "cancel_transfer"
)

// Faults hands out scripted errors per operation, and random transient
// connection errors at the given rate.
type Faults struct {
	mu     sync.Mutex
	queued map[string][]error
	rate   float64
	rnd    *rand.Rand
}

// NewFaults creates a fault source. rate is the probability in [0,1] of a
// random SSH connection failure on every call.
func NewFaults(rate float64, seed int64) *Faults {
	return &Faults{queued: make(map[string][]error), rate: rate, rnd: rand.New(rand.NewSource(seed))}
}

// Inject queues errors returned, in order, by the next calls of op.
func (f *Faults) Inject(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[op] = append(f.queued[op], errs...)
}

func (f *Faults) next(op, jobUUID string) error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.queued[op]; len(q) > 0 {
		f.queued[op] = q[1:]
		return q[0]
	}
	if f.rate > 0 && f.rnd.Float64() < f.rate {
		logger.WithFields(log.Fields{"job": jobUUID, "op": op}).Debug("Injecting random failure")
		return recoverable.NewSSHConnection(fmt.Sprintf("simulated connection loss during %s", op), nil,
			map[string]string{"op": op})
	}
	return nil
}

// Execution is a simulated execution system. A submitted job stays queued
// for QueuedChecks status queries and runs for RunningChecks more.
type Execution struct {
	QueuedChecks  int
	RunningChecks int
	Faults        *Faults

	mu      sync.Mutex
	jobs    map[string]*remoteJob
	submits int
	cancels int
}

type remoteJob struct {
	id        string
	checks    int
	cancelled bool
	fail      bool
}

var _ execution.Client = (*Execution)(nil)

// NewExecution creates a simulated system.
func NewExecution(queuedChecks, runningChecks int, faults *Faults) *Execution {
	return &Execution{
		QueuedChecks:  queuedChecks,
		RunningChecks: runningChecks,
		Faults:        faults,
		jobs:          make(map[string]*remoteJob),
	}
}

// Factory adapts the system to the execution registry.
func (e *Execution) Factory() execution.Factory {
	return func(*types.Job) (execution.Client, error) { return e, nil }
}

// FailRemote makes the job end in FAILED instead of SUCCEEDED.
func (e *Execution) FailRemote(jobUUID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.job(jobUUID).fail = true
}

// Submits returns the number of successful submissions.
func (e *Execution) Submits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submits
}

// Cancels returns the number of cancel calls.
func (e *Execution) Cancels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancels
}

func (e *Execution) job(jobUUID string) *remoteJob {
	rj, ok := e.jobs[jobUUID]
	if !ok {
		rj = &remoteJob{}
		e.jobs[jobUUID] = rj
	}
	return rj
}

func (e *Execution) OpenSession(ctx context.Context, job *types.Job) error {
	return e.Faults.next(OpOpenSession, job.UUID)
}

func (e *Execution) Stage(ctx context.Context, job *types.Job) error {
	return e.Faults.next(OpStage, job.UUID)
}

func (e *Execution) Submit(ctx context.Context, job *types.Job) (string, error) {
	if err := e.Faults.next(OpSubmit, job.UUID); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rj := e.job(job.UUID)
	if rj.id == "" {
		rj.id = "sim-" + uuid.NewString()
		e.submits++
	}
	return rj.id, nil
}

func (e *Execution) MonitorInactiveJob(ctx context.Context, job *types.Job) (execution.RemoteStatus, error) {
	return e.check(job)
}

func (e *Execution) MonitorActiveJob(ctx context.Context, job *types.Job) (execution.RemoteStatus, error) {
	return e.check(job)
}

func (e *Execution) check(job *types.Job) (execution.RemoteStatus, error) {
	if err := e.Faults.next(OpMonitor, job.UUID); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rj, ok := e.jobs[job.UUID]
	if !ok || rj.id == "" {
		return "", recoverable.NewJobError("simulated system has no job %s", job.UUID)
	}
	if rj.cancelled {
		return execution.RemoteCancelled, nil
	}
	rj.checks++
	switch {
	case rj.checks <= e.QueuedChecks:
		return execution.RemoteQueued, nil
	case rj.checks <= e.QueuedChecks+e.RunningChecks:
		return execution.RemoteRunning, nil
	case rj.fail:
		return execution.RemoteFailed, nil
	}
	return execution.RemoteSucceeded, nil
}

func (e *Execution) Cancel(ctx context.Context, job *types.Job) error {
	if err := e.Faults.next(OpCancel, job.UUID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels++
	if rj, ok := e.jobs[job.UUID]; ok {
		rj.cancelled = true
	}
	return nil
}

// Transfers is a simulated Files service. A transfer reports IN_PROGRESS
// for PollsToComplete queries and COMPLETED afterwards.
type Transfers struct {
	PollsToComplete int
	Faults          *Faults

	mu        sync.Mutex
	tasks     map[string]*simTask
	started   int
	cancelled []string
}

type simTask struct {
	task  transfer.Task
	polls int
	final transfer.TaskStatus
}

var _ transfer.Client = (*Transfers)(nil)

// NewTransfers creates a simulated Files service.
func NewTransfers(pollsToComplete int, faults *Faults) *Transfers {
	return &Transfers{PollsToComplete: pollsToComplete, Faults: faults, tasks: make(map[string]*simTask)}
}

// FailTransfer makes the transfer end in status instead of COMPLETED.
func (t *Transfers) FailTransfer(transferID string, status transfer.TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.tasks[transferID]; ok {
		st.final = status
	}
}

// Started returns the number of transfers started.
func (t *Transfers) Started() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Cancelled returns the ids of cancelled transfers in call order.
func (t *Transfers) Cancelled() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.cancelled...)
}

func (t *Transfers) StartTransfer(ctx context.Context, tag string, elements []types.FileTransfer) (string, error) {
	if err := t.Faults.next(OpStartTransfer, tag); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	id := uuid.NewString()
	t.tasks[id] = &simTask{
		task:  transfer.Task{UUID: id, Tag: tag, Status: transfer.StatusAccepted},
		final: transfer.StatusCompleted,
	}
	t.started++
	return id, nil
}

func (t *Transfers) GetTransferTask(ctx context.Context, transferID string) (*transfer.Task, error) {
	if err := t.Faults.next(OpGetTransfer, transferID); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.tasks[transferID]
	if !ok {
		return nil, nil
	}
	if !st.task.Status.IsTerminal() {
		st.polls++
		if st.polls > t.PollsToComplete {
			st.task.Status = st.final
		} else {
			st.task.Status = transfer.StatusInProgress
		}
	}
	task := st.task
	return &task, nil
}

func (t *Transfers) CancelTransfer(ctx context.Context, transferID string) error {
	if err := t.Faults.next(OpCancelTransfer, transferID); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = append(t.cancelled, transferID)
	if st, ok := t.tasks[transferID]; ok && !st.task.Status.IsTerminal() {
		st.task.Status = transfer.StatusCancelled
	}
	return nil
}
