package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/internal/statemachine"
	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

var logger = log.WithField("component", "recovery")

// Machine is the part of the state machine recovery drives.
type Machine interface {
	Resume(ctx context.Context, job *types.Job) (statemachine.Result, error)
	Expire(ctx context.Context, job *types.Job, cause error, reason string) (statemachine.Result, error)
}

// Leaser grants exclusive ownership of a job. Jobs that cannot be leased are
// skipped until the next sweep.
type Leaser interface {
	Acquire(jobUUID string) bool
	Release(jobUUID string)
}

// Observer is told about every recovery action.
type Observer interface {
	ObserveRecovery(kind recoverable.Kind, action string)
}

// Recovery actions reported to the Observer.
const (
	ActionResumed = "resumed"
	ActionExpired = "expired"
)

type entry struct {
	jobUUID     string
	activity    types.BlockedActivity
	cause       *recoverable.Error
	firstBlock  time.Time
	lastBlock   time.Time
	attempts    int
	awaitResult bool
}

// Manager tracks blocked jobs and resumes or expires them per the policy.
type Manager struct {
	policy   Policy
	store    storage.Store
	machine  Machine
	leaser   Leaser
	observer Observer
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager creates a manager. leaser may be nil.
func NewManager(policy Policy, store storage.Store, machine Machine, leaser Leaser) *Manager {
	return &Manager{
		policy:  policy,
		store:   store,
		machine: machine,
		leaser:  leaser,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*entry),
	}
}

// SetObserver installs a metrics observer.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// Register records that a job has just blocked on rec. Blocking again in the
// same activity after a retry counts as a failed attempt; blocking in a new
// activity starts a fresh budget.
func (m *Manager) Register(jobUUID string, rec *recoverable.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[jobUUID]
	if !ok || e.activity != rec.Activity {
		e = &entry{jobUUID: jobUUID, activity: rec.Activity, firstBlock: now}
		m.entries[jobUUID] = e
	}
	e.cause = rec
	e.lastBlock = now
	e.awaitResult = false

	logger.WithFields(log.Fields{
		"job":      jobUUID,
		"activity": rec.Activity,
		"kind":     rec.Kind,
		"attempts": e.attempts,
	}).Info("Job registered for recovery")
}

// Forget stops tracking a job.
func (m *Manager) Forget(jobUUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, jobUUID)
}

// Tracked returns the number of jobs under recovery.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Restore registers every BLOCKED job found in the store. It is called once
// on start; attempt counts restart from zero.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	jobs, err := m.store.ListJobs(ctx, types.StatusBlocked)
	if err != nil {
		return 0, errors.Wrap(err, "list blocked jobs")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range jobs {
		since := job.LastUpdated
		if job.BlockedSince != nil {
			since = *job.BlockedSince
		}
		m.entries[job.UUID] = &entry{
			jobUUID:    job.UUID,
			activity:   job.BlockedActivity,
			cause:      causeFromJob(job),
			firstBlock: since,
			lastBlock:  since,
		}
	}
	if len(jobs) > 0 {
		logger.WithField("jobs", len(jobs)).Info("Blocked jobs restored for recovery")
	}
	return len(jobs), nil
}

// causeFromJob rebuilds the recoverable failure persisted on a blocked job.
func causeFromJob(job *types.Job) *recoverable.Error {
	return &recoverable.Error{
		Kind:            recoverable.Kind(job.BlockedKind),
		Activity:        job.BlockedActivity,
		RecoveryMessage: job.RecoveryMessage,
		Message:         job.LastMessage,
	}
}

// SweepResult lists the jobs acted on by one sweep.
type SweepResult struct {
	Resumed []string
	Expired []string
}

// Sweep resumes every blocked job whose backoff elapsed and expires every job
// whose budget is spent. Errors of individual jobs are aggregated.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var result *multierror.Error

	for _, e := range m.due() {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if m.leaser != nil {
			if !m.leaser.Acquire(e.jobUUID) {
				continue
			}
		}
		action, err := m.recover(ctx, e)
		if m.leaser != nil {
			m.leaser.Release(e.jobUUID)
		}
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "recover job %s", e.jobUUID))
			continue
		}
		switch action {
		case ActionResumed:
			res.Resumed = append(res.Resumed, e.jobUUID)
		case ActionExpired:
			res.Expired = append(res.Expired, e.jobUUID)
		}
	}
	return res, result.ErrorOrNil()
}

// due snapshots the entries to examine, oldest block first.
func (m *Manager) due() []entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entry, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.awaitResult {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].lastBlock.Before(out[j].lastBlock) })
	return out
}

func (m *Manager) recover(ctx context.Context, e entry) (string, error) {
	job, err := m.store.LoadJob(ctx, e.jobUUID)
	if errors.Is(err, storage.ErrJobNotFound) {
		m.Forget(e.jobUUID)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if job.Status != types.StatusBlocked {
		if job.Status.IsTerminal() {
			m.Forget(e.jobUUID)
		}
		return "", nil
	}

	now := m.now()
	decision := m.policy.Classify(e.activity, e.cause.Kind, e.attempts, now.Sub(e.firstBlock))
	jl := logger.WithFields(log.Fields{"job": e.jobUUID, "activity": e.activity, "kind": e.cause.Kind})

	if !decision.ShouldRetry {
		reason := fmt.Sprintf("Recovery abandoned for activity %s after %d attempts over %s.",
			e.activity, e.attempts, now.Sub(e.firstBlock).Round(time.Second))
		if _, err := m.machine.Expire(ctx, job, e.cause, reason); err != nil {
			return "", err
		}
		m.Forget(e.jobUUID)
		m.observe(e.cause.Kind, ActionExpired)
		jl.Warn(reason)
		return ActionExpired, nil
	}

	if now.Before(e.lastBlock.Add(decision.Delay)) {
		return "", nil
	}
	if _, err := m.machine.Resume(ctx, job); err != nil {
		return "", err
	}
	m.mu.Lock()
	if cur, ok := m.entries[e.jobUUID]; ok {
		cur.attempts++
		cur.awaitResult = true
	}
	m.mu.Unlock()
	m.observe(e.cause.Kind, ActionResumed)
	jl.WithField("attempt", e.attempts+1).Info("Blocked job resumed")
	return ActionResumed, nil
}

func (m *Manager) observe(kind recoverable.Kind, action string) {
	if m.observer != nil {
		m.observer.ObserveRecovery(kind, action)
	}
}
