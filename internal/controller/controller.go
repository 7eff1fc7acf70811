// ============================================================================
// Job Controller - Lifecycle Coordinator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: Drives every job through the state machine with a worker pool,
//           resumes or expires blocked jobs and applies operator commands.
//
// Components:
//   - Store:     persistent jobs, events and pending commands
//   - Machine:   the job state machine
//   - Pool:      worker goroutines, one job per worker at a time
//   - Recovery:  backoff and expiry of BLOCKED jobs
//   - Leases:    go-cache TTL leases, one owner per job
//
// Loops (5 goroutines):
//   1. Dispatch Loop - lease runnable jobs and hand them to the pool
//   2. Result Loop   - release leases, register blocked jobs for recovery
//   3. Recovery Loop - resume jobs whose backoff elapsed, expire exhausted ones
//   4. Command Loop  - apply CANCEL/RESUME to PAUSED and BLOCKED jobs, which
//                      no worker is processing
//   5. Snapshot Loop - compact stores that journal to disk
//
// Crash recovery:
//   Jobs are only ever persisted in a state whose work can be re-entered, so
//   on start the dispatch loop simply picks up every active job again. BLOCKED
//   jobs are re-registered with the recovery manager.
//
// Shutdown:
//  1. close(stopCh) -> loops stop dispatching
//  2. pool.Stop()   -> running jobs see a cancelled context and return without
//                      changing status; resultCh closes and the result loop exits
//  3. loopWg.Wait()
//
// ============================================================================

package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/tapis-jobs/internal/command"
	"github.com/ChuLiYu/tapis-jobs/internal/events"
	"github.com/ChuLiYu/tapis-jobs/internal/recovery"
	"github.com/ChuLiYu/tapis-jobs/internal/statemachine"
	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/internal/worker"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

var logger = log.WithField("component", "controller")

var (
	ErrStopped        = errors.New("controller is stopped")
	ErrAlreadyStarted = errors.New("controller already started")
)

// Config tunes the controller loops. Zero values take defaults.
type Config struct {
	WorkerCount           int
	LeaseTTL              time.Duration
	DispatchInterval      time.Duration
	RecoverySweepInterval time.Duration
	CommandInterval       time.Duration
	SnapshotInterval      time.Duration // zero disables compaction
	TaskTimeout           time.Duration // zero means no limit
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 200 * time.Millisecond
	}
	if c.RecoverySweepInterval <= 0 {
		c.RecoverySweepInterval = 10 * time.Second
	}
	if c.CommandInterval <= 0 {
		c.CommandInterval = time.Second
	}
	return c
}

// Deps are the collaborators of the controller.
type Deps struct {
	Store    storage.Store
	Machine  *statemachine.Machine
	Recorder *events.Recorder
	Exec     *statemachine.ExecContext
	Commands *command.Channel
	Policy   recovery.Policy
}

// Observer is told how many jobs are being processed.
type Observer interface {
	ObserveInFlight(n int)
}

// Compacter is implemented by stores that can fold their journal into a snapshot.
type Compacter interface {
	Compact() error
}

// Controller coordinates the job lifecycle.
type Controller struct {
	id       string
	config   Config
	store    storage.Store
	machine  *statemachine.Machine
	recorder *events.Recorder
	exec     *statemachine.ExecContext
	commands *command.Channel
	recovery *recovery.Manager
	leases   *Leases
	pool     *worker.Pool
	observer Observer

	inFlight  int64
	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
}

// New creates a controller.
func New(config Config, deps Deps) *Controller {
	config = config.withDefaults()
	c := &Controller{
		id:       uuid.NewString(),
		config:   config,
		store:    deps.Store,
		machine:  deps.Machine,
		recorder: deps.Recorder,
		exec:     deps.Exec,
		commands: deps.Commands,
		stopCh:   make(chan struct{}),
	}
	c.leases = NewLeases(c.id, config.LeaseTTL)
	c.recovery = recovery.NewManager(deps.Policy, deps.Store, deps.Machine, c.leases)
	c.pool = worker.NewPool(c, config.WorkerCount)
	return c
}

// SetObserver installs a metrics observer.
func (c *Controller) SetObserver(o Observer) {
	c.observer = o
}

// Recovery returns the recovery manager.
func (c *Controller) Recovery() *recovery.Manager {
	return c.recovery
}

// Start restores blocked jobs and launches the worker pool and loops.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.startTime = time.Now()

	restored, err := c.recovery.Restore(ctx)
	if err != nil {
		return errors.Wrap(err, "restore blocked jobs")
	}
	if err := c.pool.Start(c.config.WorkerCount); err != nil {
		return errors.Wrap(err, "start worker pool")
	}

	c.loopWg.Add(4)
	go c.dispatchLoop()
	go c.resultLoop()
	go c.recoveryLoop()
	go c.commandLoop()
	if _, ok := c.store.(Compacter); ok && c.config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	c.started = true
	logger.WithFields(log.Fields{
		"workers":  c.config.WorkerCount,
		"blocked":  restored,
		"owner_id": c.id,
	}).Info("Controller started")
	return nil
}

// Stop cancels running jobs and waits for every loop to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.stopped = true
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	logger.Info("Stopping controller...")
	close(c.stopCh)
	c.pool.Stop()
	c.loopWg.Wait()
	logger.WithField("uptime", time.Since(c.startTime).Round(time.Second)).Info("Controller stopped")
}

// Process implements worker.Processor. The caller holds the job's lease.
func (c *Controller) Process(ctx context.Context, jobUUID string) (statemachine.Result, error) {
	job, err := c.store.LoadJob(ctx, jobUUID)
	if err != nil {
		return statemachine.Result{}, err
	}
	if !job.Status.IsActive() {
		return statemachine.Result{From: job.Status, To: job.Status}, nil
	}
	// the job was resumed by recovery before the command loop saw a RESUME
	if dropped, err := c.commands.Discard(ctx, jobUUID, types.CommandResume); err != nil {
		logger.WithError(err).WithField("job", jobUUID).Warn("Failed to drop stale resume command")
	} else if dropped {
		logger.WithField("job", jobUUID).Debug("Dropped stale resume command")
	}

	done := make(chan struct{})
	defer close(done)
	go c.renewLease(jobUUID, done)

	return c.machine.Run(ctx, job, c.exec)
}

func (c *Controller) renewLease(jobUUID string, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !c.leases.Renew(jobUUID) {
				logger.WithField("job", jobUUID).Warn("Lease expired while processing")
			}
		}
	}
}

// ============================================================================
// Loops
// ============================================================================

func (c *Controller) dispatchLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			logger.Debug("Dispatch loop stopped")
			return
		case <-ticker.C:
			c.dispatch()
		}
	}
}

// dispatch hands every unleased active job to the pool until it is full.
func (c *Controller) dispatch() {
	jobs, err := c.store.ListJobs(context.Background(), activeStatuses()...)
	if err != nil {
		logger.WithError(err).Error("Failed to list runnable jobs")
		return
	}
	for _, job := range jobs {
		select {
		case <-c.stopCh:
			return
		default:
		}
		if !c.leases.Acquire(job.UUID) {
			continue
		}
		ok, err := c.pool.TrySubmit(worker.Task{JobUUID: job.UUID, Timeout: c.config.TaskTimeout})
		if err != nil || !ok {
			c.leases.Release(job.UUID)
			if err != nil && !errors.Is(err, worker.ErrPoolClosed) {
				logger.WithError(err).Error("Failed to submit job")
			}
			return
		}
		c.observeInFlight(atomic.AddInt64(&c.inFlight, 1))
		logger.WithFields(log.Fields{"job": job.UUID, "status": job.Status}).Debug("Job dispatched")
	}
}

func activeStatuses() []types.JobStatus {
	var out []types.JobStatus
	for _, s := range types.AllStatuses() {
		if s.IsActive() {
			out = append(out, s)
		}
	}
	return out
}

func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for result := range c.pool.Results() {
		c.handleResult(result)
	}
	logger.Debug("Result loop stopped")
}

func (c *Controller) handleResult(r worker.Result) {
	defer c.leases.Release(r.JobUUID)
	c.observeInFlight(atomic.AddInt64(&c.inFlight, -1))

	entry := logger.WithFields(log.Fields{"job": r.JobUUID, "duration": r.Duration})
	if r.Err != nil {
		if errors.Is(r.Err, context.Canceled) {
			entry.Debug("Job processing interrupted by shutdown")
			return
		}
		entry.WithError(r.Err).Error("Job processing failed")
		return
	}

	switch r.Outcome.Outcome {
	case statemachine.OutcomeBlocked:
		c.recovery.Register(r.JobUUID, r.Outcome.Recoverable)
	case statemachine.OutcomeFinished, statemachine.OutcomeFailed,
		statemachine.OutcomeCancelled, statemachine.OutcomePaused:
		c.recovery.Forget(r.JobUUID)
	}
	entry.WithFields(log.Fields{"outcome": r.Outcome.Outcome, "status": r.Outcome.To}).Info("Job processed")
}

func (c *Controller) recoveryLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.RecoverySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			logger.Debug("Recovery loop stopped")
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Controller) sweep() {
	res, err := c.recovery.Sweep(context.Background())
	if err != nil {
		logger.WithError(err).Error("Recovery sweep failed")
	}
	if len(res.Resumed) > 0 || len(res.Expired) > 0 {
		logger.WithFields(log.Fields{
			"resumed": len(res.Resumed),
			"expired": len(res.Expired),
		}).Info("Recovery sweep")
	}
}

func (c *Controller) commandLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.CommandInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			logger.Debug("Command loop stopped")
			return
		case <-ticker.C:
			c.applyIdleCommands(context.Background())
		}
	}
}

// applyIdleCommands handles commands addressed to suspended jobs. Running
// jobs observe their commands themselves. A PAUSE on a BLOCKED job is left
// pending and takes effect once recovery resumes the job.
func (c *Controller) applyIdleCommands(ctx context.Context) {
	jobs, err := c.store.ListJobs(ctx, types.StatusPaused, types.StatusBlocked)
	if err != nil {
		logger.WithError(err).Error("Failed to list suspended jobs")
		return
	}
	for _, job := range jobs {
		cmd, ok, err := c.commands.Peek(ctx, job.UUID)
		if err != nil || !ok {
			continue
		}
		if cmd == types.CommandPause && job.Status == types.StatusBlocked {
			continue
		}
		if !c.leases.Acquire(job.UUID) {
			continue
		}
		if err := c.applyCommand(ctx, job.UUID); err != nil {
			logger.WithError(err).WithFields(log.Fields{"job": job.UUID, "command": cmd}).Error("Failed to apply command")
		}
		c.leases.Release(job.UUID)
	}
}

func (c *Controller) applyCommand(ctx context.Context, jobUUID string) error {
	job, err := c.store.LoadJob(ctx, jobUUID)
	if err != nil {
		return err
	}
	if job.Status != types.StatusPaused && job.Status != types.StatusBlocked {
		return nil
	}
	cmd, ok, err := c.commands.Take(ctx, jobUUID)
	if err != nil || !ok {
		return err
	}

	switch cmd {
	case types.CommandCancel:
		if _, err := c.machine.Cancel(ctx, job, c.exec, "Job cancelled by request."); err != nil {
			return err
		}
		c.recovery.Forget(jobUUID)
	case types.CommandResume:
		if _, err := c.machine.Resume(ctx, job); err != nil {
			return err
		}
	case types.CommandPause:
		// already paused
	}
	return nil
}

func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	compacter := c.store.(Compacter)
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			logger.Debug("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := compacter.Compact(); err != nil {
				logger.WithError(err).Error("Failed to take snapshot")
			}
		}
	}
}

func (c *Controller) observeInFlight(n int64) {
	if c.observer != nil {
		c.observer.ObserveInFlight(int(n))
	}
}

// ============================================================================
// Public operations
// ============================================================================

// Submit creates a PENDING job and records its first history event. A UUID is
// assigned when job.UUID is empty.
func (c *Controller) Submit(ctx context.Context, job *types.Job) (*types.Job, error) {
	if job.UUID == "" {
		job.UUID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.Status = types.StatusPending
	job.Created = now
	job.LastUpdated = now
	job.Visible = true

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer storage.Rollback(tx)

	if err := c.store.CreateJob(ctx, tx, job); err != nil {
		return nil, errors.Wrap(err, "create job")
	}
	if _, err := c.recorder.RecordStatusEvent(ctx, tx, job, types.StatusPending, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit job submission")
	}
	logger.WithFields(log.Fields{"job": job.UUID, "app": job.AppID}).Info("Job submitted")
	return job, nil
}

// Cancel asks the job to cancel.
func (c *Controller) Cancel(ctx context.Context, jobUUID string) error {
	return c.commands.Post(ctx, jobUUID, types.CommandCancel)
}

// Pause asks the job to pause at its next checkpoint.
func (c *Controller) Pause(ctx context.Context, jobUUID string) error {
	return c.commands.Post(ctx, jobUUID, types.CommandPause)
}

// Resume asks a PAUSED or BLOCKED job to continue.
func (c *Controller) Resume(ctx context.Context, jobUUID string) error {
	return c.commands.Post(ctx, jobUUID, types.CommandResume)
}

// Job returns the stored job.
func (c *Controller) Job(ctx context.Context, jobUUID string) (*types.Job, error) {
	return c.store.LoadJob(ctx, jobUUID)
}

// Jobs lists jobs, optionally filtered by status.
func (c *Controller) Jobs(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error) {
	return c.store.ListJobs(ctx, statuses...)
}

// History returns the job's events in order.
func (c *Controller) History(ctx context.Context, jobUUID string) ([]types.JobEvent, error) {
	return c.store.ListEvents(ctx, jobUUID)
}

// GetStatus summarizes the controller.
func (c *Controller) GetStatus(ctx context.Context) (map[string]interface{}, error) {
	jobs, err := c.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[types.JobStatus]int)
	for _, j := range jobs {
		counts[j.Status]++
	}
	var uptime time.Duration
	c.mu.Lock()
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()
	return map[string]interface{}{
		"uptime":     uptime.Round(time.Second).String(),
		"workers":    c.config.WorkerCount,
		"in_flight":  atomic.LoadInt64(&c.inFlight),
		"recovering": c.recovery.Tracked(),
		"jobs":       counts,
	}, nil
}
