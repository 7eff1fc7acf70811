// ============================================================================
// Job Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Each Worker runs in its own goroutine and drives the jobs it
// receives through the Processor.
//
// Loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Derive a context from the pool context, bounded by task.Timeout
//   3. Process the job; a panic is converted into an error result
//   4. Send result to resultCh unless the pool is shutting down
//
// Cancellation:
//   Stop() cancels the pool context. The state machine then returns without
//   changing the job status, so the job is picked up again after restart.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/tapis-jobs/internal/statemachine"
)

var logger = log.WithField("component", "worker")

// Worker represents a work execution unit.
type Worker struct {
	id        int
	processor Processor
	taskCh    <-chan Task
	resultCh  chan<- Result
}

func newWorker(id int, processor Processor, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:        id,
		processor: processor,
		taskCh:    taskCh,
		resultCh:  resultCh,
	}
}

// Run receives tasks until taskCh is closed.
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		start := time.Now()
		outcome, err := w.execute(ctx, task)

		result := Result{
			JobUUID:  task.JobUUID,
			Outcome:  outcome,
			Err:      err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		case <-ctx.Done():
			logger.WithFields(log.Fields{"worker": w.id, "job": task.JobUUID}).
				Debug("Pool stopped, result discarded")
		}
	}
}

func (w *Worker) execute(ctx context.Context, task Task) (res statemachine.Result, err error) {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d panicked processing job %s: %v", w.id, task.JobUUID, r)
			logger.WithField("job", task.JobUUID).Error(err)
		}
	}()
	return w.processor.Process(ctx, task.JobUUID)
}
