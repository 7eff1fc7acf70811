// ============================================================================
// Job Worker Pool - Concurrent Job Driver
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manages the lifecycle of a fixed set of Worker goroutines and
// distributes jobs to them.
//
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool()        - create channels and the pool context
//   2. Start(n)         - launch n Worker goroutines
//   3. Submit(task)     - enqueue a job
//   4. ReceiveResult()  - collect outcomes
//   5. Stop()           - cancel running jobs, wait for workers, close resultCh
//
// Shutdown:
//   Submit holds the read lock while sending and also selects on stopCh.
//   Stop closes stopCh first so blocked senders leave, then takes the write
//   lock before closing taskCh. No send can race with the close.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPoolClosed is returned once Stop has been called.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool runs a fixed number of workers over a shared task channel.
type Pool struct {
	processor Processor
	workers   []*Worker
	taskCh    chan Task
	resultCh  chan Result
	stopCh    chan struct{}
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	stopped   bool
	mu        sync.RWMutex
}

// NewPool creates a pool whose channels hold bufferSize entries.
func NewPool(processor Processor, bufferSize int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		processor: processor,
		workers:   make([]*Worker, 0),
		taskCh:    make(chan Task, bufferSize),
		resultCh:  make(chan Result, bufferSize),
		stopCh:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.processor, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(p.ctx)
		}(w)
	}

	p.started = true
	logger.WithField("workers", workerCount).Info("Worker pool started")
	return nil
}

// Submit enqueues task, blocking while the buffer is full.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// TrySubmit enqueues task only if the buffer has room.
func (p *Pool) TrySubmit(task Task) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return false, ErrPoolNotStarted
	}
	if p.stopped {
		return false, ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return true, nil
	default:
		return false, nil
	}
}

// Results exposes the result channel. It is closed by Stop.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// ReceiveResult blocks for the next result.
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop cancels in-flight jobs, waits for every worker and closes resultCh.
func (p *Pool) Stop() {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if !started {
		return
	}

	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.cancel()

		p.mu.Lock()
		p.stopped = true
		close(p.taskCh)
		p.mu.Unlock()

		p.wg.Wait()
		close(p.resultCh)
		logger.Info("Worker pool stopped")
	})
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
