package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/tapis-jobs/internal/statemachine"
)

// Task asks a worker to drive one job.
type Task struct {
	JobUUID string
	Timeout time.Duration // zero means no limit beyond the pool's lifetime
}

// Result reports how far a task moved its job.
type Result struct {
	JobUUID  string
	Outcome  statemachine.Result
	Err      error
	Duration time.Duration
}

// Processor drives a job until it stops advancing.
type Processor interface {
	Process(ctx context.Context, jobUUID string) (statemachine.Result, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, jobUUID string) (statemachine.Result, error)

func (f ProcessorFunc) Process(ctx context.Context, jobUUID string) (statemachine.Result, error) {
	return f(ctx, jobUUID)
}
