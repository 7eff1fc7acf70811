// Package execution abstracts the remote systems jobs run on. A Registry maps
// (app type, runtime) pairs to client factories.
package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

// RemoteStatus is the state of a job on its execution system.
type RemoteStatus string

const (
	RemotePending   RemoteStatus = "PENDING"
	RemoteQueued    RemoteStatus = "QUEUED"
	RemoteRunning   RemoteStatus = "RUNNING"
	RemoteSucceeded RemoteStatus = "SUCCEEDED"
	RemoteFailed    RemoteStatus = "FAILED"
	RemoteCancelled RemoteStatus = "CANCELLED"
)

// IsDone reports whether the remote job has ended.
func (s RemoteStatus) IsDone() bool {
	return s == RemoteSucceeded || s == RemoteFailed || s == RemoteCancelled
}

// IsQueued reports whether the remote job has not started yet.
func (s RemoteStatus) IsQueued() bool {
	return s == RemotePending || s == RemoteQueued
}

// Client drives one job on an execution system. Every method must be safe to
// repeat after an interruption. Transient failures are returned as
// *recoverable.Error.
type Client interface {
	// OpenSession verifies the system is reachable and has capacity.
	OpenSession(ctx context.Context, job *types.Job) error
	// Stage prepares the job's artifacts on the system.
	Stage(ctx context.Context, job *types.Job) error
	// Submit launches the job and returns its remote id.
	Submit(ctx context.Context, job *types.Job) (string, error)
	// MonitorInactiveJob checks a job that has not started running.
	MonitorInactiveJob(ctx context.Context, job *types.Job) (RemoteStatus, error)
	// MonitorActiveJob checks a running job.
	MonitorActiveJob(ctx context.Context, job *types.Job) (RemoteStatus, error)
	// Cancel stops the remote job. Cancelling an unknown job is not an error.
	Cancel(ctx context.Context, job *types.Job) error
}

// Factory creates the client for a job.
type Factory func(job *types.Job) (Client, error)

type key struct {
	appType types.AppType
	runtime types.Runtime
}

// Registry resolves the client for a job's app type and runtime.
type Registry struct {
	mu        sync.RWMutex
	factories map[key]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[key]Factory)}
}

// Register binds a factory to an app type and runtime, replacing any
// previous binding.
func (r *Registry) Register(appType types.AppType, runtime types.Runtime, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key{appType, runtime}] = f
}

// New returns the client for job. Unsupported combinations are fatal job
// errors.
func (r *Registry) New(job *types.Job) (Client, error) {
	r.mu.RLock()
	f, ok := r.factories[key{job.AppType, job.Runtime}]
	r.mu.RUnlock()
	if !ok {
		return nil, recoverable.NewJobError("unsupported application type %s with runtime %s for job %s",
			job.AppType, job.Runtime, job.UUID)
	}
	return f(job)
}

// Supported lists the registered combinations as "APPTYPE/RUNTIME".
func (r *Registry) Supported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, fmt.Sprintf("%s/%s", k.appType, k.runtime))
	}
	sort.Strings(out)
	return out
}
