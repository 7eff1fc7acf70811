package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

type nopClient struct{ name string }

func (nopClient) OpenSession(context.Context, *types.Job) error      { return nil }
func (nopClient) Stage(context.Context, *types.Job) error            { return nil }
func (nopClient) Submit(context.Context, *types.Job) (string, error) { return "r-1", nil }
func (nopClient) Cancel(context.Context, *types.Job) error           { return nil }
func (nopClient) MonitorInactiveJob(context.Context, *types.Job) (RemoteStatus, error) {
	return RemoteRunning, nil
}
func (nopClient) MonitorActiveJob(context.Context, *types.Job) (RemoteStatus, error) {
	return RemoteSucceeded, nil
}

func TestRegistryResolvesByAppTypeAndRuntime(t *testing.T) {
	r := NewRegistry()
	r.Register(types.AppTypeBatch, types.RuntimeKubernetes, func(*types.Job) (Client, error) {
		return nopClient{name: "k8s"}, nil
	})
	r.Register(types.AppTypeFork, types.RuntimeSimulated, func(*types.Job) (Client, error) {
		return nopClient{name: "sim"}, nil
	})

	c, err := r.New(&types.Job{AppType: types.AppTypeBatch, Runtime: types.RuntimeKubernetes})
	require.NoError(t, err)
	assert.Equal(t, "k8s", c.(nopClient).name)

	_, err = r.New(&types.Job{UUID: "j", AppType: types.AppTypeBatch, Runtime: types.RuntimeZip})
	var jobErr *recoverable.JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Contains(t, err.Error(), "BATCH")
	assert.Contains(t, err.Error(), "ZIP")

	assert.Equal(t, []string{"BATCH/KUBERNETES", "FORK/SIMULATED"}, r.Supported())
}

func TestRemoteStatusClassification(t *testing.T) {
	assert.True(t, RemoteQueued.IsQueued())
	assert.True(t, RemotePending.IsQueued())
	assert.False(t, RemoteRunning.IsQueued())
	for _, s := range []RemoteStatus{RemoteSucceeded, RemoteFailed, RemoteCancelled} {
		assert.True(t, s.IsDone(), s)
	}
	assert.False(t, RemoteRunning.IsDone())
}
