package kubernetes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	clientTesting "k8s.io/client-go/testing"

	"github.com/ChuLiYu/tapis-jobs/internal/execution"
	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

const ns = "tapis"

func namespace() *kubecore.Namespace {
	return &kubecore.Namespace{ObjectMeta: kubeapimeta.ObjectMeta{Name: ns}}
}

func testJob() *types.Job {
	return &types.Job{
		UUID:           "2f1c6a1e-0000-4000-8000-000000000001",
		AppType:        types.AppTypeBatch,
		Runtime:        types.RuntimeKubernetes,
		ContainerImage: "busybox:1.36",
		Command:        []string{"sh", "-c", "echo hi"},
		ExecSystemID:   "k8s-1",
	}
}

func TestOpenSession(t *testing.T) {
	ctx := context.Background()
	r := NewRunner(fake.NewSimpleClientset(namespace()), Config{Namespace: ns})
	assert.NoError(t, r.OpenSession(ctx, testJob()))

	missing := NewRunner(fake.NewSimpleClientset(), Config{Namespace: ns})
	err := missing.OpenSession(ctx, testJob())
	rec, ok := recoverable.As(err)
	require.True(t, ok)
	assert.Equal(t, recoverable.KindSystemAvailable, rec.Kind)
	assert.Equal(t, types.ActivityCheckSystems, rec.Activity)
	assert.Equal(t, "k8s-1", rec.RecoveryMessage["system"])
}

func TestOpenSessionQuotaExhausted(t *testing.T) {
	quota := &kubecore.ResourceQuota{
		ObjectMeta: kubeapimeta.ObjectMeta{Name: "jobs-quota", Namespace: ns},
		Status: kubecore.ResourceQuotaStatus{
			Hard: kubecore.ResourceList{"count/jobs.batch": resource.MustParse("2")},
			Used: kubecore.ResourceList{"count/jobs.batch": resource.MustParse("2")},
		},
	}
	r := NewRunner(fake.NewSimpleClientset(namespace(), quota), Config{Namespace: ns})

	rec, ok := recoverable.As(r.OpenSession(context.Background(), testJob()))
	require.True(t, ok)
	assert.Equal(t, recoverable.KindQuota, rec.Kind)
	assert.Equal(t, types.ActivityCheckQuota, rec.Activity)
	assert.Equal(t, "jobs-quota", rec.RecoveryMessage["quota"])
}

func TestStageAndSubmitAreIdempotent(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset(namespace())
	r := NewRunner(client, Config{Namespace: ns, ServiceAccount: "runner"})
	job := testJob()

	require.NoError(t, r.Stage(ctx, job))
	require.NoError(t, r.Stage(ctx, job))
	cm, err := client.CoreV1().ConfigMaps(ns).Get(ctx, stagingName(job), kubeapimeta.GetOptions{})
	require.NoError(t, err)
	assert.Contains(t, cm.Data[stagingKey], job.UUID)

	id, err := r.Submit(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, JobName(job), id)
	again, err := r.Submit(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	kj, err := client.BatchV1().Jobs(ns).Get(ctx, id, kubeapimeta.GetOptions{})
	require.NoError(t, err)
	pod := kj.Spec.Template.Spec
	assert.Equal(t, kubecore.RestartPolicyNever, pod.RestartPolicy)
	assert.Equal(t, "runner", pod.ServiceAccountName)
	assert.Equal(t, "busybox:1.36", pod.Containers[0].Image)
	assert.Equal(t, job.UUID, kj.Labels[labelJobUUID])
}

func TestSubmitWithoutImageIsFatal(t *testing.T) {
	r := NewRunner(fake.NewSimpleClientset(namespace()), Config{Namespace: ns})
	job := testJob()
	job.ContainerImage = ""
	_, err := r.Submit(context.Background(), job)
	var jobErr *recoverable.JobError
	assert.ErrorAs(t, err, &jobErr)
}

func TestMonitorMapsJobStatus(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset(namespace())
	r := NewRunner(client, Config{Namespace: ns})
	job := testJob()
	id, err := r.Submit(ctx, job)
	require.NoError(t, err)
	job.RemoteJobID = id

	st, err := r.MonitorInactiveJob(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, execution.RemoteQueued, st)

	setStatus := func(s kubebatch.JobStatus) {
		kj, err := client.BatchV1().Jobs(ns).Get(ctx, id, kubeapimeta.GetOptions{})
		require.NoError(t, err)
		kj.Status = s
		_, err = client.BatchV1().Jobs(ns).UpdateStatus(ctx, kj, kubeapimeta.UpdateOptions{})
		require.NoError(t, err)
	}

	setStatus(kubebatch.JobStatus{Active: 1})
	st, _ = r.MonitorActiveJob(ctx, job)
	assert.Equal(t, execution.RemoteRunning, st)

	setStatus(kubebatch.JobStatus{Conditions: []kubebatch.JobCondition{
		{Type: kubebatch.JobFailed, Status: kubecore.ConditionTrue},
	}})
	st, _ = r.MonitorActiveJob(ctx, job)
	assert.Equal(t, execution.RemoteFailed, st)

	setStatus(kubebatch.JobStatus{Succeeded: 1})
	st, _ = r.MonitorActiveJob(ctx, job)
	assert.Equal(t, execution.RemoteSucceeded, st)
}

func TestMonitorMissingJobIsFatal(t *testing.T) {
	r := NewRunner(fake.NewSimpleClientset(namespace()), Config{Namespace: ns})
	_, err := r.MonitorActiveJob(context.Background(), testJob())
	var jobErr *recoverable.JobError
	assert.ErrorAs(t, err, &jobErr)
}

func TestCancelDeletesJobAndTolerantOfMissing(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset(namespace())
	r := NewRunner(client, Config{Namespace: ns})
	job := testJob()
	require.NoError(t, r.Stage(ctx, job))
	_, err := r.Submit(ctx, job)
	require.NoError(t, err)

	require.NoError(t, r.Cancel(ctx, job))
	_, err = client.BatchV1().Jobs(ns).Get(ctx, JobName(job), kubeapimeta.GetOptions{})
	assert.True(t, kubeerr.IsNotFound(err))

	assert.NoError(t, r.Cancel(ctx, job))
}

func TestAPIErrorsAreClassified(t *testing.T) {
	gr := schema.GroupResource{Group: "batch", Resource: "jobs"}
	cases := []struct {
		name string
		err  error
		kind recoverable.Kind
	}{
		{"unauthorized", kubeerr.NewUnauthorized("token expired"), recoverable.KindSSHAuth},
		{"quota", kubeerr.NewForbidden(gr, "x", errors.New("exceeded quota: jobs-quota")), recoverable.KindQuota},
		{"unavailable", kubeerr.NewServiceUnavailable("apiserver restarting"), recoverable.KindSSHConnection},
		{"throttled", kubeerr.NewTooManyRequests("slow down", 1), recoverable.KindSSHConnection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := fake.NewSimpleClientset(namespace())
			client.Fake.PrependReactor("create", "jobs", func(action clientTesting.Action) (bool, runtime.Object, error) {
				return true, nil, tc.err
			})
			_, err := NewRunner(client, Config{Namespace: ns}).Submit(context.Background(), testJob())
			rec, ok := recoverable.As(err)
			require.True(t, ok)
			assert.Equal(t, tc.kind, rec.Kind)
			assert.Equal(t, "submit job", rec.RecoveryMessage["operation"])
		})
	}

	client := fake.NewSimpleClientset(namespace())
	client.Fake.PrependReactor("create", "jobs", func(action clientTesting.Action) (bool, runtime.Object, error) {
		return true, nil, kubeerr.NewBadRequest("invalid spec")
	})
	_, err := NewRunner(client, Config{Namespace: ns}).Submit(context.Background(), testJob())
	assert.False(t, recoverable.IsRecoverable(err))
}
