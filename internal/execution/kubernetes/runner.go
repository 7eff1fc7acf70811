// Package kubernetes runs jobs as batch/v1 Jobs in a namespace of a
// Kubernetes cluster.
package kubernetes

import (
	"context"
	"encoding/json"
	"net"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ChuLiYu/tapis-jobs/internal/execution"
	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

var logger = log.WithField("component", "kubernetes")

const (
	labelJobUUID   = "jobs.tapis.io/uuid"
	labelManagedBy = "app.kubernetes.io/managed-by"
	managedBy      = "tapis-jobs"
	stagingKey     = "job.json"
)

// Config selects the cluster and namespace.
type Config struct {
	Kubeconfig     string
	Namespace      string
	ServiceAccount string
}

// NewClientset connects with the kubeconfig file, or with the in-cluster
// service account when kubeconfig is empty.
func NewClientset(kubeconfig string) (k8s.Interface, error) {
	var config *rest.Config
	var err error
	if kubeconfig == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load kubernetes config")
	}
	clientset, err := k8s.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "create kubernetes clientset")
	}
	return clientset, nil
}

// Runner implements execution.Client on a clientset.
type Runner struct {
	client k8s.Interface
	cfg    Config
}

var _ execution.Client = (*Runner)(nil)

// NewRunner creates a runner. An empty namespace means "default".
func NewRunner(client k8s.Interface, cfg Config) *Runner {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	return &Runner{client: client, cfg: cfg}
}

// Factory adapts the runner to the execution registry.
func (r *Runner) Factory() execution.Factory {
	return func(*types.Job) (execution.Client, error) { return r, nil }
}

// JobName is the name of the Kubernetes Job backing a job.
func JobName(job *types.Job) string {
	return "tapis-" + strings.ToLower(job.UUID)
}

func stagingName(job *types.Job) string {
	return JobName(job) + "-staging"
}

// OpenSession checks that the namespace exists and that no resource quota in
// it is exhausted.
func (r *Runner) OpenSession(ctx context.Context, job *types.Job) error {
	if _, err := r.client.CoreV1().Namespaces().Get(ctx, r.cfg.Namespace, kubeapimeta.GetOptions{}); err != nil {
		if kubeerr.IsNotFound(err) {
			return recoverable.NewSystemAvailable("execution namespace "+r.cfg.Namespace+" is not available", err,
				r.recoveryMessage(job)).WithActivity(types.ActivityCheckSystems)
		}
		return r.classify(err, "open session")
	}

	quotas, err := r.client.CoreV1().ResourceQuotas(r.cfg.Namespace).List(ctx, kubeapimeta.ListOptions{})
	if err != nil {
		return r.classify(err, "list resource quotas")
	}
	for _, q := range quotas.Items {
		for name, hard := range q.Status.Hard {
			used, ok := q.Status.Used[name]
			if ok && used.Cmp(hard) >= 0 {
				msg := r.recoveryMessage(job)
				msg["quota"] = q.Name
				msg["resource"] = string(name)
				return recoverable.NewQuota("resource quota "+q.Name+" exhausted for "+string(name), nil, msg).
					WithActivity(types.ActivityCheckQuota)
			}
		}
	}
	return nil
}

// Stage writes the job description into a ConfigMap mounted by the job pod.
func (r *Runner) Stage(ctx context.Context, job *types.Job) error {
	descr, err := json.Marshal(struct {
		UUID    string               `json:"uuid"`
		AppID   string               `json:"app_id"`
		Inputs  []types.FileTransfer `json:"inputs,omitempty"`
		Archive *types.FileTransfer  `json:"archive,omitempty"`
	}{job.UUID, job.AppID, job.InputTransfers, job.ArchiveTransfer})
	if err != nil {
		return errors.Wrap(err, "encode staging data")
	}
	cm := &kubecore.ConfigMap{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:      stagingName(job),
			Namespace: r.cfg.Namespace,
			Labels:    labels(job),
		},
		Data: map[string]string{stagingKey: string(descr)},
	}
	_, err = r.client.CoreV1().ConfigMaps(r.cfg.Namespace).Create(ctx, cm, kubeapimeta.CreateOptions{})
	if err != nil && !kubeerr.IsAlreadyExists(err) {
		return r.classify(err, "stage job")
	}
	return nil
}

// Submit creates the batch Job. An existing Job with the same name is the
// result of an earlier attempt and is adopted.
func (r *Runner) Submit(ctx context.Context, job *types.Job) (string, error) {
	if job.ContainerImage == "" {
		return "", recoverable.NewJobError("job %s has no container image", job.UUID)
	}
	backoff := int32(0)
	spec := &kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:      JobName(job),
			Namespace: r.cfg.Namespace,
			Labels:    labels(job),
		},
		Spec: kubebatch.JobSpec{
			BackoffLimit: &backoff,
			Template: kubecore.PodTemplateSpec{
				ObjectMeta: kubeapimeta.ObjectMeta{Labels: labels(job)},
				Spec: kubecore.PodSpec{
					RestartPolicy:      kubecore.RestartPolicyNever,
					ServiceAccountName: r.cfg.ServiceAccount,
					Containers: []kubecore.Container{{
						Name:    "main",
						Image:   job.ContainerImage,
						Command: job.Command,
						VolumeMounts: []kubecore.VolumeMount{{
							Name: "staging", MountPath: "/tapis", ReadOnly: true,
						}},
					}},
					Volumes: []kubecore.Volume{{
						Name: "staging",
						VolumeSource: kubecore.VolumeSource{
							ConfigMap: &kubecore.ConfigMapVolumeSource{
								LocalObjectReference: kubecore.LocalObjectReference{Name: stagingName(job)},
							},
						},
					}},
				},
			},
		},
	}

	created, err := r.client.BatchV1().Jobs(r.cfg.Namespace).Create(ctx, spec, kubeapimeta.CreateOptions{})
	if kubeerr.IsAlreadyExists(err) {
		logger.WithField("job", job.UUID).Info("Adopting existing Kubernetes job")
		return spec.Name, nil
	}
	if err != nil {
		return "", r.classify(err, "submit job")
	}
	logger.WithFields(log.Fields{"job": job.UUID, "remote": created.Name}).Info("Kubernetes job created")
	return created.Name, nil
}

// MonitorInactiveJob reports whether the pod has started.
func (r *Runner) MonitorInactiveJob(ctx context.Context, job *types.Job) (execution.RemoteStatus, error) {
	return r.status(ctx, job)
}

// MonitorActiveJob reports whether the job has ended.
func (r *Runner) MonitorActiveJob(ctx context.Context, job *types.Job) (execution.RemoteStatus, error) {
	return r.status(ctx, job)
}

func (r *Runner) status(ctx context.Context, job *types.Job) (execution.RemoteStatus, error) {
	kj, err := r.client.BatchV1().Jobs(r.cfg.Namespace).Get(ctx, remoteName(job), kubeapimeta.GetOptions{})
	if err != nil {
		if kubeerr.IsNotFound(err) {
			return "", recoverable.WrapJobError(err, "kubernetes job %s of job %s disappeared", remoteName(job), job.UUID)
		}
		return "", r.classify(err, "monitor job")
	}
	for _, c := range kj.Status.Conditions {
		if c.Status != kubecore.ConditionTrue {
			continue
		}
		switch c.Type {
		case kubebatch.JobComplete:
			return execution.RemoteSucceeded, nil
		case kubebatch.JobFailed:
			return execution.RemoteFailed, nil
		}
	}
	switch {
	case kj.Status.Succeeded > 0:
		return execution.RemoteSucceeded, nil
	case kj.Status.Failed > 0:
		return execution.RemoteFailed, nil
	case kj.Status.Active > 0:
		return execution.RemoteRunning, nil
	}
	return execution.RemoteQueued, nil
}

// Cancel deletes the Job and its pods.
func (r *Runner) Cancel(ctx context.Context, job *types.Job) error {
	foreground := kubeapimeta.DeletePropagationForeground
	zero := int64(0)
	err := r.client.BatchV1().Jobs(r.cfg.Namespace).Delete(ctx, remoteName(job), kubeapimeta.DeleteOptions{
		GracePeriodSeconds: &zero,
		PropagationPolicy:  &foreground,
	})
	if err != nil && !kubeerr.IsNotFound(err) {
		return r.classify(err, "cancel job")
	}
	err = r.client.CoreV1().ConfigMaps(r.cfg.Namespace).Delete(ctx, stagingName(job), kubeapimeta.DeleteOptions{})
	if err != nil && !kubeerr.IsNotFound(err) {
		logger.WithError(err).WithField("job", job.UUID).Warn("Unable to delete staging config map")
	}
	return nil
}

func remoteName(job *types.Job) string {
	if job.RemoteJobID != "" {
		return job.RemoteJobID
	}
	return JobName(job)
}

func labels(job *types.Job) map[string]string {
	return map[string]string{labelJobUUID: job.UUID, labelManagedBy: managedBy}
}

func (r *Runner) recoveryMessage(job *types.Job) map[string]string {
	return map[string]string{"system": job.ExecSystemID, "namespace": r.cfg.Namespace}
}

// classify maps API server failures onto the recoverable taxonomy.
func (r *Runner) classify(err error, op string) error {
	msg := map[string]string{"namespace": r.cfg.Namespace, "operation": op}
	var netErr net.Error
	switch {
	case kubeerr.IsForbidden(err) && strings.Contains(err.Error(), "exceeded quota"):
		return recoverable.NewQuota(op+": quota exceeded", err, msg)
	case kubeerr.IsUnauthorized(err), kubeerr.IsForbidden(err):
		return recoverable.NewSSHAuth(op+": not authorized", err, msg)
	case kubeerr.IsTimeout(err), kubeerr.IsServerTimeout(err), kubeerr.IsServiceUnavailable(err),
		kubeerr.IsTooManyRequests(err), kubeerr.IsInternalError(err), kubeerr.IsUnexpectedServerError(err):
		return recoverable.NewSSHConnection(op+": API server unavailable", err, msg)
	case errors.As(err, &netErr):
		return recoverable.NewSSHConnection(op+": API server unreachable", err, msg)
	}
	return recoverable.WrapJobError(err, "kubernetes %s", op)
}
