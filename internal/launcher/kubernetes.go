package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	runnerContainer = "runner"

	// CPULimitEnv carries the container's CPU limit, in whole cores, into
	// the runner through the downward API.
	CPULimitEnv = "TRAINQ_CPU_LIMIT"

	labelApp     = "app.kubernetes.io/name"
	labelJobID   = "trainq.io/job-id"
	labelAttempt = "trainq.io/attempt"

	annotationJobID     = "trainq.io/job-id"
	annotationConfigRef = "trainq.io/config-ref"
)

type KubernetesConfig struct {
	Namespace      string
	Image          string
	ServiceAccount string
	// StoreURL is passed to the runner so it reads and writes the same store.
	StoreURL string
	Env      map[string]string
	// DefaultWorkers is the CPU request when a job does not ask for one.
	DefaultWorkers int
}

// Kubernetes runs each attempt as a batch/v1 Job with no pod retries.
type Kubernetes struct {
	client kubernetes.Interface
	cfg    KubernetesConfig
	logger *slog.Logger
}

var (
	_ Launcher = (*Kubernetes)(nil)
	_ Stopper  = (*Kubernetes)(nil)
)

func NewKubernetes(client kubernetes.Interface, cfg KubernetesConfig, logger *slog.Logger) *Kubernetes {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.DefaultWorkers <= 0 {
		cfg.DefaultWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Kubernetes{client: client, cfg: cfg, logger: logger}
}

// NewKubernetesClient uses kubeconfig (with an optional context override)
// and falls back to the in-cluster service account.
func NewKubernetesClient(kubeconfig, kubeContext string) (kubernetes.Interface, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	restCfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		inCluster, inErr := rest.InClusterConfig()
		if inErr != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", errors.Join(err, inErr))
		}
		restCfg = inCluster
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, nil
}

func (k *Kubernetes) Launch(ctx context.Context, req Request) (Handle, error) {
	job := k.jobSpec(req)
	handle := Handle(k.cfg.Namespace + "/" + job.Name)

	_, err := k.client.BatchV1().Jobs(k.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	switch {
	case err == nil:
		k.logger.Info("execution created", "job_id", req.JobID, "handle", handle, "workers", req.Workers)
		return handle, nil
	case apierrors.IsAlreadyExists(err):
		return k.adopt(ctx, req, handle)
	case apierrors.IsForbidden(err), apierrors.IsInvalid(err), apierrors.IsBadRequest(err),
		apierrors.IsNotFound(err), apierrors.IsUnauthorized(err), apierrors.IsRequestEntityTooLargeError(err):
		return "", &LaunchError{JobID: req.JobID, Reason: string(apierrors.ReasonForError(err)), Err: err}
	default:
		return "", fmt.Errorf("failed to create execution %s: %w", handle, err)
	}
}

// adopt takes over an existing Job of the same name when it was created for
// this very attempt, which happens when a previous pass crashed before
// recording it.
func (k *Kubernetes) adopt(ctx context.Context, req Request, handle Handle) (Handle, error) {
	name := ExecutionName(req.JobID, req.Attempt)
	existing, err := k.client.BatchV1().Jobs(k.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to inspect existing execution %s: %w", handle, err)
	}
	owner := existing.Annotations[annotationJobID]
	ref := existing.Annotations[annotationConfigRef]
	if owner != req.JobID || ref != req.ConfigRef || existing.Labels[labelAttempt] != strconv.Itoa(req.Attempt) {
		return "", &LaunchError{
			JobID:  req.JobID,
			Reason: "NameConflict",
			Err:    fmt.Errorf("execution %s belongs to job %q with config %q", handle, owner, ref),
		}
	}
	k.logger.Warn("execution already exists, adopting it", "job_id", req.JobID, "handle", handle)
	return handle, nil
}

func (k *Kubernetes) Status(ctx context.Context, h Handle) (Status, error) {
	ns, name, err := splitHandle(h)
	if err != nil {
		return Status{Phase: PhaseFailed, Message: err.Error()}, nil
	}
	job, err := k.client.BatchV1().Jobs(ns).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return Status{Phase: PhaseFailed, Message: "execution no longer exists on the platform"}, nil
	}
	if err != nil {
		return Status{Phase: PhaseUnknown}, fmt.Errorf("failed to describe execution %s: %w", h, err)
	}
	return jobStatus(job), nil
}

func (k *Kubernetes) Stop(ctx context.Context, h Handle) error {
	ns, name, err := splitHandle(h)
	if err != nil {
		return err
	}
	policy := metav1.DeletePropagationBackground
	err = k.client.BatchV1().Jobs(ns).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to stop execution %s: %w", h, err)
	}
	return nil
}

func jobStatus(job *batchv1.Job) Status {
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return Status{Phase: PhaseSucceeded}
		case batchv1.JobFailed:
			msg := c.Message
			if msg == "" {
				msg = c.Reason
			}
			return Status{Phase: PhaseFailed, Message: msg}
		}
	}
	return Status{Phase: PhaseRunning}
}

func splitHandle(h Handle) (string, string, error) {
	ns, name, ok := strings.Cut(string(h), "/")
	if !ok || ns == "" || name == "" {
		return "", "", fmt.Errorf("malformed execution handle %q", h)
	}
	return ns, name, nil
}

func (k *Kubernetes) jobSpec(req Request) *batchv1.Job {
	workers := req.Workers
	if workers <= 0 {
		workers = k.cfg.DefaultWorkers
	}
	cpu := resource.MustParse(strconv.Itoa(workers))
	labels := map[string]string{
		labelApp:     "training-job-queue",
		labelJobID:   labelValue(req.JobID),
		labelAttempt: strconv.Itoa(req.Attempt),
	}

	env := []corev1.EnvVar{{
		Name: CPULimitEnv,
		ValueFrom: &corev1.EnvVarSource{
			ResourceFieldRef: &corev1.ResourceFieldSelector{
				ContainerName: runnerContainer,
				Resource:      "limits.cpu",
				Divisor:       resource.MustParse("1"),
			},
		},
	}}
	names := make([]string, 0, len(k.cfg.Env))
	for name := range k.cfg.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, corev1.EnvVar{Name: name, Value: k.cfg.Env[name]})
	}

	var backoffLimit int32
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ExecutionName(req.JobID, req.Attempt),
			Namespace: k.cfg.Namespace,
			Labels:    labels,
			Annotations: map[string]string{
				annotationJobID:     req.JobID,
				annotationConfigRef: req.ConfigRef,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: k.cfg.ServiceAccount,
					Containers: []corev1.Container{{
						Name:  runnerContainer,
						Image: k.cfg.Image,
						Args:  []string{"--config-ref", req.ConfigRef, "--store", k.cfg.StoreURL},
						Env:   env,
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{corev1.ResourceCPU: cpu},
							Limits:   corev1.ResourceList{corev1.ResourceCPU: cpu},
						},
					}},
				},
			},
		},
	}
}

func labelValue(s string) string {
	v := invalidNameChars.ReplaceAllString(strings.ToLower(s), "-")
	if len(v) > 63 {
		v = v[:63]
	}
	return strings.Trim(v, "-")
}
