package launcher

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func newTestLauncher(t *testing.T) (*Kubernetes, *fake.Clientset) {
	t.Helper()
	client := fake.NewSimpleClientset()
	l := NewKubernetes(client, KubernetesConfig{
		Namespace: "training",
		Image:     "registry.local/trainq-runner:1",
		StoreURL:  "redis://redis:6379/0",
		Env:       map[string]string{"B": "2", "A": "1"},
	}, nil)
	return l, client
}

func setCondition(t *testing.T, client *fake.Clientset, name string, cond batchv1.JobCondition) {
	t.Helper()
	ctx := context.Background()
	job, err := client.BatchV1().Jobs("training").Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)
	job.Status.Conditions = append(job.Status.Conditions, cond)
	_, err = client.BatchV1().Jobs("training").UpdateStatus(ctx, job, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func TestLaunchCreatesJob(t *testing.T) {
	ctx := context.Background()
	l, client := newTestLauncher(t)

	h, err := l.Launch(ctx, Request{JobID: "Job_A", Attempt: 1, ConfigRef: "configs/default/DE/t1.json", Workers: 8})
	require.NoError(t, err)
	name := ExecutionName("Job_A", 1)
	assert.Equal(t, Handle("training/"+name), h)
	assert.Regexp(t, `^train-job-a-[0-9a-f]{8}-1$`, name)

	job, err := client.BatchV1().Jobs("training").Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, job.Spec.BackoffLimit)
	assert.EqualValues(t, 0, *job.Spec.BackoffLimit)

	c := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, []string{"--config-ref", "configs/default/DE/t1.json", "--store", "redis://redis:6379/0"}, c.Args)
	assert.Equal(t, "8", c.Resources.Limits.Cpu().String())
	require.Len(t, c.Env, 3)
	assert.Equal(t, CPULimitEnv, c.Env[0].Name)
	assert.Equal(t, "limits.cpu", c.Env[0].ValueFrom.ResourceFieldRef.Resource)
	assert.Equal(t, "A", c.Env[1].Name)
	assert.Equal(t, corev1.RestartPolicyNever, job.Spec.Template.Spec.RestartPolicy)
	assert.Equal(t, "Job_A", job.Annotations[annotationJobID])
	assert.Equal(t, "configs/default/DE/t1.json", job.Annotations[annotationConfigRef])
}

func TestLaunchSameAttemptAdoptsExistingExecution(t *testing.T) {
	ctx := context.Background()
	l, client := newTestLauncher(t)
	req := Request{JobID: "a", Attempt: 1, ConfigRef: "configs/x.json"}

	first, err := l.Launch(ctx, req)
	require.NoError(t, err)
	second, err := l.Launch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	jobs, err := client.BatchV1().Jobs("training").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, jobs.Items, 1)
}

func TestSimilarJobIDsGetSeparateExecutions(t *testing.T) {
	ctx := context.Background()
	l, client := newTestLauncher(t)

	first, err := l.Launch(ctx, Request{JobID: "DE_default_2024", Attempt: 1, ConfigRef: "configs/a.json"})
	require.NoError(t, err)
	second, err := l.Launch(ctx, Request{JobID: "de-default-2024", Attempt: 1, ConfigRef: "configs/b.json"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	jobs, err := client.BatchV1().Jobs("training").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, jobs.Items, 2)
}

func TestLaunchRefusesToAdoptForeignExecution(t *testing.T) {
	ctx := context.Background()
	l, client := newTestLauncher(t)

	// Same name, but created for another job.
	name := ExecutionName("a", 1)
	_, err := client.BatchV1().Jobs("training").Create(ctx, &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   "training",
			Labels:      map[string]string{labelAttempt: "1"},
			Annotations: map[string]string{annotationJobID: "other", annotationConfigRef: "configs/other.json"},
		},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	_, err = l.Launch(ctx, Request{JobID: "a", Attempt: 1, ConfigRef: "configs/a.json"})
	var le *LaunchError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "NameConflict", le.Reason)
	assert.Contains(t, err.Error(), "other")
}

func TestLaunchRejectionIsLaunchError(t *testing.T) {
	l, client := newTestLauncher(t)
	client.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Group: "batch", Resource: "jobs"}, ExecutionName("a", 1), errors.New("exceeded quota: cpu"))
	})

	_, err := l.Launch(context.Background(), Request{JobID: "a", Attempt: 1})
	var le *LaunchError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "a", le.JobID)
	assert.Contains(t, err.Error(), "exceeded quota")
}

func TestLaunchTransientErrorIsNotLaunchError(t *testing.T) {
	l, client := newTestLauncher(t)
	client.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewServiceUnavailable("apiserver restarting")
	})

	_, err := l.Launch(context.Background(), Request{JobID: "a", Attempt: 1})
	require.Error(t, err)
	var le *LaunchError
	assert.False(t, errors.As(err, &le))
}

func TestStatusFollowsJobConditions(t *testing.T) {
	ctx := context.Background()
	l, client := newTestLauncher(t)

	h, err := l.Launch(ctx, Request{JobID: "a", Attempt: 1})
	require.NoError(t, err)

	st, err := l.Status(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, PhaseRunning, st.Phase)

	setCondition(t, client, ExecutionName("a", 1), batchv1.JobCondition{Type: batchv1.JobComplete, Status: corev1.ConditionTrue})
	st, err = l.Status(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, PhaseSucceeded, st.Phase)

	h2, err := l.Launch(ctx, Request{JobID: "b", Attempt: 1})
	require.NoError(t, err)
	setCondition(t, client, ExecutionName("b", 1), batchv1.JobCondition{
		Type: batchv1.JobFailed, Status: corev1.ConditionTrue,
		Reason: "BackoffLimitExceeded", Message: "Job has reached the specified backoff limit",
	})
	st, err = l.Status(ctx, h2)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, "Job has reached the specified backoff limit", st.Message)
}

func TestStatusUnknownOnAPIError(t *testing.T) {
	ctx := context.Background()
	l, client := newTestLauncher(t)
	h, err := l.Launch(ctx, Request{JobID: "a", Attempt: 1})
	require.NoError(t, err)

	client.PrependReactor("get", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewTimeoutError("etcd slow", 1)
	})
	st, err := l.Status(ctx, h)
	require.Error(t, err)
	assert.Equal(t, PhaseUnknown, st.Phase)
	assert.False(t, st.Phase.Terminal())
}

func TestStopAndMissingExecution(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLauncher(t)
	h, err := l.Launch(ctx, Request{JobID: "a", Attempt: 1})
	require.NoError(t, err)

	require.NoError(t, l.Stop(ctx, h))
	require.NoError(t, l.Stop(ctx, h))

	st, err := l.Status(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, st.Phase)
}

func TestExecutionName(t *testing.T) {
	dns := regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	for _, id := range []string{
		"0b6f4a3e-2c1d-4e8f-9a7b-5c3d2e1f0a9b",
		"Weird ID/with spaces",
		"xabcdefghijabcdefghijabcdefghijabcdefghijabcdefghijabcdefghijabcdefghij",
		"日本語",
	} {
		name := ExecutionName(id, 12)
		assert.LessOrEqual(t, len(name), 63, name)
		assert.Regexp(t, dns, name)
		assert.Equal(t, name, ExecutionName(id, 12))
	}
	assert.NotEqual(t, ExecutionName("a", 1), ExecutionName("a", 2))
	assert.NotEqual(t, ExecutionName("Job_A", 1), ExecutionName("job-a", 1))
	assert.NotEqual(t, ExecutionName("日本", 1), ExecutionName("中国", 1))

	long := "xabcdefghijabcdefghijabcdefghijabcdefghijabcdefghijabcdefghij"
	assert.NotEqual(t, ExecutionName(long+"1", 1), ExecutionName(long+"2", 1))
}
