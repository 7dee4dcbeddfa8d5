package executor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"gitpilot/internal/store"
	"gitpilot/internal/task"
)

func newTestKube(clientset *fake.Clientset) (*Kube, *store.MemoryResultStore) {
	results := store.NewMemoryResultStore()
	return &Kube{
		Clientset:    clientset,
		Namespace:    "agents",
		Image:        "registry.example.com/gitpilot-worker:latest",
		SecretName:   "gitpilot-worker-secrets",
		StoreURL:     "redis://redis:6379/0",
		AllowedHosts: "gitlab.example.com",
		Results:      results,
		Logger:       slog.Default(),
		PollInterval: 5 * time.Millisecond,
	}, results
}

func testParams() task.Params {
	return task.Params{
		TaskID:       "abc123def456abc123de",
		Kind:         task.KindJiraCoding,
		RepoCloneURL: "https://gitlab.example.com/g/r.git",
		Branch:       "main",
		SystemPrompt: "sys",
		UserPrompt:   "user",
		Timeout:      2 * time.Second,
	}
}

func TestKubeResultCacheShortCircuit(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	e, results := newTestKube(clientset)
	params := testParams()

	want := task.NewCodingResult("done", []byte("diff"), "c1")
	require.NoError(t, results.PutResult(context.Background(), params.TaskID, want, time.Hour))

	res, err := e.Execute(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, want.Summary, res.Summary)

	jobs, err := clientset.BatchV1().Jobs("agents").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, jobs.Items, "cached result must not spawn a worker")
}

func TestKubeCreatesHardenedJobAndAwaitsResult(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	e, results := newTestKube(clientset)
	params := testParams()

	done := make(chan struct{})
	var res *task.Result
	var execErr error
	go func() {
		defer close(done)
		res, execErr = e.Execute(context.Background(), params)
	}()

	jobName := jobNamePrefix + params.TaskID
	var job *batchv1.Job
	require.Eventually(t, func() bool {
		j, err := clientset.BatchV1().Jobs("agents").Get(context.Background(), jobName, metav1.GetOptions{})
		if err != nil {
			return false
		}
		job = j
		return true
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(0), *job.Spec.BackoffLimit)
	assert.Equal(t, workerTTLSeconds, *job.Spec.TTLSecondsAfterFinished)

	pod := job.Spec.Template.Spec
	assert.Equal(t, corev1.RestartPolicyNever, pod.RestartPolicy)
	assert.True(t, *pod.SecurityContext.RunAsNonRoot)

	ctr := pod.Containers[0]
	assert.True(t, *ctr.SecurityContext.ReadOnlyRootFilesystem)
	assert.Contains(t, ctr.SecurityContext.Capabilities.Drop, corev1.Capability("ALL"))
	assert.Equal(t, "gitpilot-worker-secrets", ctr.EnvFrom[0].SecretRef.Name)

	envByName := map[string]string{}
	for _, ev := range ctr.Env {
		envByName[ev.Name] = ev.Value
	}
	assert.Equal(t, params.TaskID, envByName[task.EnvTaskID])
	assert.Equal(t, "jira_coding", envByName[task.EnvTaskKind])
	assert.Equal(t, "redis://redis:6379/0", envByName[task.EnvStoreURL])
	assert.Equal(t, "gitlab.example.com", envByName[task.EnvAllowedHosts])

	want := task.NewCodingResult("patched", []byte("diff --git"), "c9")
	require.NoError(t, results.PutResult(context.Background(), params.TaskID, want, time.Hour))

	<-done
	require.NoError(t, execErr)
	assert.Equal(t, "patched", res.Summary)
}

func TestKubeRecreatesStaleFinishedJob(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	e, results := newTestKube(clientset)
	params := testParams()
	jobName := jobNamePrefix + params.TaskID

	stale := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: jobName, Namespace: "agents", Labels: map[string]string{"stale": "yes"}},
		Status:     batchv1.JobStatus{Failed: 1},
	}
	_, err := clientset.BatchV1().Jobs("agents").Create(context.Background(), stale, metav1.CreateOptions{})
	require.NoError(t, err)

	done := make(chan struct{})
	var execErr error
	go func() {
		defer close(done)
		_, execErr = e.Execute(context.Background(), params)
	}()

	// The stale failed job must be replaced by a fresh one.
	require.Eventually(t, func() bool {
		j, err := clientset.BatchV1().Jobs("agents").Get(context.Background(), jobName, metav1.GetOptions{})
		return err == nil && j.Labels["stale"] == ""
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, results.PutResult(context.Background(), params.TaskID, task.NewEmptyCodingResult("nothing"), time.Hour))
	<-done
	require.NoError(t, execErr)
}

func TestKubeFailedJobSurfacesError(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	e, _ := newTestKube(clientset)
	params := testParams()
	jobName := jobNamePrefix + params.TaskID

	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), params)
		done <- err
	}()

	require.Eventually(t, func() bool {
		j, err := clientset.BatchV1().Jobs("agents").Get(context.Background(), jobName, metav1.GetOptions{})
		if err != nil {
			return false
		}
		j.Status.Failed = 1
		_, err = clientset.BatchV1().Jobs("agents").Update(context.Background(), j, metav1.UpdateOptions{})
		return err == nil
	}, time.Second, 5*time.Millisecond)

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestKubeAnnotationFallback(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	e, _ := newTestKube(clientset)
	params := testParams()
	jobName := jobNamePrefix + params.TaskID

	want := task.NewEmptyCodingResult("no changes needed")
	encoded, err := want.Encode()
	require.NoError(t, err)

	done := make(chan struct{})
	var res *task.Result
	var execErr error
	go func() {
		defer close(done)
		res, execErr = e.Execute(context.Background(), params)
	}()

	require.Eventually(t, func() bool {
		j, err := clientset.BatchV1().Jobs("agents").Get(context.Background(), jobName, metav1.GetOptions{})
		if err != nil {
			return false
		}
		j.Status.Succeeded = 1
		j.Annotations = map[string]string{resultAnnotation: string(encoded)}
		_, err = clientset.BatchV1().Jobs("agents").Update(context.Background(), j, metav1.UpdateOptions{})
		return err == nil
	}, time.Second, 5*time.Millisecond)

	<-done
	require.NoError(t, execErr)
	assert.Equal(t, task.ResultCodingEmpty, res.Type)
	assert.Equal(t, "no changes needed", res.Summary)
}
