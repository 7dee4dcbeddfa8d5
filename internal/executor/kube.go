package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"gitpilot/internal/store"
	"gitpilot/internal/task"
	"gitpilot/internal/telemetry"
)

const (
	// resultAnnotation is read as a fallback when a finished worker's result
	// is missing from the shared store.
	resultAnnotation = "gitpilot.io/result"

	jobNamePrefix = "gitpilot-worker-"

	// workerTTLSeconds reaps finished jobs automatically.
	workerTTLSeconds = int32(300)
)

// Kube launches each task as a Kubernetes Job running the worker image and
// awaits the result through the shared store. The job name derives from the
// task id, so a retried task either reuses the running job or picks up the
// already-published result instead of spawning a duplicate worker.
type Kube struct {
	Clientset  kubernetes.Interface
	Namespace  string
	Image      string
	SecretName string
	// ConfigMapName, when set, is mounted as extra non-sensitive env.
	ConfigMapName string
	// StoreURL is handed to workers so they can publish results.
	StoreURL string
	// AllowedHosts is the comma-separated clone allowlist injected into
	// every worker.
	AllowedHosts string
	Results      store.ResultStore
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger

	// PollInterval defaults to 2s; tests shorten it.
	PollInterval time.Duration
}

// NewKubeClientset builds a clientset from in-cluster config, falling back
// to the local kubeconfig.
func NewKubeClientset() (kubernetes.Interface, string, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		var kubeconfig string
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		} else {
			kubeconfig = os.Getenv("KUBECONFIG")
		}

		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create k8s client: %w", err)
	}

	namespace := "default"
	if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
		namespace = strings.TrimSpace(string(data))
	}

	return clientset, namespace, nil
}

// Execute implements Executor.
func (e *Kube) Execute(ctx context.Context, params task.Params) (res *task.Result, err error) {
	defer func() { observeJob(e.Metrics, "kubernetes", err) }()
	return e.execute(ctx, params)
}

func (e *Kube) execute(ctx context.Context, params task.Params) (*task.Result, error) {
	// An earlier attempt may have finished after the controller gave up.
	if res, ok, err := e.Results.GetResult(ctx, params.TaskID); err != nil {
		return nil, fmt.Errorf("failed to check result cache: %w", err)
	} else if ok {
		e.Logger.Info("Reusing cached worker result", "task_id", params.TaskID)
		return res, nil
	}

	jobName := jobNamePrefix + params.TaskID
	jobs := e.Clientset.BatchV1().Jobs(e.Namespace)

	existing, err := jobs.Get(ctx, jobName, metav1.GetOptions{})
	switch {
	case err == nil && jobFinished(existing):
		// A finished job with no stored result is a stale remnant; it must
		// not satisfy this attempt.
		e.Logger.Info("Deleting stale finished worker job", "job", jobName)
		if err := e.deleteJob(ctx, jobName); err != nil {
			return nil, err
		}
		if err := e.createJob(ctx, jobName, params); err != nil {
			return nil, err
		}
	case err == nil:
		e.Logger.Info("Worker job already running", "job", jobName)
	case apierrors.IsNotFound(err):
		if err := e.createJob(ctx, jobName, params); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to check for existing job: %w", err)
	}

	return e.await(ctx, jobName, params)
}

func (e *Kube) createJob(ctx context.Context, jobName string, params task.Params) error {
	_, err := e.Clientset.BatchV1().Jobs(e.Namespace).Create(ctx, e.jobSpec(jobName, params), metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create worker job: %w", err)
	}
	e.Logger.Info("Worker job created", "job", jobName, "task_id", params.TaskID)
	return nil
}

func (e *Kube) deleteJob(ctx context.Context, jobName string) error {
	policy := metav1.DeletePropagationBackground
	err := e.Clientset.BatchV1().Jobs(e.Namespace).Delete(ctx, jobName, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete job %s: %w", jobName, err)
	}

	// Deletion is async; wait until the name is free before recreating.
	for {
		_, err := e.Clientset.BatchV1().Jobs(e.Namespace).Get(ctx, jobName, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed waiting for job deletion: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.pollInterval()):
		}
	}
}

// await polls for the result until the worker finishes or the task times
// out. The store is checked before the job status so a result published
// moments before job bookkeeping catches up is not missed.
func (e *Kube) await(ctx context.Context, jobName string, params task.Params) (*task.Result, error) {
	deadline := time.Now().Add(params.Timeout + resultGrace)

	for {
		if res, ok, err := e.Results.GetResult(ctx, params.TaskID); err == nil && ok {
			return res, nil
		}

		job, err := e.Clientset.BatchV1().Jobs(e.Namespace).Get(ctx, jobName, metav1.GetOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("failed to poll worker job: %w", err)
		}

		if err == nil {
			if job.Status.Succeeded > 0 {
				return e.collectFinished(ctx, job, params)
			}
			if job.Status.Failed > 0 {
				return nil, fmt.Errorf("worker job %s failed", jobName)
			}
		}

		if time.Now().After(deadline) {
			e.Logger.Error("Worker job timed out, deleting", "job", jobName)
			_ = e.deleteJob(context.WithoutCancel(ctx), jobName)
			return nil, fmt.Errorf("worker job %s timed out after %s", jobName, params.Timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.pollInterval()):
		}
	}
}

func (e *Kube) collectFinished(ctx context.Context, job *batchv1.Job, params task.Params) (*task.Result, error) {
	if res, ok, err := e.Results.GetResult(ctx, params.TaskID); err != nil {
		return nil, fmt.Errorf("failed to read worker result: %w", err)
	} else if ok {
		return res, nil
	}

	if encoded, ok := job.Annotations[resultAnnotation]; ok {
		e.Logger.Warn("Worker result missing from store, using job annotation", "job", job.Name)
		return task.DecodeResult([]byte(encoded))
	}

	return nil, fmt.Errorf("worker job %s succeeded but published no result", job.Name)
}

func (e *Kube) jobSpec(jobName string, params task.Params) *batchv1.Job {
	ttl := workerTTLSeconds
	backoff := int32(0)

	env := params.Env()
	env[task.EnvStoreURL] = e.StoreURL
	if e.AllowedHosts != "" {
		env[task.EnvAllowedHosts] = e.AllowedHosts
	}
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	envVars := make([]corev1.EnvVar, 0, len(names))
	for _, name := range names {
		envVars = append(envVars, corev1.EnvVar{Name: name, Value: env[name]})
	}

	envFrom := []corev1.EnvFromSource{
		{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: e.SecretName},
			},
		},
	}
	if e.ConfigMapName != "" {
		envFrom = append(envFrom, corev1.EnvFromSource{
			ConfigMapRef: &corev1.ConfigMapEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: e.ConfigMapName},
				Optional:             boolPtr(true),
			},
		})
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name: jobName,
			Labels: map[string]string{
				"app":     "gitpilot-worker",
				"task-id": params.TaskID,
			},
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: &ttl,
			BackoffLimit:            &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"app":     "gitpilot-worker",
						"task-id": params.TaskID,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					EnableServiceLinks: boolPtr(false),
					SecurityContext: &corev1.PodSecurityContext{
						RunAsNonRoot: boolPtr(true),
						RunAsUser:    int64Ptr(65532),
						SeccompProfile: &corev1.SeccompProfile{
							Type: corev1.SeccompProfileTypeRuntimeDefault,
						},
					},
					Containers: []corev1.Container{
						{
							Name:    "worker",
							Image:   e.Image,
							Env:     envVars,
							EnvFrom: envFrom,
							SecurityContext: &corev1.SecurityContext{
								AllowPrivilegeEscalation: boolPtr(false),
								ReadOnlyRootFilesystem:   boolPtr(true),
								Capabilities: &corev1.Capabilities{
									Drop: []corev1.Capability{"ALL"},
								},
							},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("250m"),
									corev1.ResourceMemory: resource.MustParse("512Mi"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("2"),
									corev1.ResourceMemory: resource.MustParse("2Gi"),
								},
							},
							WorkingDir: "/workspace",
							VolumeMounts: []corev1.VolumeMount{
								{Name: "workspace", MountPath: "/workspace"},
								{Name: "tmp", MountPath: "/tmp"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name:         "workspace",
							VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
						},
						{
							Name:         "tmp",
							VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
						},
					},
				},
			},
		},
	}
}

func (e *Kube) pollInterval() time.Duration {
	if e.PollInterval > 0 {
		return e.PollInterval
	}
	return 2 * time.Second
}

func jobFinished(job *batchv1.Job) bool {
	return job.Status.Succeeded > 0 || job.Status.Failed > 0
}

func boolPtr(b bool) *bool    { return &b }
func int64Ptr(n int64) *int64 { return &n }
