package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"gitpilot/internal/store"
	"gitpilot/internal/task"
	"gitpilot/internal/telemetry"
)

// dockerAPI is the subset of the Docker API used here, split out so tests
// can substitute a mock.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Docker runs each task in an ephemeral local container. It offers the same
// isolation contract as Kube for single-host deployments: the worker image
// clones its own workspace and publishes the result through the shared
// store; the controller's credentials never enter the container beyond what
// the worker needs.
type Docker struct {
	API      dockerAPI
	Image    string
	StoreURL string
	// Env carries the worker's credential variables (forge token for the
	// clone, LLM key for the agent).
	Env map[string]string
	// AllowedHosts is the comma-separated clone allowlist injected into
	// every worker.
	AllowedHosts string
	Results      store.ResultStore
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger
}

// NewDockerAPI connects to the local Docker daemon.
func NewDockerAPI() (dockerAPI, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// Execute implements Executor.
func (e *Docker) Execute(ctx context.Context, params task.Params) (res *task.Result, err error) {
	defer func() { observeJob(e.Metrics, "docker", err) }()
	return e.execute(ctx, params)
}

func (e *Docker) execute(ctx context.Context, params task.Params) (*task.Result, error) {
	if res, ok, err := e.Results.GetResult(ctx, params.TaskID); err != nil {
		return nil, fmt.Errorf("failed to check result cache: %w", err)
	} else if ok {
		e.Logger.Info("Reusing cached worker result", "task_id", params.TaskID)
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, params.Timeout+resultGrace)
	defer cancel()

	// Best effort; the image may already be local.
	if reader, err := e.API.ImagePull(ctx, e.Image, image.PullOptions{}); err == nil {
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	env := params.Env()
	env[task.EnvStoreURL] = e.StoreURL
	if e.AllowedHosts != "" {
		env[task.EnvAllowedHosts] = e.AllowedHosts
	}
	for k, v := range e.Env {
		env[k] = v
	}
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	envList := make([]string, 0, len(names))
	for _, name := range names {
		envList = append(envList, name+"="+env[name])
	}

	resp, err := e.API.ContainerCreate(ctx,
		&container.Config{
			Image:      e.Image,
			Env:        envList,
			WorkingDir: "/workspace",
		},
		&container.HostConfig{
			ReadonlyRootfs: true,
			Tmpfs: map[string]string{
				"/workspace": "rw,size=1g",
				"/tmp":       "rw,size=256m",
			},
			CapDrop:     strslice.StrSlice{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			Resources: container.Resources{
				Memory:   2 << 30,
				NanoCPUs: 2_000_000_000,
			},
		},
		nil, nil, "gitpilot-worker-"+params.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		_ = e.API.ContainerRemove(context.WithoutCancel(ctx), containerID, container.RemoveOptions{Force: true})
	}()

	if err := e.API.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start worker container: %w", err)
	}
	e.Logger.Info("Worker container started", "container", containerID[:12], "task_id", params.TaskID)

	waitCh, errCh := e.API.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("failed waiting for worker container: %w", err)
	case status := <-waitCh:
		if status.StatusCode != 0 {
			return nil, fmt.Errorf("worker container exited with status %d", status.StatusCode)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("worker container timed out: %w", ctx.Err())
	}

	res, ok, err := e.Results.GetResult(ctx, params.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker result: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("worker container exited cleanly but published no result")
	}
	return res, nil
}
