// The worker runs inside an ephemeral container or Kubernetes job: it
// rebuilds its task from the environment, clones the repository, runs one
// agent session, and publishes the result through the shared store.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gitpilot/internal/agent"
	"gitpilot/internal/gitws"
	"gitpilot/internal/store"
	"gitpilot/internal/task"
	"gitpilot/internal/telemetry"
	"gitpilot/internal/worker"
)

// Credential and policy variables, separate from the task contract in the
// task package. On Kubernetes these arrive via the worker secret; on Docker
// the executor injects them.
const (
	envForgeToken   = "FORGE_TOKEN"
	envAgentBinary  = "AGENT_BINARY"
	envAgentEnvPass = "AGENT_ENV_PASS"
	envDebug        = "WORKER_DEBUG"
)

func main() {
	telemetry.InitLogger(os.Getenv(envDebug) != "", "")
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	params, err := task.ParamsFromEnv(os.LookupEnv)
	if err != nil {
		logger.Error("Invalid task environment", "error", err)
		os.Exit(2)
	}

	storeURL := os.Getenv(task.EnvStoreURL)
	if storeURL == "" {
		logger.Error("Missing required environment variable " + task.EnvStoreURL)
		os.Exit(2)
	}
	results, err := store.NewRedisStoreFromURL(ctx, storeURL)
	if err != nil {
		logger.Error("Failed to connect to result store", "error", err)
		os.Exit(1)
	}

	binary := os.Getenv(envAgentBinary)
	if binary == "" {
		binary = "agent-cli"
	}
	runner := agent.NewCLIRunner(binary, nil, splitList(os.Getenv(envAgentEnvPass)), params.Timeout)

	w := &worker.Worker{
		Git:          gitws.NewClient(false),
		Runner:       runner,
		Results:      results,
		Logger:       logger,
		ForgeToken:   os.Getenv(envForgeToken),
		AllowedHosts: splitList(os.Getenv(task.EnvAllowedHosts)),
	}

	start := time.Now()
	if err := w.Run(ctx, params); err != nil {
		logger.Error("Task failed", "task_id", params.TaskID, "error", err)
		os.Exit(1)
	}
	logger.Info("Task finished", "task_id", params.TaskID, "duration", time.Since(start))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
