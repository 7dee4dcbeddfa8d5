// Package executor runs agent tasks either in-process or inside disposable
// isolated workers, behind a uniform contract.
package executor

import (
	"context"
	"fmt"
	"time"

	"gitpilot/internal/agent"
	"gitpilot/internal/task"
	"gitpilot/internal/telemetry"
)

// Executor runs one task to completion and returns its result.
type Executor interface {
	Execute(ctx context.Context, params task.Params) (*task.Result, error)
}

// resultGrace extends the per-task timeout for isolated workers: the agent
// deadline covers only the agent session, while the worker also clones,
// stages, and publishes through the store before exiting.
const resultGrace = 2 * time.Minute

// observeJob records a worker launch outcome when metrics are wired.
func observeJob(m *telemetry.Metrics, executor string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.WorkerJobsTotal.WithLabelValues(executor, outcome).Inc()
}

// InProcess runs the agent directly against a workspace the controller has
// already cloned. Coding results carry no patch: the caller observes the
// agent's changes on disk.
type InProcess struct {
	Runner agent.Runner
}

// Execute implements Executor.
func (e *InProcess) Execute(ctx context.Context, params task.Params) (*task.Result, error) {
	if params.WorkingDir == "" {
		return nil, fmt.Errorf("in-process execution requires a working directory")
	}

	ctx, cancel := context.WithTimeout(ctx, params.Timeout)
	defer cancel()

	output, err := e.Runner.Run(ctx, params.WorkingDir, params.SystemPrompt, params.UserPrompt)
	if err != nil {
		return nil, fmt.Errorf("agent session failed: %w", err)
	}

	if params.Kind == task.KindMRReview {
		return task.NewReviewResult(output), nil
	}
	return task.NewCodingResult(output, nil, ""), nil
}
