// Package worker implements the program that runs inside an ephemeral
// isolated worker: clone, agent session, stage-and-diff, publish result.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gitpilot/internal/agent"
	"gitpilot/internal/gitws"
	"gitpilot/internal/store"
	"gitpilot/internal/task"
)

// resultTTL bounds how long a published result waits for pickup.
const resultTTL = time.Hour

// Git is the subset of workspace operations the worker performs.
type Git interface {
	Clone(ctx context.Context, cloneURL, branch, token, destPrefix string) (string, error)
	StageFiles(ctx context.Context, dir string, files []string) error
	StagedDiff(ctx context.Context, dir string) ([]byte, error)
	HeadSha(ctx context.Context, dir string) (string, error)
}

// Worker executes one task end to end and publishes the result.
type Worker struct {
	Git     Git
	Runner  agent.Runner
	Results store.ResultStore
	Logger  *slog.Logger

	ForgeToken string
	// AllowedHosts restricts which hosts the worker will clone from. Empty
	// means any host the URL validation accepts.
	AllowedHosts []string
}

// Run performs the task and publishes its result. A returned error means
// nothing was published; the process should exit non-zero so the executor
// can inspect logs.
func (w *Worker) Run(ctx context.Context, params task.Params) error {
	if err := w.checkHost(params.RepoCloneURL); err != nil {
		return err
	}

	dir, err := w.Git.Clone(ctx, params.RepoCloneURL, params.Branch, w.ForgeToken, "gitpilot-worker")
	if err != nil {
		return fmt.Errorf("failed to clone workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	agentCtx, cancel := context.WithTimeout(ctx, params.Timeout)
	output, err := w.Runner.Run(agentCtx, dir, params.SystemPrompt, params.UserPrompt)
	cancel()
	if err != nil {
		return fmt.Errorf("agent session failed: %w", err)
	}

	var result *task.Result
	if params.Kind == task.KindMRReview {
		result = task.NewReviewResult(output)
	} else {
		result, err = w.buildCodingResult(ctx, dir, output)
		if err != nil {
			return err
		}
	}

	if err := w.Results.PutResult(ctx, params.TaskID, result, resultTTL); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	w.Logger.Info("Result published", "task_id", params.TaskID, "type", string(result.Type))
	return nil
}

// buildCodingResult stages exactly the files the agent claims to have
// touched and captures the staged diff. Staging only claimed files keeps
// build artefacts and agent state out of the patch.
func (w *Worker) buildCodingResult(ctx context.Context, dir, output string) (*task.Result, error) {
	parsed := ParseCodingOutput(output)
	if len(parsed.Files) == 0 {
		return task.NewEmptyCodingResult(parsed.Summary), nil
	}

	for _, f := range parsed.Files {
		if err := validateClaimedPath(f); err != nil {
			return nil, err
		}
	}

	if err := w.Git.StageFiles(ctx, dir, parsed.Files); err != nil {
		return nil, fmt.Errorf("failed to stage claimed files: %w", err)
	}

	diff, err := w.Git.StagedDiff(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to capture staged diff: %w", err)
	}
	if len(bytes.TrimSpace(diff)) == 0 {
		return task.NewEmptyCodingResult(parsed.Summary), nil
	}
	if err := gitws.ValidatePatch(diff); err != nil {
		return nil, fmt.Errorf("captured diff rejected: %w", err)
	}

	head, err := w.Git.HeadSha(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read head sha: %w", err)
	}

	return task.NewCodingResult(parsed.Summary, diff, head), nil
}

func (w *Worker) checkHost(cloneURL string) error {
	if len(w.AllowedHosts) == 0 {
		return nil
	}
	u, err := url.Parse(cloneURL)
	if err != nil {
		return fmt.Errorf("invalid repo url")
	}
	for _, host := range w.AllowedHosts {
		if strings.EqualFold(u.Host, host) {
			return nil
		}
	}
	return fmt.Errorf("repo host %q is not allowlisted", u.Host)
}

func validateClaimedPath(p string) error {
	if p == "" || filepath.IsAbs(p) {
		return fmt.Errorf("claimed file path %q is not a relative repo path", p)
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return fmt.Errorf("claimed file path %q escapes the repository", p)
		}
	}
	return nil
}
