// Package agent runs LLM coding-agent sessions against a working directory.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Runner executes one agent session in workDir and returns the agent's
// final text output.
type Runner interface {
	Run(ctx context.Context, workDir, systemPrompt, userPrompt string) (string, error)
}

// execCommandContext allows mocking of exec.CommandContext for testing.
var execCommandContext = exec.CommandContext

// defaultEnvPassthrough is always forwarded so the subprocess can function.
var defaultEnvPassthrough = []string{"PATH", "HOME", "LANG", "TERM", "TMPDIR"}

// CLIRunner shells out to an agent CLI binary. The prompt arrives on stdin.
//
// The subprocess environment is built from an allowlist rather than
// inherited: only the configured LLM credential variables and a few basics
// are forwarded. Forge tokens, tracker tokens, and the webhook secret never
// reach the agent, so a prompt-injected agent cannot read them.
type CLIRunner struct {
	Binary  string
	Args    []string
	EnvPass []string
	Timeout time.Duration
}

// NewCLIRunner creates a runner for the given agent binary. envPass names
// the credential variables the agent needs (e.g. its API key).
func NewCLIRunner(binary string, args []string, envPass []string, timeout time.Duration) *CLIRunner {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &CLIRunner{Binary: binary, Args: args, EnvPass: envPass, Timeout: timeout}
}

// Run executes one session. The system prompt and user prompt are joined
// with a blank line and written to the agent's stdin.
func (r *CLIRunner) Run(ctx context.Context, workDir, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := execCommandContext(ctx, r.Binary, r.Args...)
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(systemPrompt + "\n\n" + userPrompt)
	cmd.Env = r.buildEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("agent session timed out after %s", r.Timeout)
		}
		if stderr.Len() > 0 {
			return "", fmt.Errorf("agent cli failed: %w: %s", err, truncate(stderr.String(), 512))
		}
		return "", fmt.Errorf("agent cli failed: %w", err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

func (r *CLIRunner) buildEnv() []string {
	names := make([]string, 0, len(defaultEnvPassthrough)+len(r.EnvPass))
	names = append(names, defaultEnvPassthrough...)
	names = append(names, r.EnvPass...)

	env := make([]string, 0, len(names))
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
