package agent

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLIRunnerCapturesStdout(t *testing.T) {
	r := NewCLIRunner("cat", nil, nil, time.Minute)
	out, err := r.Run(context.Background(), t.TempDir(), "You are a reviewer.", "Review this.")
	require.NoError(t, err)
	assert.Equal(t, "You are a reviewer.\n\nReview this.", out)
}

func TestCLIRunnerRunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	r := NewCLIRunner("pwd", nil, nil, time.Minute)
	out, err := r.Run(context.Background(), dir, "", "")
	require.NoError(t, err)
	assert.Contains(t, out, dir)
}

func TestCLIRunnerEnvAllowlist(t *testing.T) {
	t.Setenv("AGENT_API_KEY", "llm-secret")
	t.Setenv("GITLAB_TOKEN", "forge-secret")
	t.Setenv("WEBHOOK_SECRET", "hook-secret")

	r := NewCLIRunner("env", nil, []string{"AGENT_API_KEY"}, time.Minute)
	out, err := r.Run(context.Background(), t.TempDir(), "", "")
	require.NoError(t, err)
	assert.Contains(t, out, "AGENT_API_KEY=llm-secret")
	assert.NotContains(t, out, "forge-secret")
	assert.NotContains(t, out, "hook-secret")
}

func TestCLIRunnerUnsetEnvSkipped(t *testing.T) {
	os.Unsetenv("GITPILOT_TEST_UNSET")
	r := NewCLIRunner("env", nil, []string{"GITPILOT_TEST_UNSET"}, time.Minute)
	out, err := r.Run(context.Background(), t.TempDir(), "", "")
	require.NoError(t, err)
	assert.NotContains(t, out, "GITPILOT_TEST_UNSET")
}

func TestCLIRunnerTimeout(t *testing.T) {
	r := NewCLIRunner("sleep", []string{"5"}, nil, 50*time.Millisecond)
	_, err := r.Run(context.Background(), t.TempDir(), "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestCLIRunnerStderrInError(t *testing.T) {
	r := NewCLIRunner("sh", []string{"-c", "echo boom >&2; exit 3"}, nil, time.Minute)
	_, err := r.Run(context.Background(), t.TempDir(), "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
