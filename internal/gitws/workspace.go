// Package gitws funnels every git operation the controller and workers
// perform through one module: clone, branch, commit, push, diff capture, and
// patch application. It enforces the URL, path-traversal, and size invariants
// and keeps tokens out of every error surface.
package gitws

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// MaxPatchSize bounds the diff an isolated worker may hand back.
const MaxPatchSize = 10 << 20 // 10 MiB

const (
	cloneTimeout = 120 * time.Second
	gitTimeout   = 60 * time.Second
)

// Client runs git subprocesses. The zero value forbids http clone URLs.
type Client struct {
	// AllowHTTP permits http:// clone URLs. Testing only.
	AllowHTTP bool
}

// NewClient creates a git client.
func NewClient(allowHTTP bool) *Client {
	return &Client{AllowHTTP: allowHTTP}
}

// runGit executes git with args in dir, returning combined stdout. All
// failure text is token-scrubbed before it becomes an error.
func (c *Client) runGit(ctx context.Context, dir string, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	// No interactive credential prompting under any circumstances.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=/bin/true")
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, sanitizedErrorf("git %s failed: %v: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Clone clones the repository at branch into a fresh directory under
// destPrefix and returns the local path. The token is embedded only for the
// duration of the subprocess invocation.
func (c *Client) Clone(ctx context.Context, cloneURL, branch, token, destPrefix string) (string, error) {
	if err := ValidateCloneURL(cloneURL, c.AllowHTTP); err != nil {
		return "", err
	}
	dest, err := os.MkdirTemp("", destPrefix+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create workspace dir: %w", err)
	}
	withAuth, err := authURL(cloneURL, token)
	if err != nil {
		os.RemoveAll(dest)
		return "", err
	}

	cloneCtx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()
	args := []string{"clone", "--branch", branch, withAuth, dest}
	if _, err := c.runGit(cloneCtx, "", nil, args...); err != nil {
		os.RemoveAll(dest)
		return "", err
	}
	return dest, nil
}

// CheckoutNewBranch creates and switches to a new branch.
func (c *Client) CheckoutNewBranch(ctx context.Context, dir, name string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	_, err := c.runGit(ctx, dir, nil, "checkout", "-b", name)
	return err
}

// CheckoutNewUniqueBranch creates a branch named base, probing remote refs
// and appending -2, -3, ... until the name does not collide. Returns the
// actual branch name.
func (c *Client) CheckoutNewUniqueBranch(ctx context.Context, dir, base string) (string, error) {
	name := base
	for i := 2; ; i++ {
		exists, err := c.remoteBranchExists(ctx, dir, name)
		if err != nil {
			return "", err
		}
		if !exists {
			break
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
	if err := c.CheckoutNewBranch(ctx, dir, name); err != nil {
		return "", err
	}
	return name, nil
}

func (c *Client) remoteBranchExists(ctx context.Context, dir, branch string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	out, err := c.runGit(ctx, dir, nil, "ls-remote", "--heads", "origin", branch)
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

// StageAll stages every change in the working tree.
func (c *Client) StageAll(ctx context.Context, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	_, err := c.runGit(ctx, dir, nil, "add", "--all")
	return err
}

// StageFiles stages exactly the named paths. Paths the agent did not claim
// to touch stay out of the commit.
func (c *Client) StageFiles(ctx context.Context, dir string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	args := append([]string{"add", "--"}, files...)
	_, err := c.runGit(ctx, dir, nil, args...)
	return err
}

// CommitAllStaged commits the index with the given identity. Returns false
// when there is nothing to commit; an empty tree is not an error.
func (c *Client) CommitAllStaged(ctx context.Context, dir, message, authorName, authorEmail string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	// Empty index means nothing to commit.
	check := exec.CommandContext(ctx, "git", "diff", "--cached", "--quiet")
	check.Dir = dir
	if err := check.Run(); err == nil {
		return false, nil
	}

	_, err := c.runGit(ctx, dir, nil,
		"-c", "user.name="+authorName,
		"-c", "user.email="+authorEmail,
		"commit", "-m", message)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Push pushes branch to the remote. The token never reaches the on-disk
// remote config; it is passed via a one-shot URL on the command line and
// scrubbed from any failure.
func (c *Client) Push(ctx context.Context, dir, cloneURL, branch, token string) error {
	withAuth, err := authURL(cloneURL, token)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()
	_, err = c.runGit(ctx, dir, nil, "push", withAuth, "HEAD:refs/heads/"+branch)
	return err
}

// StagedDiff captures the index as a binary-safe unified diff that
// "git apply --3way --binary" can replay on another clone of the same commit.
func (c *Client) StagedDiff(ctx context.Context, dir string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	return c.runGit(ctx, dir, nil,
		"-c", "core.pager=cat",
		"diff", "--cached", "--binary", "--full-index", "--no-color", "--no-ext-diff")
}

// HeadSha returns the commit the working copy is at.
func (c *Client) HeadSha(ctx context.Context, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	out, err := c.runGit(ctx, dir, nil, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ValidatePatch rejects oversized patches and any patch whose file headers
// contain a ".." path component.
func ValidatePatch(patch []byte) error {
	if len(patch) > MaxPatchSize {
		return fmt.Errorf("patch size %d exceeds limit %d", len(patch), MaxPatchSize)
	}
	for _, line := range strings.Split(string(patch), "\n") {
		var paths []string
		switch {
		case strings.HasPrefix(line, "diff --git "):
			paths = strings.Fields(strings.TrimPrefix(line, "diff --git "))
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
			paths = []string{strings.TrimSpace(line[4:])}
		default:
			continue
		}
		for _, p := range paths {
			p = strings.TrimPrefix(strings.TrimPrefix(p, "a/"), "b/")
			for _, part := range strings.Split(p, "/") {
				if part == ".." {
					return fmt.Errorf("patch contains path traversal: %s", line)
				}
			}
		}
	}
	return nil
}

// ApplyPatch validates patch and replays it onto the working copy with a
// 3-way merge so conservative conflicts still surface as errors.
func (c *Client) ApplyPatch(ctx context.Context, dir string, patch []byte) error {
	if err := ValidatePatch(patch); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	_, err := c.runGit(ctx, dir, patch, "apply", "--3way", "--binary")
	return err
}
