package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitpilot/internal/event"
	"gitpilot/internal/executor"
	"gitpilot/internal/gitlab"
	"gitpilot/internal/store"
	"gitpilot/internal/task"
	"gitpilot/internal/telemetry"
)

type fakeForge struct {
	mu sync.Mutex

	details    *gitlab.MRDetails
	detailsErr error

	discussionBodies []string
	positions        []gitlab.Position
	discussionErr    error

	notes   []string
	noteErr error

	createdMRs []createdMR
	nextMRIID  int
	mrErr      error
}

type createdMR struct {
	projectID                  int
	source, target, title, description string
}

func (f *fakeForge) GetMRDetails(_ context.Context, _, _ int) (*gitlab.MRDetails, error) {
	if f.detailsErr != nil {
		return nil, f.detailsErr
	}
	return f.details, nil
}

func (f *fakeForge) CreateDiscussion(_ context.Context, _, _ int, position gitlab.Position, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discussionErr != nil {
		return f.discussionErr
	}
	f.positions = append(f.positions, position)
	f.discussionBodies = append(f.discussionBodies, body)
	return nil
}

func (f *fakeForge) CreateNote(_ context.Context, _, _ int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noteErr != nil {
		return f.noteErr
	}
	f.notes = append(f.notes, body)
	return nil
}

func (f *fakeForge) CreateMergeRequest(_ context.Context, projectID int, source, target, title, description string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mrErr != nil {
		return 0, "", f.mrErr
	}
	f.createdMRs = append(f.createdMRs, createdMR{projectID, source, target, title, description})
	return f.nextMRIID, fmt.Sprintf("https://gitlab.example.com/mr/%d", f.nextMRIID), nil
}

type fakeTracker struct {
	mu          sync.Mutex
	comments    []string
	transitions []string
	transitionErr error
}

func (f *fakeTracker) AddComment(_ context.Context, issueKey, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, issueKey+": "+text)
	return nil
}

func (f *fakeTracker) TransitionIssue(_ context.Context, issueKey, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionErr != nil {
		return f.transitionErr
	}
	f.transitions = append(f.transitions, issueKey+"->"+target)
	return nil
}

type fakeGit struct {
	t *testing.T

	headSHA       string
	commitCreated bool

	clonedBranch  string
	uniqueBranch  string
	appliedPatch  []byte
	staged        bool
	commitMessage string
	pushedBranch  string
}

func (g *fakeGit) Clone(_ context.Context, _, branch, _, _ string) (string, error) {
	g.clonedBranch = branch
	return g.t.TempDir(), nil
}

func (g *fakeGit) CheckoutNewUniqueBranch(_ context.Context, _, base string) (string, error) {
	g.uniqueBranch = base + "-f3a9"
	return g.uniqueBranch, nil
}

func (g *fakeGit) StageAll(_ context.Context, _ string) error {
	g.staged = true
	return nil
}

func (g *fakeGit) CommitAllStaged(_ context.Context, _, message, _, _ string) (bool, error) {
	g.commitMessage = message
	return g.commitCreated, nil
}

func (g *fakeGit) Push(_ context.Context, _, _, branch, _ string) error {
	g.pushedBranch = branch
	return nil
}

func (g *fakeGit) HeadSha(_ context.Context, _ string) (string, error) {
	return g.headSHA, nil
}

func (g *fakeGit) ApplyPatch(_ context.Context, _ string, patch []byte) error {
	g.appliedPatch = patch
	return nil
}

type execFunc func(ctx context.Context, params task.Params) (*task.Result, error)

func (f execFunc) Execute(ctx context.Context, params task.Params) (*task.Result, error) {
	return f(ctx, params)
}

func fixedResult(res *task.Result) executor.Executor {
	return execFunc(func(context.Context, task.Params) (*task.Result, error) {
		return res, nil
	})
}

func newTestApp(t *testing.T, forge *fakeForge, tracker *fakeTracker, git *fakeGit, exec executor.Executor) *App {
	t.Helper()
	return &App{
		Forge:            forge,
		Tracker:          tracker,
		Git:              git,
		Exec:             exec,
		Dedup:            store.NewMemoryDedup(100),
		Locks:            store.NewMemoryLocker(16),
		Metrics:          telemetry.NewMetrics(),
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		ForgeToken:       "glpat-test",
		GitAuthorName:    "GitPilot",
		GitAuthorEmail:   "gitpilot@example.com",
		InProgressStatus: "In Progress",
		InReviewStatus:   "In Review",
		AgentTimeout:     time.Minute,
	}
}

func reviewEvent() event.Event {
	return event.Event{
		Kind:         event.KindMRReview,
		ProjectID:    42,
		RepoCloneURL: "https://gitlab.example.com/g/r.git",
		TargetRef:    "main",
		HeadSHA:      "headsha111",
		MR: &event.MRPayload{
			IID:          7,
			Title:        "Add retry logic",
			Description:  "Retries transient errors.",
			SourceBranch: "feature/retry",
			TargetBranch: "main",
		},
	}
}

func commandEvent() event.Event {
	return event.Event{
		Kind:         event.KindMRCommand,
		ProjectID:    42,
		RepoCloneURL: "https://gitlab.example.com/g/r.git",
		TargetRef:    "feature/retry",
		HeadSHA:      "headsha111",
		Note: &event.NotePayload{
			MRIID:  7,
			NoteID: 901,
			Body:   "/copilot add a unit test for the retry path",
		},
	}
}

func jiraEvent() event.Event {
	return event.Event{
		Kind:         event.KindJiraCoding,
		ProjectID:    42,
		RepoCloneURL: "https://gitlab.example.com/g/r.git",
		TargetRef:    "main",
		HeadSHA:      "",
		Issue: &event.IssuePayload{
			Key:         "PROJ-12",
			Summary:     "Fix login retry",
			Description: "Login breaks on retry.",
		},
	}
}

func mrDetailsWithDiff() *gitlab.MRDetails {
	return &gitlab.MRDetails{
		IID: 7,
		DiffRefs: gitlab.DiffRefs{
			BaseSHA:  "base111",
			StartSHA: "start111",
			HeadSHA:  "headsha111",
		},
		Changes: []gitlab.Change{
			{
				OldPath: "main.go",
				NewPath: "main.go",
				Diff:    "@@ -1,3 +1,5 @@\n package main\n+\n+func retry() {}\n \n func main() {}\n",
			},
		},
	}
}

const reviewOutput = "```json\n" +
	`[{"file": "main.go", "line": 3, "severity": "warning", "comment": "retry is unused"}]` +
	"\n```\nOverall the change looks reasonable."

func TestRunReviewPostsInlineAndSummary(t *testing.T) {
	forge := &fakeForge{details: mrDetailsWithDiff()}
	git := &fakeGit{t: t}
	app := newTestApp(t, forge, nil, git, fixedResult(task.NewReviewResult(reviewOutput)))

	require.NoError(t, app.RunReview(context.Background(), reviewEvent()))

	require.Len(t, forge.positions, 1)
	pos := forge.positions[0]
	assert.Equal(t, "base111", pos.BaseSHA)
	assert.Equal(t, "headsha111", pos.HeadSHA)
	assert.Equal(t, "main.go", pos.NewPath)
	assert.Equal(t, 3, pos.NewLine)
	assert.Contains(t, forge.discussionBodies[0], "[WARNING] retry is unused")

	require.Len(t, forge.notes, 1)
	assert.Equal(t, "Overall the change looks reasonable.", forge.notes[0])
	assert.Equal(t, "feature/retry", git.clonedBranch)
}

func TestRunReviewSecondRunIsDeduplicated(t *testing.T) {
	forge := &fakeForge{details: mrDetailsWithDiff()}
	var calls int
	exec := execFunc(func(context.Context, task.Params) (*task.Result, error) {
		calls++
		return task.NewReviewResult(reviewOutput), nil
	})
	app := newTestApp(t, forge, nil, &fakeGit{t: t}, exec)

	require.NoError(t, app.RunReview(context.Background(), reviewEvent()))
	require.NoError(t, app.RunReview(context.Background(), reviewEvent()))
	assert.Equal(t, 1, calls)
	assert.Len(t, forge.notes, 1)
}

func TestRunReviewUnanchoredCommentFallsBackToNote(t *testing.T) {
	out := "```json\n" +
		`[{"file": "main.go", "line": 99, "severity": "error", "comment": "out of range"}]` +
		"\n```"
	forge := &fakeForge{details: mrDetailsWithDiff()}
	app := newTestApp(t, forge, nil, &fakeGit{t: t}, fixedResult(task.NewReviewResult(out)))

	require.NoError(t, app.RunReview(context.Background(), reviewEvent()))

	assert.Empty(t, forge.positions)
	require.Len(t, forge.notes, 1)
	assert.Equal(t, "main.go:99 — [ERROR] out of range", forge.notes[0])
}

func TestRunReviewRejectedDiscussionFallsBackToNote(t *testing.T) {
	forge := &fakeForge{details: mrDetailsWithDiff(), discussionErr: errors.New("400 position invalid")}
	app := newTestApp(t, forge, nil, &fakeGit{t: t}, fixedResult(task.NewReviewResult(reviewOutput)))

	require.NoError(t, app.RunReview(context.Background(), reviewEvent()))

	require.Len(t, forge.notes, 2)
	assert.Contains(t, forge.notes[0], "main.go:3 —")
}

func TestRunReviewExecutorFailureIsRetryable(t *testing.T) {
	forge := &fakeForge{details: mrDetailsWithDiff()}
	var calls int
	exec := execFunc(func(context.Context, task.Params) (*task.Result, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("agent crashed")
		}
		return task.NewReviewResult(reviewOutput), nil
	})
	app := newTestApp(t, forge, nil, &fakeGit{t: t}, exec)

	require.Error(t, app.RunReview(context.Background(), reviewEvent()))
	require.Len(t, forge.notes, 1)
	assert.Contains(t, forge.notes[0], "Review failed")

	require.NoError(t, app.RunReview(context.Background(), reviewEvent()))
	assert.Equal(t, 2, calls)
}

func TestRunCodingMRCommandPushesAndReplies(t *testing.T) {
	forge := &fakeForge{}
	git := &fakeGit{t: t, commitCreated: true}
	res := task.NewCodingResult("Added retry unit test", nil, "")
	app := newTestApp(t, forge, nil, git, fixedResult(res))

	require.NoError(t, app.RunCoding(context.Background(), commandEvent()))

	assert.Equal(t, "feature/retry", git.clonedBranch)
	assert.Equal(t, "feature/retry", git.pushedBranch)
	assert.True(t, git.staged)
	assert.Equal(t, "Added retry unit test", git.commitMessage)
	require.Len(t, forge.notes, 1)
	assert.Contains(t, forge.notes[0], "✅ Changes pushed")
	assert.Contains(t, forge.notes[0], "Added retry unit test")
}

func TestRunCodingMRCommandIsDeduplicatedByNoteID(t *testing.T) {
	forge := &fakeForge{}
	var calls int
	exec := execFunc(func(context.Context, task.Params) (*task.Result, error) {
		calls++
		return task.NewCodingResult("done", nil, ""), nil
	})
	app := newTestApp(t, forge, nil, &fakeGit{t: t, commitCreated: true}, exec)

	require.NoError(t, app.RunCoding(context.Background(), commandEvent()))
	require.NoError(t, app.RunCoding(context.Background(), commandEvent()))
	assert.Equal(t, 1, calls)
}

func TestRunCodingJiraOpensMRAndTransitions(t *testing.T) {
	forge := &fakeForge{nextMRIID: 11}
	tracker := &fakeTracker{}
	git := &fakeGit{t: t, commitCreated: true}
	res := task.NewCodingResult("Fix login retry loop", nil, "")
	app := newTestApp(t, forge, tracker, git, fixedResult(res))

	require.NoError(t, app.RunCoding(context.Background(), jiraEvent()))

	assert.Equal(t, "main", git.clonedBranch)
	assert.Equal(t, "agent/PROJ-12-f3a9", git.pushedBranch)
	assert.Equal(t, "PROJ-12: Fix login retry loop", git.commitMessage)

	require.Len(t, forge.createdMRs, 1)
	mr := forge.createdMRs[0]
	assert.Equal(t, 42, mr.projectID)
	assert.Equal(t, "agent/PROJ-12-f3a9", mr.source)
	assert.Equal(t, "main", mr.target)
	assert.Equal(t, "PROJ-12: Fix login retry", mr.title)

	assert.Equal(t, []string{"PROJ-12->In Progress", "PROJ-12->In Review"}, tracker.transitions)
	require.Len(t, tracker.comments, 1)
	assert.Contains(t, tracker.comments[0], "!11")
}

func TestRunCodingEmptyResultReportsNoChanges(t *testing.T) {
	forge := &fakeForge{}
	tracker := &fakeTracker{}
	git := &fakeGit{t: t}
	app := newTestApp(t, forge, tracker, git, fixedResult(task.NewEmptyCodingResult("already handled upstream")))

	require.NoError(t, app.RunCoding(context.Background(), jiraEvent()))

	assert.Empty(t, git.pushedBranch)
	assert.Empty(t, forge.createdMRs)
	require.Len(t, tracker.comments, 1)
	assert.Contains(t, tracker.comments[0], "No changes needed")
	assert.Equal(t, []string{"PROJ-12->In Progress"}, tracker.transitions)
}

func TestRunCodingNothingCommittedReportsNoChanges(t *testing.T) {
	forge := &fakeForge{}
	git := &fakeGit{t: t, commitCreated: false}
	app := newTestApp(t, forge, nil, git, fixedResult(task.NewCodingResult("formatting only", nil, "")))

	require.NoError(t, app.RunCoding(context.Background(), commandEvent()))

	assert.Empty(t, git.pushedBranch)
	require.Len(t, forge.notes, 1)
	assert.Contains(t, forge.notes[0], "No changes needed")
}

func TestRunCodingAppliesAnchoredPatch(t *testing.T) {
	forge := &fakeForge{}
	patch := []byte("diff --git a/a.txt b/a.txt\n")
	git := &fakeGit{t: t, headSHA: "base999", commitCreated: true}
	app := newTestApp(t, forge, nil, git, fixedResult(task.NewCodingResult("patched", patch, "base999")))

	require.NoError(t, app.RunCoding(context.Background(), commandEvent()))
	assert.Equal(t, patch, git.appliedPatch)
	assert.Equal(t, "feature/retry", git.pushedBranch)
}

func TestRunCodingRefusesStalePatch(t *testing.T) {
	forge := &fakeForge{}
	git := &fakeGit{t: t, headSHA: "moved111", commitCreated: true}
	res := task.NewCodingResult("patched", []byte("diff --git a/a b/a\n"), "base999")
	app := newTestApp(t, forge, nil, git, fixedResult(res))

	err := app.RunCoding(context.Background(), commandEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to apply")
	assert.Nil(t, git.appliedPatch)
	assert.Empty(t, git.pushedBranch)

	// Failure is reported back on the MR, and the note stays retryable.
	require.Len(t, forge.notes, 1)
	assert.Contains(t, forge.notes[0], "Coding task failed")
}

func TestRunCodingExecutorFailurePostsReason(t *testing.T) {
	forge := &fakeForge{}
	tracker := &fakeTracker{}
	exec := execFunc(func(context.Context, task.Params) (*task.Result, error) {
		return nil, errors.New("image pull backoff")
	})
	app := newTestApp(t, forge, tracker, &fakeGit{t: t}, exec)

	require.Error(t, app.RunCoding(context.Background(), jiraEvent()))
	require.Len(t, tracker.comments, 1)
	assert.Contains(t, tracker.comments[0], "Coding task failed")
	// The issue is left in progress for an operator to triage.
	assert.Equal(t, []string{"PROJ-12->In Progress"}, tracker.transitions)
}
