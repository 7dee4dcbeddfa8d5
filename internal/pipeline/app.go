// Package pipeline orchestrates the review and coding flows: serialize per
// repository, run the agent through an executor, and apply the outcome back
// to the forge and tracker.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gitpilot/internal/executor"
	"gitpilot/internal/gitlab"
	"gitpilot/internal/notify"
	"gitpilot/internal/store"
	"gitpilot/internal/telemetry"
)

// Forge is the subset of the GitLab client the pipelines write through.
type Forge interface {
	GetMRDetails(ctx context.Context, projectID, mrIID int) (*gitlab.MRDetails, error)
	CreateDiscussion(ctx context.Context, projectID, mrIID int, position gitlab.Position, body string) error
	CreateNote(ctx context.Context, projectID, mrIID int, body string) error
	CreateMergeRequest(ctx context.Context, projectID int, source, target, title, description string) (int, string, error)
}

// Tracker is the subset of the Jira client the coding flow writes through.
type Tracker interface {
	AddComment(ctx context.Context, issueKey, text string) error
	TransitionIssue(ctx context.Context, issueKey, target string) error
}

// Git is the subset of workspace operations the pipelines perform.
type Git interface {
	Clone(ctx context.Context, cloneURL, branch, token, destPrefix string) (string, error)
	CheckoutNewUniqueBranch(ctx context.Context, dir, base string) (string, error)
	StageAll(ctx context.Context, dir string) error
	CommitAllStaged(ctx context.Context, dir, message, authorName, authorEmail string) (bool, error)
	Push(ctx context.Context, dir, cloneURL, branch, token string) error
	HeadSha(ctx context.Context, dir string) (string, error)
	ApplyPatch(ctx context.Context, dir string, patch []byte) error
}

// App is the explicit dependency container both pipelines run against.
type App struct {
	Forge    Forge
	Tracker  Tracker // nil when the tracker flow is disabled
	Git      Git
	Exec     executor.Executor
	Dedup    store.Dedup
	Locks    store.Locker
	Metrics  *telemetry.Metrics
	Notifier notify.Notifier
	Logger   *slog.Logger

	// SessionDedup holds issue-key dedup entries for the lifetime of this
	// process only. Across restarts, re-pickup of an issue is prevented by
	// its workflow status, not by a persisted key, so an operator can
	// re-trigger the flow by moving the issue back. Defaults to an in-memory
	// store when unset.
	SessionDedup store.Dedup
	sessionOnce  sync.Once

	ForgeToken     string
	GitAuthorName  string
	GitAuthorEmail string

	// InProgressStatus and InReviewStatus are the tracker workflow hops of
	// the Jira coding flow.
	InProgressStatus string
	InReviewStatus   string

	LockTTL      time.Duration
	DedupTTL     time.Duration
	AgentTimeout time.Duration
}

func (a *App) lockTTL() time.Duration {
	if a.LockTTL > 0 {
		return a.LockTTL
	}
	return 300 * time.Second
}

func (a *App) dedupTTL() time.Duration {
	if a.DedupTTL > 0 {
		return a.DedupTTL
	}
	return 24 * time.Hour
}

func (a *App) issueDedup() store.Dedup {
	a.sessionOnce.Do(func() {
		if a.SessionDedup == nil {
			a.SessionDedup = store.NewMemoryDedup(0)
		}
	})
	return a.SessionDedup
}

func (a *App) agentTimeout() time.Duration {
	if a.AgentTimeout > 0 {
		return a.AgentTimeout
	}
	return 15 * time.Minute
}

// notifyOperator is best effort; pipeline outcomes never depend on it.
func (a *App) notifyOperator(ctx context.Context, message string) {
	if a.Notifier == nil {
		return
	}
	if err := a.Notifier.Notify(ctx, message); err != nil {
		a.Logger.Warn("Operator notification failed", "error", err)
	}
}

func (a *App) startSpan(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := telemetry.Tracer().Start(ctx, name)
	return ctx, func() { span.End() }
}

func shortRef(projectID, iid int) string {
	return fmt.Sprintf("%d!%d", projectID, iid)
}
