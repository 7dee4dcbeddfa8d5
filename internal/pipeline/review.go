package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"gitpilot/internal/event"
	"gitpilot/internal/gitlab"
	"gitpilot/internal/review"
	"gitpilot/internal/task"
)

// RunReview executes the review flow for an mr_review event. The dedup key
// is only marked after a fully successful run, so transient failures retry
// on the next poll cycle or webhook redelivery.
func (a *App) RunReview(ctx context.Context, ev event.Event) error {
	ctx, end := a.startSpan(ctx, "pipeline.review")
	defer end()

	start := time.Now()
	outcome := "failure"
	defer func() {
		a.Metrics.ObserveReview(outcome, time.Since(start))
	}()

	err := a.runReview(ctx, ev, &outcome)
	if err != nil {
		a.reportReviewFailure(ctx, ev, err)
	}
	return err
}

// reportReviewFailure leaves one short note on the MR so the author is not
// waiting on a review that will never arrive. Best effort.
func (a *App) reportReviewFailure(ctx context.Context, ev event.Event, cause error) {
	ctx = context.WithoutCancel(ctx)
	body := fmt.Sprintf("Review failed: %v", cause)
	if err := a.Forge.CreateNote(ctx, ev.ProjectID, ev.MR.IID, body); err != nil {
		a.Logger.Warn("Failed to post review failure note", "mr", shortRef(ev.ProjectID, ev.MR.IID), "error", err)
	}
	a.notifyOperator(ctx, fmt.Sprintf("review failed for %s: %v", shortRef(ev.ProjectID, ev.MR.IID), cause))
}

func (a *App) runReview(ctx context.Context, ev event.Event, outcome *string) error {
	key := event.ReviewDedupKey(ev.ProjectID, ev.MR.IID, ev.HeadSHA)
	if seen, err := a.Dedup.IsSeen(ctx, key); err != nil {
		return fmt.Errorf("failed to check dedup: %w", err)
	} else if seen {
		a.Logger.Debug("Review already done", "mr", shortRef(ev.ProjectID, ev.MR.IID), "head_sha", ev.HeadSHA)
		*outcome = "skipped"
		return nil
	}

	a.Metrics.TasksInFlight.Inc()
	defer a.Metrics.TasksInFlight.Dec()

	lock, err := a.Locks.Acquire(ctx, ev.RepoCloneURL, a.lockTTL())
	if err != nil {
		return fmt.Errorf("failed to acquire repo lock: %w", err)
	}
	defer lock.Release(context.WithoutCancel(ctx))

	dir, err := a.Git.Clone(ctx, ev.RepoCloneURL, ev.MR.SourceBranch, a.ForgeToken, "gitpilot-review")
	if err != nil {
		return fmt.Errorf("failed to clone: %w", err)
	}
	defer os.RemoveAll(dir)

	params := task.Params{
		TaskID:       task.ID(task.KindMRReview, fmt.Sprint(ev.ProjectID), fmt.Sprint(ev.MR.IID), ev.HeadSHA),
		Kind:         task.KindMRReview,
		RepoCloneURL: ev.RepoCloneURL,
		Branch:       ev.MR.SourceBranch,
		SystemPrompt: reviewSystemPrompt,
		UserPrompt:   reviewUserPrompt(ev),
		Timeout:      a.agentTimeout(),
		WorkingDir:   dir,
	}

	res, err := a.Exec.Execute(ctx, params)
	if err != nil {
		return fmt.Errorf("executor failed: %w", err)
	}
	if res.Type != task.ResultReview {
		return fmt.Errorf("unexpected result type %q for review task", res.Type)
	}

	parsed := review.Parse(res.Summary)

	if err := a.postReview(ctx, ev, parsed); err != nil {
		return err
	}

	if err := a.Dedup.MarkSeen(ctx, key, a.dedupTTL()); err != nil {
		return fmt.Errorf("failed to mark review done: %w", err)
	}

	a.Logger.Info("Review posted",
		"mr", shortRef(ev.ProjectID, ev.MR.IID),
		"comments", len(parsed.Comments),
		"head_sha", ev.HeadSHA)
	*outcome = "success"
	return nil
}

// postReview anchors each comment inline when the forge will accept the
// position and degrades everything else to notes. A drifted anchor never
// fails the review.
func (a *App) postReview(ctx context.Context, ev event.Event, parsed review.ParsedReview) error {
	details, err := a.Forge.GetMRDetails(ctx, ev.ProjectID, ev.MR.IID)
	if err != nil {
		return fmt.Errorf("failed to fetch MR details: %w", err)
	}
	positions := gitlab.ValidPositions(details.Changes)

	for _, c := range parsed.Comments {
		if positions.Contains(c.File, c.Line) {
			pos := gitlab.Position{
				BaseSHA:      details.DiffRefs.BaseSHA,
				StartSHA:     details.DiffRefs.StartSHA,
				HeadSHA:      details.DiffRefs.HeadSHA,
				PositionType: "text",
				OldPath:      gitlab.OldPathFor(details.Changes, c.File),
				NewPath:      c.File,
				NewLine:      c.Line,
			}
			if err := a.Forge.CreateDiscussion(ctx, ev.ProjectID, ev.MR.IID, pos, review.RenderBody(c)); err == nil {
				continue
			} else {
				a.Logger.Warn("Inline discussion rejected, falling back to note",
					"file", c.File, "line", c.Line, "error", err)
			}
		}
		if err := a.Forge.CreateNote(ctx, ev.ProjectID, ev.MR.IID, review.RenderFallback(c)); err != nil {
			return fmt.Errorf("failed to post fallback note: %w", err)
		}
	}

	if parsed.Summary != "" {
		if err := a.Forge.CreateNote(ctx, ev.ProjectID, ev.MR.IID, parsed.Summary); err != nil {
			return fmt.Errorf("failed to post summary note: %w", err)
		}
	}
	return nil
}
