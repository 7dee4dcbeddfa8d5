package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"gitpilot/internal/event"
	"gitpilot/internal/task"
)

// RunCoding executes the coding flow for an mr_copilot_command or
// jira_coding event. Failures are reported back to the originator with a
// short reason; the issue is never transitioned backwards automatically.
func (a *App) RunCoding(ctx context.Context, ev event.Event) error {
	ctx, end := a.startSpan(ctx, "pipeline.coding")
	defer end()

	start := time.Now()
	outcome := "failure"
	defer func() {
		a.Metrics.ObserveCodingTask(outcome, time.Since(start))
	}()

	err := a.runCoding(ctx, ev, &outcome)
	if err != nil {
		a.reportCodingFailure(ctx, ev, err)
	}
	return err
}

func (a *App) runCoding(ctx context.Context, ev event.Event, outcome *string) error {
	// Note keys live in the shared store; issue keys are session scoped
	// (the workflow status is what prevents re-pickup across restarts).
	ded := a.Dedup
	if ev.Kind == event.KindJiraCoding {
		ded = a.issueDedup()
	}

	key := codingDedupKey(ev)
	if seen, err := ded.IsSeen(ctx, key); err != nil {
		return fmt.Errorf("failed to check dedup: %w", err)
	} else if seen {
		a.Logger.Debug("Coding task already handled", "key", key)
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

	dir, err := a.Git.Clone(ctx, ev.RepoCloneURL, ev.TargetRef, a.ForgeToken, "gitpilot-coding")
	if err != nil {
		return fmt.Errorf("failed to clone: %w", err)
	}
	defer os.RemoveAll(dir)

	// Moving the issue out of its trigger status is what prevents re-pickup
	// across controller restarts.
	if ev.Kind == event.KindJiraCoding {
		if err := a.Tracker.TransitionIssue(ctx, ev.Issue.Key, a.InProgressStatus); err != nil {
			a.Logger.Warn("Failed to transition issue to in-progress", "issue", ev.Issue.Key, "error", err)
		}
	}

	workBranch := ev.TargetRef
	if ev.Kind == event.KindJiraCoding {
		workBranch, err = a.Git.CheckoutNewUniqueBranch(ctx, dir, "agent/"+ev.Issue.Key)
		if err != nil {
			return fmt.Errorf("failed to create work branch: %w", err)
		}
	}

	kind := task.KindMRCommand
	var targetID string
	if ev.Kind == event.KindJiraCoding {
		kind = task.KindJiraCoding
		targetID = ev.Issue.Key
	} else {
		targetID = fmt.Sprint(ev.Note.MRIID)
	}

	params := task.Params{
		TaskID:       task.ID(kind, fmt.Sprint(ev.ProjectID), targetID, ev.HeadSHA),
		Kind:         kind,
		RepoCloneURL: ev.RepoCloneURL,
		Branch:       ev.TargetRef,
		SystemPrompt: codingSystemPrompt,
		UserPrompt:   codingUserPrompt(ev),
		Timeout:      a.agentTimeout(),
		WorkingDir:   dir,
	}

	res, err := a.Exec.Execute(ctx, params)
	if err != nil {
		return fmt.Errorf("executor failed: %w", err)
	}

	switch res.Type {
	case task.ResultCodingEmpty:
		if err := a.reportNoChanges(ctx, ev, res.Summary); err != nil {
			return err
		}
		if err := ded.MarkSeen(ctx, key, a.dedupTTL()); err != nil {
			return fmt.Errorf("failed to mark coding task done: %w", err)
		}
		*outcome = "no_changes"
		return nil
	case task.ResultCoding:
	default:
		return fmt.Errorf("unexpected result type %q for coding task", res.Type)
	}

	committed, err := a.applyCodingResult(ctx, dir, ev, res)
	if err != nil {
		return err
	}
	if !committed {
		if err := a.reportNoChanges(ctx, ev, res.Summary); err != nil {
			return err
		}
		if err := ded.MarkSeen(ctx, key, a.dedupTTL()); err != nil {
			return fmt.Errorf("failed to mark coding task done: %w", err)
		}
		*outcome = "no_changes"
		return nil
	}

	if err := a.Git.Push(ctx, dir, ev.RepoCloneURL, workBranch, a.ForgeToken); err != nil {
		return fmt.Errorf("failed to push: %w", err)
	}

	if err := a.publishCodingOutcome(ctx, ev, workBranch, res.Summary); err != nil {
		return err
	}

	if err := ded.MarkSeen(ctx, key, a.dedupTTL()); err != nil {
		return fmt.Errorf("failed to mark coding task done: %w", err)
	}
	*outcome = "success"
	return nil
}

// applyCodingResult lands the agent's changes in the controller clone. A
// patch-bearing result is replayed only if it was produced against the
// clone's exact head; anything else is stale and must not be applied.
// Results without a patch came from in-process execution, whose changes are
// already on disk. Returns whether a commit was created.
func (a *App) applyCodingResult(ctx context.Context, dir string, ev event.Event, res *task.Result) (bool, error) {
	if len(res.Patch) > 0 {
		head, err := a.Git.HeadSha(ctx, dir)
		if err != nil {
			return false, fmt.Errorf("failed to read head sha: %w", err)
		}
		if head != res.BaseCommitSHA {
			return false, fmt.Errorf("patch base %s does not match clone head %s, refusing to apply", res.BaseCommitSHA, head)
		}
		if err := a.Git.ApplyPatch(ctx, dir, res.Patch); err != nil {
			return false, fmt.Errorf("failed to apply patch: %w", err)
		}
	}

	if err := a.Git.StageAll(ctx, dir); err != nil {
		return false, fmt.Errorf("failed to stage changes: %w", err)
	}
	return a.Git.CommitAllStaged(ctx, dir, commitMessage(ev, res.Summary), a.GitAuthorName, a.GitAuthorEmail)
}

// publishCodingOutcome routes the pushed branch back to the originator:
// a new MR plus issue comment and transition for Jira flows, a reply note
// for MR command flows.
func (a *App) publishCodingOutcome(ctx context.Context, ev event.Event, workBranch, summary string) error {
	switch ev.Kind {
	case event.KindJiraCoding:
		title := fmt.Sprintf("%s: %s", ev.Issue.Key, ev.Issue.Summary)
		iid, webURL, err := a.Forge.CreateMergeRequest(ctx, ev.ProjectID, workBranch, ev.TargetRef, title, summary)
		if err != nil {
			return fmt.Errorf("failed to create merge request: %w", err)
		}
		comment := fmt.Sprintf("Opened merge request !%d for this issue:\n%s", iid, webURL)
		if err := a.Tracker.AddComment(ctx, ev.Issue.Key, comment); err != nil {
			return fmt.Errorf("failed to comment on issue: %w", err)
		}
		if err := a.Tracker.TransitionIssue(ctx, ev.Issue.Key, a.InReviewStatus); err != nil {
			return fmt.Errorf("failed to transition issue to review: %w", err)
		}
		a.Logger.Info("Coding task published", "issue", ev.Issue.Key, "mr_iid", iid, "branch", workBranch)
	case event.KindMRCommand:
		body := "✅ Changes pushed"
		if summary != "" {
			body += "\n\n" + summary
		}
		if err := a.Forge.CreateNote(ctx, ev.ProjectID, ev.Note.MRIID, body); err != nil {
			return fmt.Errorf("failed to reply on merge request: %w", err)
		}
		a.Logger.Info("Coding task published", "mr", shortRef(ev.ProjectID, ev.Note.MRIID), "branch", workBranch)
	}
	return nil
}

// reportNoChanges tells the originator the agent decided nothing was needed.
func (a *App) reportNoChanges(ctx context.Context, ev event.Event, summary string) error {
	body := "No changes needed."
	if summary != "" {
		body += " " + summary
	}
	switch ev.Kind {
	case event.KindJiraCoding:
		if err := a.Tracker.AddComment(ctx, ev.Issue.Key, body); err != nil {
			return fmt.Errorf("failed to comment on issue: %w", err)
		}
	case event.KindMRCommand:
		if err := a.Forge.CreateNote(ctx, ev.ProjectID, ev.Note.MRIID, body); err != nil {
			return fmt.Errorf("failed to reply on merge request: %w", err)
		}
	}
	return nil
}

// reportCodingFailure posts a short reason to the originator, best effort.
func (a *App) reportCodingFailure(ctx context.Context, ev event.Event, cause error) {
	ctx = context.WithoutCancel(ctx)
	body := fmt.Sprintf("Coding task failed: %v", cause)
	switch ev.Kind {
	case event.KindJiraCoding:
		if err := a.Tracker.AddComment(ctx, ev.Issue.Key, body); err != nil {
			a.Logger.Warn("Failed to report failure on issue", "issue", ev.Issue.Key, "error", err)
		}
	case event.KindMRCommand:
		if err := a.Forge.CreateNote(ctx, ev.ProjectID, ev.Note.MRIID, body); err != nil {
			a.Logger.Warn("Failed to report failure on merge request", "mr", shortRef(ev.ProjectID, ev.Note.MRIID), "error", err)
		}
	}
	a.notifyOperator(ctx, body)
}

func codingDedupKey(ev event.Event) string {
	if ev.Kind == event.KindJiraCoding {
		return event.IssueDedupKey(ev.Issue.Key)
	}
	return event.NoteDedupKey(ev.ProjectID, ev.Note.MRIID, ev.Note.NoteID)
}

func commitMessage(ev event.Event, summary string) string {
	switch ev.Kind {
	case event.KindJiraCoding:
		if summary != "" {
			return fmt.Sprintf("%s: %s", ev.Issue.Key, summary)
		}
		return fmt.Sprintf("%s: %s", ev.Issue.Key, ev.Issue.Summary)
	default:
		if summary != "" {
			return summary
		}
		return "Apply reviewer request"
	}
}
