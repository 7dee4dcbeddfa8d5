package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gitpilot/internal/event"
	"gitpilot/internal/jira"
	"gitpilot/internal/telemetry"
)

// TrackerClient is the read side of the Jira client the poller consumes.
type TrackerClient interface {
	SearchIssues(ctx context.Context, jql string) ([]jira.Issue, error)
}

// TrackerProject maps one Jira project key onto its repository.
type TrackerProject struct {
	GitLabProjectID int
	CloneURL        string
	TargetBranch    string
}

// Tracker polls Jira for issues sitting in the trigger status and runs the
// coding flow for each. Re-pickup across cycles is prevented by the issue
// being transitioned out of the trigger status, backed by the session dedup
// key for issues whose transition failed.
type Tracker struct {
	Client        TrackerClient
	Pipelines     Pipelines
	Projects      map[string]TrackerProject
	TriggerStatus string
	Interval      time.Duration
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger

	status loopStatus
}

// Run polls until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	t.Logger.Info("Starting tracker poller",
		"interval", t.Interval, "trigger_status", t.TriggerStatus, "projects", len(t.Projects))
	runLoop(ctx, t.Interval, t.pollOnce, &t.status)
	t.Logger.Info("Tracker poller stopped")
}

// Health reports loop status; the tracker has no cursor, its scan is
// status-driven.
func (t *Tracker) Health() Health {
	return t.status.snapshot()
}

func (t *Tracker) pollOnce(ctx context.Context) error {
	issues, err := t.Client.SearchIssues(ctx, t.jql())
	if err != nil {
		t.Metrics.PollCyclesTotal.WithLabelValues("tracker", "failure").Inc()
		t.Logger.Error("Tracker poll cycle failed", "error", err)
		return err
	}

	for _, issue := range issues {
		project, ok := t.Projects[projectKey(issue.Key)]
		if !ok {
			t.Logger.Warn("Issue belongs to an unconfigured project", "issue", issue.Key)
			continue
		}
		ev := event.Event{
			Kind:         event.KindJiraCoding,
			ProjectID:    project.GitLabProjectID,
			RepoCloneURL: project.CloneURL,
			TargetRef:    project.TargetBranch,
			Issue: &event.IssuePayload{
				Key:         issue.Key,
				Summary:     issue.Fields.Summary,
				Description: issue.PlainDescription(),
			},
		}
		if err := t.Pipelines.RunCoding(ctx, ev); err != nil {
			t.Metrics.PollCyclesTotal.WithLabelValues("tracker", "failure").Inc()
			return fmt.Errorf("coding for %s: %w", issue.Key, err)
		}
	}

	t.Metrics.PollCyclesTotal.WithLabelValues("tracker", "success").Inc()
	return nil
}

func (t *Tracker) jql() string {
	keys := make([]string, 0, len(t.Projects))
	for key := range t.Projects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return fmt.Sprintf("project in (%s) AND status = %q ORDER BY created ASC",
		strings.Join(keys, ", "), t.TriggerStatus)
}

func projectKey(issueKey string) string {
	key, _, _ := strings.Cut(issueKey, "-")
	return key
}
