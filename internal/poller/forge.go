package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gitpilot/internal/event"
	"gitpilot/internal/gitlab"
	"gitpilot/internal/telemetry"
)

// defaultCommandPrefix marks a note as a coding instruction for the agent.
const defaultCommandPrefix = "/copilot "

// ForgeClient is the read side of the GitLab client the poller consumes.
type ForgeClient interface {
	ListOpenMRs(ctx context.Context, projectID int, updatedAfter time.Time) ([]gitlab.MergeRequest, error)
	ListMRNotes(ctx context.Context, projectID, mrIID int, createdAfter time.Time) ([]gitlab.Note, error)
}

// Project is one repository the forge poller watches.
type Project struct {
	ID       int
	CloneURL string
}

// Forge polls watched projects for merge-request activity. Watermarks are
// held in memory and start at process startup time, so a restart does not
// replay history; the pipelines' dedup keys absorb any overlap.
type Forge struct {
	Client        ForgeClient
	Pipelines     Pipelines
	Projects      []Project
	Interval      time.Duration
	AgentIdentity string
	// CommandPrefix defaults to "/copilot ".
	CommandPrefix string
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger

	status loopStatus

	wmu        sync.Mutex
	watermarks map[int]time.Time
}

// Run polls until ctx is cancelled.
func (f *Forge) Run(ctx context.Context) {
	f.Logger.Info("Starting forge poller", "interval", f.Interval, "projects", len(f.Projects))
	f.initWatermarks()
	runLoop(ctx, f.Interval, f.pollOnce, &f.status)
	f.Logger.Info("Forge poller stopped")
}

// Health reports loop status plus the oldest project cursor.
func (f *Forge) Health() Health {
	h := f.status.snapshot()
	f.wmu.Lock()
	defer f.wmu.Unlock()
	var oldest time.Time
	for _, wm := range f.watermarks {
		if oldest.IsZero() || wm.Before(oldest) {
			oldest = wm
		}
	}
	if !oldest.IsZero() {
		h.Cursor = &oldest
	}
	return h
}

// initWatermarks starts every cursor at "now" so history is not replayed.
func (f *Forge) initWatermarks() {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if f.watermarks != nil {
		return
	}
	f.watermarks = make(map[int]time.Time, len(f.Projects))
	now := time.Now()
	for _, p := range f.Projects {
		f.watermarks[p.ID] = now
	}
}

func (f *Forge) commandPrefix() string {
	if f.CommandPrefix != "" {
		return f.CommandPrefix
	}
	return defaultCommandPrefix
}

// pollOnce scans every watched project. The watermark only advances after a
// fully clean cycle, so a transiently failed MR is revisited next cycle.
func (f *Forge) pollOnce(ctx context.Context) error {
	f.initWatermarks()
	cycleStart := time.Now()

	var errs []error
	for _, project := range f.Projects {
		f.wmu.Lock()
		since := f.watermarks[project.ID]
		f.wmu.Unlock()
		if err := f.pollProject(ctx, project, since); err != nil {
			errs = append(errs, fmt.Errorf("project %d: %w", project.ID, err))
			continue
		}
		f.wmu.Lock()
		f.watermarks[project.ID] = cycleStart
		f.wmu.Unlock()
	}

	if len(errs) > 0 {
		f.Metrics.PollCyclesTotal.WithLabelValues("forge", "failure").Inc()
		err := errors.Join(errs...)
		f.Logger.Error("Forge poll cycle failed", "error", err)
		return err
	}
	f.Metrics.PollCyclesTotal.WithLabelValues("forge", "success").Inc()
	return nil
}

func (f *Forge) pollProject(ctx context.Context, project Project, since time.Time) error {
	mrs, err := f.Client.ListOpenMRs(ctx, project.ID, since)
	if err != nil {
		return fmt.Errorf("failed to list open MRs: %w", err)
	}

	for _, mr := range mrs {
		ev := event.Event{
			Kind:         event.KindMRReview,
			ProjectID:    project.ID,
			RepoCloneURL: project.CloneURL,
			TargetRef:    mr.TargetBranch,
			HeadSHA:      mr.SHA,
			MR: &event.MRPayload{
				IID:          mr.IID,
				Title:        mr.Title,
				Description:  mr.Description,
				SourceBranch: mr.SourceBranch,
				TargetBranch: mr.TargetBranch,
			},
		}
		if err := f.Pipelines.RunReview(ctx, ev); err != nil {
			return fmt.Errorf("review of !%d: %w", mr.IID, err)
		}

		if err := f.pollNotes(ctx, project, mr, since); err != nil {
			return err
		}
	}
	return nil
}

func (f *Forge) pollNotes(ctx context.Context, project Project, mr gitlab.MergeRequest, since time.Time) error {
	notes, err := f.Client.ListMRNotes(ctx, project.ID, mr.IID, since)
	if err != nil {
		return fmt.Errorf("failed to list notes on !%d: %w", mr.IID, err)
	}

	prefix := f.commandPrefix()
	for _, note := range notes {
		if !strings.HasPrefix(note.Body, prefix) {
			continue
		}
		if strings.EqualFold(note.Author.Username, f.AgentIdentity) {
			continue
		}
		ev := event.Event{
			Kind:         event.KindMRCommand,
			ProjectID:    project.ID,
			RepoCloneURL: project.CloneURL,
			TargetRef:    mr.SourceBranch,
			HeadSHA:      mr.SHA,
			Author:       note.Author.Username,
			Note: &event.NotePayload{
				MRIID:  mr.IID,
				NoteID: note.ID,
				Body:   strings.TrimSpace(strings.TrimPrefix(note.Body, prefix)),
			},
		}
		if err := f.Pipelines.RunCoding(ctx, ev); err != nil {
			return fmt.Errorf("command note %d on !%d: %w", note.ID, mr.IID, err)
		}
	}
	return nil
}
