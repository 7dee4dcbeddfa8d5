// Package webhook receives GitLab webhook deliveries and turns them into
// pipeline runs.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"gitpilot/internal/event"
	"gitpilot/internal/telemetry"
)

// DefaultCommandPrefix marks a note as a coding instruction for the agent.
const DefaultCommandPrefix = "/copilot "

// Pipelines is what the server dispatches accepted events into.
type Pipelines interface {
	RunReview(ctx context.Context, ev event.Event) error
	RunCoding(ctx context.Context, ev event.Event) error
}

// Server handles webhook deliveries. Accepted events are acknowledged
// immediately and processed in the background; GitLab retries on slow
// responses, so the handler never blocks on a pipeline.
type Server struct {
	// PollerHealth, when set, contributes per-source poller status to the
	// health endpoint.
	PollerHealth func() map[string]any

	secret        string
	agentIdentity string
	commandPrefix string
	projects      map[int]bool // empty allows every project
	pipelines     Pipelines
	metrics       *telemetry.Metrics
	logger        *slog.Logger

	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewServer creates a webhook server. ctx bounds background dispatches:
// once it is cancelled, running pipelines wind down and Wait returns.
// An empty commandPrefix selects DefaultCommandPrefix.
func NewServer(ctx context.Context, secret, agentIdentity, commandPrefix string, projectIDs []int, pipelines Pipelines, metrics *telemetry.Metrics, logger *slog.Logger) *Server {
	if commandPrefix == "" {
		commandPrefix = DefaultCommandPrefix
	}
	projects := make(map[int]bool, len(projectIDs))
	for _, id := range projectIDs {
		projects[id] = true
	}
	return &Server{
		secret:        secret,
		agentIdentity: agentIdentity,
		commandPrefix: commandPrefix,
		projects:      projects,
		pipelines:     pipelines,
		metrics:       metrics,
		logger:        logger,
		baseCtx:       ctx,
	}
}

// Handler returns the HTTP routes: the webhook receiver plus health and
// metrics endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Start serves until ctx is cancelled, then shuts down and waits for
// in-flight pipeline runs.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("webhook server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Webhook server shutdown failed", "error", err)
	}
	s.wg.Wait()
	return nil
}

// Wait blocks until all background dispatches have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.PollerHealth != nil {
		body["poller"] = s.PollerHealth()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := r.Header.Get("X-Gitlab-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
		s.metrics.WebhookRequestsTotal.WithLabelValues("unauthorized").Inc()
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var payload gitlabPayload
	if err := dec.Decode(&payload); err != nil {
		s.metrics.WebhookRequestsTotal.WithLabelValues("bad_request").Inc()
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	ev, ok := s.eventFor(payload)
	if !ok {
		s.metrics.WebhookRequestsTotal.WithLabelValues("ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	s.metrics.WebhookRequestsTotal.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(s.baseCtx, ev)
	}()
}

func (s *Server) dispatch(ctx context.Context, ev event.Event) {
	var err error
	switch ev.Kind {
	case event.KindMRReview:
		err = s.pipelines.RunReview(ctx, ev)
	case event.KindMRCommand:
		err = s.pipelines.RunCoding(ctx, ev)
	}
	if err != nil {
		s.logger.Error("Webhook pipeline failed", "kind", ev.Kind, "project_id", ev.ProjectID, "error", err)
	}
}

// eventFor maps a delivery to an internal event, or reports that the
// delivery carries no work: wrong project, wrong action, a note without the
// command prefix, or the agent talking to itself.
func (s *Server) eventFor(p gitlabPayload) (event.Event, bool) {
	if len(s.projects) > 0 && !s.projects[p.Project.ID] {
		return event.Event{}, false
	}

	switch p.ObjectKind {
	case "merge_request":
		attrs := p.ObjectAttributes
		// "update" fires for every MR edit; only commit pushes carry oldrev.
		if attrs.Action != "open" && !(attrs.Action == "update" && attrs.OldRev != "") {
			return event.Event{}, false
		}
		return event.Event{
			Kind:         event.KindMRReview,
			ProjectID:    p.Project.ID,
			RepoCloneURL: p.Project.GitHTTPURL,
			TargetRef:    attrs.TargetBranch,
			HeadSHA:      attrs.LastCommit.ID,
			Author:       p.User.Username,
			MR: &event.MRPayload{
				IID:          attrs.IID,
				Title:        attrs.Title,
				Description:  attrs.Description,
				SourceBranch: attrs.SourceBranch,
				TargetBranch: attrs.TargetBranch,
			},
		}, true
	case "note":
		attrs := p.ObjectAttributes
		if attrs.NoteableType != "MergeRequest" {
			return event.Event{}, false
		}
		if !strings.HasPrefix(attrs.Note, s.commandPrefix) {
			return event.Event{}, false
		}
		if strings.EqualFold(p.User.Username, s.agentIdentity) {
			return event.Event{}, false
		}
		return event.Event{
			Kind:         event.KindMRCommand,
			ProjectID:    p.Project.ID,
			RepoCloneURL: p.Project.GitHTTPURL,
			TargetRef:    p.MergeRequest.SourceBranch,
			HeadSHA:      p.MergeRequest.LastCommit.ID,
			Author:       p.User.Username,
			Note: &event.NotePayload{
				MRIID:  p.MergeRequest.IID,
				NoteID: attrs.ID,
				Body:   strings.TrimSpace(strings.TrimPrefix(attrs.Note, s.commandPrefix)),
			},
		}, true
	}
	return event.Event{}, false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
