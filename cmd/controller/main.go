// The controller receives forge webhooks, polls the forge and the tracker,
// and drives review and coding pipelines.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"gitpilot/internal/agent"
	"gitpilot/internal/config"
	"gitpilot/internal/executor"
	"gitpilot/internal/gitlab"
	"gitpilot/internal/gitws"
	"gitpilot/internal/jira"
	"gitpilot/internal/notify"
	"gitpilot/internal/pipeline"
	"gitpilot/internal/poller"
	"gitpilot/internal/store"
	"gitpilot/internal/task"
	"gitpilot/internal/telemetry"
	"gitpilot/internal/webhook"
)

func main() {
	cfgFile := pflag.StringP("config", "c", "", "path to the configuration file")
	pflag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	telemetry.InitLogger(cfg.Debug, cfg.LogFile)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Controller exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, "gitpilot-controller")
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()

	var (
		dedup   store.Dedup
		locks   store.Locker
		results store.ResultStore
	)
	if cfg.Store.RedisURL != "" {
		rs, err := store.NewRedisStoreFromURL(ctx, cfg.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		dedup, locks, results = rs, rs, rs
		logger.Info("Using redis store backend")
	} else {
		dedup = store.NewMemoryDedup(0)
		locks = store.NewMemoryLocker(0)
		results = store.NewMemoryResultStore()
		logger.Info("Using in-memory store backend (single replica)")
	}

	exec, err := buildExecutor(cfg, results, metrics, logger)
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notify.SlackToken != "" {
		notifier = notify.NewSlackNotifier(cfg.Notify.SlackToken, cfg.Notify.SlackChannel)
	}

	forge := gitlab.NewClient(cfg.Forge.URL, cfg.Forge.Token)

	app := &pipeline.App{
		Forge:          forge,
		Git:            gitws.NewClient(cfg.Git.AllowHTTP),
		Exec:           exec,
		Dedup:          dedup,
		SessionDedup:   store.NewMemoryDedup(0),
		Locks:          locks,
		Metrics:        metrics,
		Notifier:       notifier,
		Logger:         logger,
		ForgeToken:     cfg.Forge.Token,
		GitAuthorName:  cfg.Git.AuthorName,
		GitAuthorEmail: cfg.Git.AuthorEmail,
		LockTTL:        cfg.Store.LockTTL,
		DedupTTL:       cfg.Store.DedupTTL,
		AgentTimeout:   cfg.Agent.Timeout,
	}

	var trackerClient *jira.Client
	if cfg.Tracker != nil {
		trackerClient = jira.NewClient(cfg.Tracker.URL, cfg.Tracker.Username, cfg.Tracker.Token)
		app.Tracker = trackerClient
		app.InProgressStatus = cfg.Tracker.InProgressStatus
		app.InReviewStatus = cfg.Tracker.InReviewStatus
	}

	// Pollers are joined before run returns so an in-flight pipeline can
	// release its repo lock and clean its clone.
	var pollers sync.WaitGroup
	var forgePoller *poller.Forge
	if cfg.Poll.Enabled {
		projects := make([]poller.Project, 0, len(cfg.Poll.Projects))
		for _, p := range cfg.Poll.Projects {
			projects = append(projects, poller.Project{ID: p.ID, CloneURL: p.CloneURL})
		}
		forgePoller = &poller.Forge{
			Client:        forge,
			Pipelines:     app,
			Projects:      projects,
			Interval:      cfg.Poll.Interval,
			AgentIdentity: cfg.AgentIdentity,
			CommandPrefix: cfg.CommandPrefix,
			Metrics:       metrics,
			Logger:        logger,
		}
		pollers.Add(1)
		go func() {
			defer pollers.Done()
			forgePoller.Run(ctx)
		}()
	}

	var trackerPoller *poller.Tracker
	if cfg.Tracker != nil {
		projects := make(map[string]poller.TrackerProject, len(cfg.Tracker.Projects))
		for key, p := range cfg.Tracker.Projects {
			projects[key] = poller.TrackerProject{
				GitLabProjectID: p.GitLabProjectID,
				CloneURL:        p.CloneURL,
				TargetBranch:    p.TargetBranch,
			}
		}
		trackerPoller = &poller.Tracker{
			Client:        trackerClient,
			Pipelines:     app,
			Projects:      projects,
			TriggerStatus: cfg.Tracker.TriggerStatus,
			Interval:      cfg.Poll.Interval,
			Metrics:       metrics,
			Logger:        logger,
		}
		pollers.Add(1)
		go func() {
			defer pollers.Done()
			trackerPoller.Run(ctx)
		}()
	}

	srv := webhook.NewServer(ctx, cfg.Webhook.Secret, cfg.AgentIdentity,
		cfg.CommandPrefix, cfg.Webhook.AllowedProjects, app, metrics, logger)
	if forgePoller != nil || trackerPoller != nil {
		srv.PollerHealth = func() map[string]any {
			health := map[string]any{}
			if forgePoller != nil {
				health["forge"] = forgePoller.Health()
			}
			if trackerPoller != nil {
				health["tracker"] = trackerPoller.Health()
			}
			return health
		}
	}

	logger.Info("Controller listening", "addr", cfg.ListenAddr, "executor", cfg.Executor.Type)
	err = srv.Start(ctx, cfg.ListenAddr)
	pollers.Wait()
	return err
}

// buildExecutor wires the configured task execution backend.
func buildExecutor(cfg *config.Config, results store.ResultStore, metrics *telemetry.Metrics, logger *slog.Logger) (executor.Executor, error) {
	switch cfg.Executor.Type {
	case "in_process":
		runner := agent.NewCLIRunner(cfg.Agent.Binary, cfg.Agent.Args, cfg.Agent.EnvPass, cfg.Agent.Timeout)
		return &executor.InProcess{Runner: runner}, nil

	case "docker":
		api, err := executor.NewDockerAPI()
		if err != nil {
			return nil, err
		}
		return &executor.Docker{
			API:          api,
			Image:        cfg.Executor.Image,
			StoreURL:     cfg.Store.RedisURL,
			Env:          workerEnv(cfg),
			AllowedHosts: workerAllowedHosts(cfg),
			Results:      results,
			Metrics:      metrics,
			Logger:       logger,
		}, nil

	case "kubernetes":
		clientset, _, err := executor.NewKubeClientset()
		if err != nil {
			return nil, err
		}
		return &executor.Kube{
			Clientset:     clientset,
			Namespace:     cfg.Executor.Namespace,
			Image:         cfg.Executor.Image,
			SecretName:    cfg.Executor.SecretName,
			ConfigMapName: cfg.Executor.ConfigMapName,
			StoreURL:      cfg.Store.RedisURL,
			AllowedHosts:  workerAllowedHosts(cfg),
			Results:       results,
			Metrics:       metrics,
			Logger:        logger,
		}, nil
	}
	return nil, fmt.Errorf("unknown executor type %q", cfg.Executor.Type)
}

// workerAllowedHosts derives the clone allowlist isolated workers enforce:
// the forge's own host, plus any extras named in the controller's
// WORKER_ALLOWED_HOSTS environment.
func workerAllowedHosts(cfg *config.Config) string {
	var hosts []string
	if u, err := url.Parse(cfg.Forge.URL); err == nil && u.Host != "" {
		hosts = append(hosts, u.Host)
	}
	if extra := os.Getenv(task.EnvAllowedHosts); extra != "" {
		hosts = append(hosts, extra)
	}
	return strings.Join(hosts, ",")
}

// workerEnv assembles the credential environment for Docker workers. On
// Kubernetes the equivalent comes from the worker secret instead.
func workerEnv(cfg *config.Config) map[string]string {
	env := map[string]string{
		"FORGE_TOKEN":    cfg.Forge.Token,
		"AGENT_BINARY":   cfg.Agent.Binary,
		"AGENT_ENV_PASS": strings.Join(cfg.Agent.EnvPass, ","),
	}
	for _, name := range cfg.Agent.EnvPass {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	return env
}
