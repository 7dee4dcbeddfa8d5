// Package config loads controller configuration from a YAML file, the
// environment (GITPILOT_ prefix), and an optional .env file.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ForgeConfig points at one GitLab instance.
type ForgeConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// TrackerProject maps one Jira project onto the repository its issues are
// coded against.
type TrackerProject struct {
	GitLabProjectID int    `mapstructure:"gitlab_project_id"`
	CloneURL        string `mapstructure:"clone_url"`
	TargetBranch    string `mapstructure:"target_branch"`
}

// TrackerConfig enables the Jira-driven coding flow. Its presence is
// all-or-nothing: either the block is absent and the tracker poller never
// starts, or every field is set.
type TrackerConfig struct {
	URL              string                    `mapstructure:"url"`
	Username         string                    `mapstructure:"username"`
	Token            string                    `mapstructure:"token"`
	TriggerStatus    string                    `mapstructure:"trigger_status"`
	InProgressStatus string                    `mapstructure:"in_progress_status"`
	InReviewStatus   string                    `mapstructure:"in_review_status"`
	Projects         map[string]TrackerProject `mapstructure:"projects"`
}

// PollProject is one repository the forge poller watches.
type PollProject struct {
	ID       int    `mapstructure:"id"`
	CloneURL string `mapstructure:"clone_url"`
}

// PollConfig controls the forge poller.
type PollConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Projects []PollProject `mapstructure:"projects"`
}

// StoreConfig selects the shared-state backend. An empty RedisURL keeps
// everything in process memory (single-replica mode).
type StoreConfig struct {
	RedisURL string        `mapstructure:"redis_url"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

// ExecutorConfig selects how agent tasks run.
type ExecutorConfig struct {
	// Type is one of in_process, docker, kubernetes.
	Type          string `mapstructure:"type"`
	Image         string `mapstructure:"image"`
	Namespace     string `mapstructure:"namespace"`
	SecretName    string `mapstructure:"secret_name"`
	ConfigMapName string `mapstructure:"configmap_name"`
}

// AgentConfig describes the agent CLI invocation.
type AgentConfig struct {
	Binary  string        `mapstructure:"binary"`
	Args    []string      `mapstructure:"args"`
	EnvPass []string      `mapstructure:"env_pass"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GitConfig carries the commit identity and workspace policy.
type GitConfig struct {
	AuthorName  string `mapstructure:"author_name"`
	AuthorEmail string `mapstructure:"author_email"`
	AllowHTTP   bool   `mapstructure:"allow_http"`
}

// WebhookConfig controls the inbound webhook server.
type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
	// AllowedProjects, when non-empty, restricts which project ids may
	// trigger pipelines through the webhook.
	AllowedProjects []int `mapstructure:"allowed_projects"`
}

// NotifyConfig enables Slack operator notifications.
type NotifyConfig struct {
	SlackToken   string `mapstructure:"slack_token"`
	SlackChannel string `mapstructure:"slack_channel"`
}

// Config is the full controller configuration.
type Config struct {
	Debug      bool   `mapstructure:"debug"`
	LogFile    string `mapstructure:"log_file"`
	ListenAddr string `mapstructure:"listen_addr"`

	// AgentIdentity is the forge username the controller acts as; notes it
	// authored never trigger pipelines.
	AgentIdentity string `mapstructure:"agent_identity"`

	// CommandPrefix marks a merge-request note as a coding instruction.
	CommandPrefix string `mapstructure:"command_prefix"`

	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	Forge    ForgeConfig    `mapstructure:"forge"`
	Tracker  *TrackerConfig `mapstructure:"tracker"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Poll     PollConfig     `mapstructure:"poll"`
	Store    StoreConfig    `mapstructure:"store"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Git      GitConfig      `mapstructure:"git"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// Load reads configuration and validates it.
func Load(cfgFile string) (*Config, error) {
	// explicit .env loading; absence is fine
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("gitpilot")
	}

	viper.SetEnvPrefix("GITPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// An unconfigured tracker block decodes to a zero struct; normalize
	// that to nil so "tracker present" is a real discriminant.
	if cfg.Tracker != nil && cfg.Tracker.URL == "" {
		cfg.Tracker = nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("agent_identity", "gitpilot-bot")
	viper.SetDefault("command_prefix", "/copilot ")
	viper.SetDefault("poll.interval", "60s")
	viper.SetDefault("store.lock_ttl", "300s")
	viper.SetDefault("store.dedup_ttl", "24h")
	viper.SetDefault("executor.type", "in_process")
	viper.SetDefault("executor.namespace", "default")
	viper.SetDefault("executor.secret_name", "gitpilot-worker-secrets")
	viper.SetDefault("agent.timeout", "15m")
	viper.SetDefault("git.author_name", "GitPilot Agent")
	viper.SetDefault("git.author_email", "agent@gitpilot.local")
}
