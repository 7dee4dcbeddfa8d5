package config

import "fmt"

// Validate enforces cross-field rules that viper cannot express.
func (c *Config) Validate() error {
	if c.Forge.URL == "" || c.Forge.Token == "" {
		return fmt.Errorf("forge.url and forge.token are required")
	}
	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required")
	}
	if c.Agent.Binary == "" && c.Executor.Type == "in_process" {
		return fmt.Errorf("agent.binary is required for in-process execution")
	}

	switch c.Executor.Type {
	case "in_process":
	case "docker", "kubernetes":
		if c.Executor.Image == "" {
			return fmt.Errorf("executor.image is required for %s execution", c.Executor.Type)
		}
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for %s execution, workers pass results through it", c.Executor.Type)
		}
	default:
		return fmt.Errorf("unknown executor.type %q", c.Executor.Type)
	}

	if c.Poll.Enabled && len(c.Poll.Projects) == 0 {
		return fmt.Errorf("poll.enabled requires at least one entry in poll.projects")
	}
	for i, p := range c.Poll.Projects {
		if p.ID == 0 || p.CloneURL == "" {
			return fmt.Errorf("poll.projects[%d] needs both id and clone_url", i)
		}
	}

	if c.Tracker != nil {
		t := c.Tracker
		if t.URL == "" || t.Username == "" || t.Token == "" {
			return fmt.Errorf("tracker requires url, username, and token")
		}
		if t.TriggerStatus == "" || t.InProgressStatus == "" || t.InReviewStatus == "" {
			return fmt.Errorf("tracker requires trigger_status, in_progress_status, and in_review_status")
		}
		if len(t.Projects) == 0 {
			return fmt.Errorf("tracker requires at least one project mapping")
		}
		for key, p := range t.Projects {
			if p.GitLabProjectID == 0 || p.CloneURL == "" {
				return fmt.Errorf("tracker.projects[%s] needs gitlab_project_id and clone_url", key)
			}
			if p.TargetBranch == "" {
				return fmt.Errorf("tracker.projects[%s] needs target_branch", key)
			}
		}
	}

	return nil
}
