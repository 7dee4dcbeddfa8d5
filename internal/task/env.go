package task

import (
	"fmt"
	"strconv"
	"time"
)

// Environment variable names through which executors hand Params to an
// isolated worker.
const (
	EnvTaskID         = "TASK_ID"
	EnvTaskKind       = "TASK_KIND"
	EnvRepoURL        = "REPO_URL"
	EnvBranch         = "BRANCH"
	EnvSystemPrompt   = "SYSTEM_PROMPT"
	EnvUserPrompt     = "USER_PROMPT"
	EnvTimeoutSeconds = "TIMEOUT_SECONDS"
	EnvStoreURL       = "STORE_URL"

	// EnvAllowedHosts is policy rather than task state: executors inject
	// it so a worker refuses to clone from anything but the configured
	// forge, whatever REPO_URL claims.
	EnvAllowedHosts = "WORKER_ALLOWED_HOSTS"
)

// Env flattens Params into the worker environment map. StoreURL is appended
// by the executor, not carried in Params.
func (p Params) Env() map[string]string {
	return map[string]string{
		EnvTaskID:         p.TaskID,
		EnvTaskKind:       string(p.Kind),
		EnvRepoURL:        p.RepoCloneURL,
		EnvBranch:         p.Branch,
		EnvSystemPrompt:   p.SystemPrompt,
		EnvUserPrompt:     p.UserPrompt,
		EnvTimeoutSeconds: strconv.Itoa(int(p.Timeout / time.Second)),
	}
}

// ParamsFromEnv rebuilds Params inside the worker from a lookup function
// (normally os.LookupEnv).
func ParamsFromEnv(lookup func(string) (string, bool)) (Params, error) {
	var p Params
	required := map[string]*string{
		EnvTaskID:       &p.TaskID,
		EnvRepoURL:      &p.RepoCloneURL,
		EnvBranch:       &p.Branch,
		EnvSystemPrompt: &p.SystemPrompt,
		EnvUserPrompt:   &p.UserPrompt,
	}
	for name, dst := range required {
		v, ok := lookup(name)
		if !ok || v == "" {
			return Params{}, fmt.Errorf("missing required environment variable %s", name)
		}
		*dst = v
	}

	kindStr, ok := lookup(EnvTaskKind)
	if !ok {
		return Params{}, fmt.Errorf("missing required environment variable %s", EnvTaskKind)
	}
	switch Kind(kindStr) {
	case KindMRReview, KindMRCommand, KindJiraCoding:
		p.Kind = Kind(kindStr)
	default:
		return Params{}, fmt.Errorf("unknown task kind %q", kindStr)
	}

	p.Timeout = 15 * time.Minute
	if v, ok := lookup(EnvTimeoutSeconds); ok && v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return Params{}, fmt.Errorf("invalid %s value %q", EnvTimeoutSeconds, v)
		}
		p.Timeout = time.Duration(secs) * time.Second
	}

	return p, nil
}
