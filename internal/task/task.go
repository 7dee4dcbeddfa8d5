package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the flavor of work a task performs.
type Kind string

const (
	KindMRReview   Kind = "mr_review"
	KindMRCommand  Kind = "mr_copilot_command"
	KindJiraCoding Kind = "jira_coding"
)

// IsCoding reports whether the kind mutates the repository.
func (k Kind) IsCoding() bool {
	return k == KindMRCommand || k == KindJiraCoding
}

// Params describes one unit of agent work. Params are immutable once built;
// TaskID doubles as the idempotency key for worker result caching.
type Params struct {
	TaskID       string
	Kind         Kind
	RepoCloneURL string
	Branch       string
	SystemPrompt string
	UserPrompt   string
	Timeout      time.Duration

	// WorkingDir is set only for in-process execution, where the controller
	// has already cloned the repository.
	WorkingDir string
}

// ID derives the stable task identifier from the coordinates of the work.
// Two retries of the same issue against the same head share an ID.
func ID(kind Kind, projectID, targetRef, headSHA string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", kind, projectID, targetRef, headSHA)))
	return hex.EncodeToString(sum[:])[:20]
}

// ResultType tags the Result union.
type ResultType string

const (
	ResultReview      ResultType = "review"
	ResultCoding      ResultType = "coding"
	ResultCodingEmpty ResultType = "coding_empty"
)

// Result is the outcome of one executed task. Exactly one shape applies per
// Type: review results carry only Summary, coding results carry a
// commit-anchored patch, empty coding results carry only Summary.
type Result struct {
	Type          ResultType `json:"type"`
	Summary       string     `json:"summary"`
	Patch         []byte     `json:"patch,omitempty"`
	BaseCommitSHA string     `json:"base_commit_sha,omitempty"`
}

// NewReviewResult wraps raw agent review output.
func NewReviewResult(summary string) *Result {
	return &Result{Type: ResultReview, Summary: summary}
}

// NewCodingResult wraps a captured patch and the commit it was produced
// against.
func NewCodingResult(summary string, patch []byte, baseSHA string) *Result {
	return &Result{Type: ResultCoding, Summary: summary, Patch: patch, BaseCommitSHA: baseSHA}
}

// NewEmptyCodingResult marks a coding task that produced no changes.
func NewEmptyCodingResult(summary string) *Result {
	return &Result{Type: ResultCodingEmpty, Summary: summary}
}

// Validate checks the structural invariants of the union.
func (r *Result) Validate() error {
	switch r.Type {
	case ResultReview, ResultCodingEmpty:
		if len(r.Patch) != 0 {
			return fmt.Errorf("%s result must not carry a patch", r.Type)
		}
	case ResultCoding:
		// A coding result from an isolated worker always anchors its patch.
		if len(r.Patch) > 0 && r.BaseCommitSHA == "" {
			return fmt.Errorf("coding result with patch is missing base_commit_sha")
		}
	default:
		return fmt.Errorf("unknown result type %q", r.Type)
	}
	return nil
}

// Encode serializes the result for the shared store.
func (r *Result) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResult parses a result previously written by Encode.
func DecodeResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode task result: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
