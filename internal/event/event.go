// Package event defines the normalized internal representation of work
// discovered via webhooks or pollers. Both inbound paths converge on Event
// before any pipeline runs.
package event

import "fmt"

// Kind discriminates the event union.
type Kind string

const (
	KindMRReview   Kind = "mr_review"
	KindMRCommand  Kind = "mr_copilot_command"
	KindJiraCoding Kind = "jira_coding"
)

// MRPayload carries merge-request specific fields.
type MRPayload struct {
	IID          int
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
}

// NotePayload carries a command note on a merge request.
type NotePayload struct {
	MRIID  int
	NoteID int
	Body   string
}

// IssuePayload carries a tracker issue that triggered a coding task.
type IssuePayload struct {
	Key         string
	Summary     string
	Description string
}

// Event is the canonical unit handed to pipelines. Exactly one payload
// pointer is set, matching Kind. Events are transient; nothing retains them
// past the pipeline run.
type Event struct {
	Kind         Kind
	ProjectID    int
	RepoCloneURL string
	TargetRef    string
	HeadSHA      string
	Author       string

	MR    *MRPayload
	Note  *NotePayload
	Issue *IssuePayload
}

// ReviewDedupKey identifies one review of one head commit.
func ReviewDedupKey(projectID, mrIID int, headSHA string) string {
	return fmt.Sprintf("review:%d:%d:%s", projectID, mrIID, headSHA)
}

// NoteDedupKey identifies one command note.
func NoteDedupKey(projectID, mrIID, noteID int) string {
	return fmt.Sprintf("note:%d:%d:%d", projectID, mrIID, noteID)
}

// IssueDedupKey identifies one tracker issue within a process lifetime.
func IssueDedupKey(issueKey string) string {
	return fmt.Sprintf("jira:%s", issueKey)
}
