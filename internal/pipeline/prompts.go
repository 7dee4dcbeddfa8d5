package pipeline

import (
	"fmt"

	"gitpilot/internal/event"
)

const reviewSystemPrompt = `You are a senior engineer reviewing a merge request.
Inspect the repository in the current directory and the merge request description below.
Respond with a JSON array of findings, each an object with fields
"file", "line", "severity" (error|warning|info), "comment", and optionally
"suggestion", "suggestion_start_offset", "suggestion_end_offset".
After the array, write one short summary paragraph.`

const codingSystemPrompt = `You are a senior engineer implementing a change in the repository
in the current directory. Make the edits, then finish your reply with a JSON object:
{"files": [paths you changed], "summary": "one-line description"}.
If no change is needed, reply with {"files": [], "summary": "reason"}.`

func reviewUserPrompt(ev event.Event) string {
	return fmt.Sprintf("Review merge request !%d.\n\nTitle: %s\n\nDescription:\n%s\n\nSource branch: %s, target branch: %s.",
		ev.MR.IID, ev.MR.Title, ev.MR.Description, ev.MR.SourceBranch, ev.MR.TargetBranch)
}

func codingUserPrompt(ev event.Event) string {
	switch ev.Kind {
	case event.KindMRCommand:
		return fmt.Sprintf("A reviewer on merge request !%d asked:\n\n%s", ev.Note.MRIID, ev.Note.Body)
	case event.KindJiraCoding:
		return fmt.Sprintf("Implement issue %s.\n\nSummary: %s\n\nDescription:\n%s",
			ev.Issue.Key, ev.Issue.Summary, ev.Issue.Description)
	}
	return ""
}
