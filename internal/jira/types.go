package jira

import "strings"

// Status is an issue's workflow status.
type Status struct {
	Name string `json:"name"`
}

// IssueFields is the subset of fields the coding pipeline consumes.
// Description arrives as an ADF document tree.
type IssueFields struct {
	Summary     string         `json:"summary"`
	Description map[string]any `json:"description"`
	Status      Status         `json:"status"`
	Labels      []string       `json:"labels"`
}

// Issue is one search-result entry.
type Issue struct {
	Key    string      `json:"key"`
	Fields IssueFields `json:"fields"`
}

// PlainDescription flattens the issue's ADF description into plain text.
func (i Issue) PlainDescription() string {
	return strings.TrimSpace(extractADFText(i.Fields.Description))
}

// Transition is one entry from the issue-transitions endpoint.
type Transition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	To   Status `json:"to"`
}
