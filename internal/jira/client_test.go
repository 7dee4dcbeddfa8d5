package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchIssuesPaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/search", r.URL.Path)
		assert.Equal(t, `project = PROJ AND status = "To Do"`, r.URL.Query().Get("jql"))

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "bot@example.com", user)
		assert.Equal(t, "tok", pass)

		startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
		fmt.Fprintf(w, `{"total": 3, "issues": [{"key": "PROJ-%d", "fields": {"summary": "s", "status": {"name": "To Do"}}}]}`, startAt+1)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bot@example.com", "tok")
	issues, err := c.SearchIssues(context.Background(), `project = PROJ AND status = "To Do"`)
	require.NoError(t, err)
	require.Len(t, issues, 3)
	assert.Equal(t, "PROJ-1", issues[0].Key)
	assert.Equal(t, "PROJ-3", issues[2].Key)
}

func TestTransitionIssueByStatusName(t *testing.T) {
	var posted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/issue/PROJ-1/transitions", r.URL.Path)
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"transitions": [
				{"id": "11", "name": "Start Progress", "to": {"name": "In Progress"}},
				{"id": "21", "name": "Submit for Review", "to": {"name": "In Review"}}
			]}`))
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "u", "t")
	require.NoError(t, c.TransitionIssue(context.Background(), "PROJ-1", "In Review"))

	transition := posted["transition"].(map[string]any)
	assert.Equal(t, "21", transition["id"])
}

func TestTransitionIssueUnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"transitions": []}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "u", "t")
	err := c.TransitionIssue(context.Background(), "PROJ-1", "Nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no transition found")
}

func TestAddCommentADF(t *testing.T) {
	var posted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/issue/PROJ-1/comment", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "u", "t")
	require.NoError(t, c.AddComment(context.Background(), "PROJ-1", "Opened MR !11\nhttps://gitlab.example.com/g/r/-/merge_requests/11"))

	body := posted["body"].(map[string]any)
	assert.Equal(t, "doc", body["type"])
	paragraphs := body["content"].([]any)
	require.Len(t, paragraphs, 2)
	first := paragraphs[0].(map[string]any)["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "Opened MR !11", first["text"])
}

func TestPlainDescription(t *testing.T) {
	raw := `{
		"key": "PROJ-1",
		"fields": {
			"summary": "Fix login",
			"status": {"name": "To Do"},
			"description": {
				"type": "doc", "version": 1,
				"content": [
					{"type": "paragraph", "content": [{"type": "text", "text": "Login breaks "}, {"type": "text", "text": "on retry."}]},
					{"type": "paragraph", "content": [{"type": "text", "text": "Steps below."}]}
				]
			}
		}
	}`
	var issue Issue
	require.NoError(t, json.Unmarshal([]byte(raw), &issue))
	assert.Equal(t, "Login breaks on retry.\nSteps below.", issue.PlainDescription())
}
