package gitlab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMRDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/42/merge_requests/7/changes", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("PRIVATE-TOKEN"))
		w.Write([]byte(`{
			"iid": 7,
			"title": "Add feature",
			"source_branch": "feature",
			"target_branch": "main",
			"diff_refs": {"base_sha": "b1", "start_sha": "s1", "head_sha": "h1"},
			"changes": [{"old_path": "a.py", "new_path": "a.py", "diff": "@@ -1 +1 @@\n-x\n+y\n"}],
			"unknown_field": {"ignored": true}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	details, err := c.GetMRDetails(context.Background(), 42, 7)
	require.NoError(t, err)
	assert.Equal(t, "h1", details.DiffRefs.HeadSHA)
	assert.Equal(t, "feature", details.SourceBranch)
	require.Len(t, details.Changes, 1)
	assert.Equal(t, "a.py", details.Changes[0].NewPath)
}

func TestCreateDiscussionRequestShape(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v4/projects/42/merge_requests/7/discussions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	pos := Position{BaseSHA: "b1", StartSHA: "s1", HeadSHA: "h1", PositionType: "text", OldPath: "a.py", NewPath: "a.py", NewLine: 3}
	require.NoError(t, c.CreateDiscussion(context.Background(), 42, 7, pos, "[WARNING] Use a constant."))

	assert.Equal(t, "[WARNING] Use a constant.", got["body"])
	position := got["position"].(map[string]any)
	assert.Equal(t, "b1", position["base_sha"])
	assert.Equal(t, "text", position["position_type"])
	assert.Equal(t, float64(3), position["new_line"])
}

func TestListOpenMRsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "opened", r.URL.Query().Get("state"))
		assert.NotEmpty(t, r.URL.Query().Get("updated_after"))
		w.Write([]byte(`[{"iid": 7, "title": "t", "source_branch": "f", "target_branch": "main", "sha": "c1", "updated_at": "2026-01-02T03:04:05Z"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	mrs, err := c.ListOpenMRs(context.Background(), 42, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, mrs, 1)
	assert.Equal(t, "c1", mrs[0].SHA)
}

func TestListOpenMRsFollowsPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page == "1" {
			full := make([]map[string]any, listPageSize)
			for i := range full {
				full[i] = map[string]any{"iid": i + 1, "sha": "c1"}
			}
			json.NewEncoder(w).Encode(full)
			return
		}
		assert.Equal(t, "2", page)
		w.Write([]byte(`[{"iid": 101, "sha": "c2"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	mrs, err := c.ListOpenMRs(context.Background(), 42, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, mrs, listPageSize+1)
	assert.Equal(t, 101, mrs[listPageSize].IID)
}

func TestListMRNotesFiltersSystemAndOld(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id": 1, "body": "old", "author": {"username": "u"}, "created_at": "2026-01-01T00:00:00Z"},
			{"id": 2, "body": "added a commit", "system": true, "author": {"username": "u"}, "created_at": "2026-01-03T00:00:00Z"},
			{"id": 3, "body": "/copilot fix foo", "author": {"username": "u"}, "created_at": "2026-01-03T00:00:00Z"}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	cutoff := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	notes, err := c.ListMRNotes(context.Background(), 42, 7, cutoff)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, 3, notes[0].ID)
}

func TestCreateMergeRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "agent/PROJ-1", payload["source_branch"])
		assert.Equal(t, "main", payload["target_branch"])
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"iid": 11, "web_url": "https://gitlab.example.com/g/r/-/merge_requests/11"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	iid, webURL, err := c.CreateMergeRequest(context.Background(), 42, "agent/PROJ-1", "main", "PROJ-1: fix", "desc")
	require.NoError(t, err)
	assert.Equal(t, 11, iid)
	assert.Contains(t, webURL, "/merge_requests/11")
}

func TestRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.ListOpenMRs(context.Background(), 42, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.GetMRDetails(context.Background(), 42, 7)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
