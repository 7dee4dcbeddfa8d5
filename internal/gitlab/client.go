// Package gitlab is a thin typed client for the forge endpoints the control
// plane depends on. Responses are parsed into explicit structs; unknown
// upstream fields are ignored for forward compatibility.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
)

// Client talks to one GitLab instance with one token.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	maxRetries uint64
}

// NewClient creates a forge client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
	}
}

// transientStatusError marks 5xx responses as retryable.
type transientStatusError struct {
	status int
	body   string
}

func (e *transientStatusError) Error() string {
	return fmt.Sprintf("gitlab returned status %d: %s", e.status, e.body)
}

// do performs one API request, retrying network failures and 5xx responses
// with fibonacci backoff. A non-2xx terminal status is returned as an error;
// out, when non-nil, receives the decoded JSON body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		reqURL := c.BaseURL + "/api/v4" + path
		if len(query) > 0 {
			reqURL += "?" + query.Encode()
		}

		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("failed to marshal payload: %w", err)
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("PRIVATE-TOKEN", c.Token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("gitlab request failed: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return retry.RetryableError(&transientStatusError{status: resp.StatusCode, body: string(data)})
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("gitlab returned status %d: %s", resp.StatusCode, string(data))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode gitlab response: %w", err)
			}
		}
		return nil
	})
}

// GetMRDetails fetches MR metadata, diff refs, and per-file changes.
func (c *Client) GetMRDetails(ctx context.Context, projectID, mrIID int) (*MRDetails, error) {
	var details MRDetails
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/changes", projectID, mrIID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &details); err != nil {
		return nil, err
	}
	if details.DiffRefs.HeadSHA == "" {
		return nil, fmt.Errorf("mr %d/%d has no diff refs", projectID, mrIID)
	}
	return &details, nil
}

// listPageSize is the GitLab per_page maximum.
const listPageSize = 100

// ListOpenMRs lists open merge requests updated after the given time,
// following pagination to the end.
func (c *Client) ListOpenMRs(ctx context.Context, projectID int, updatedAfter time.Time) ([]MergeRequest, error) {
	path := fmt.Sprintf("/projects/%d/merge_requests", projectID)
	var all []MergeRequest
	for page := 1; ; page++ {
		query := url.Values{
			"state":         {"opened"},
			"updated_after": {updatedAfter.UTC().Format(time.RFC3339)},
			"per_page":      {fmt.Sprint(listPageSize)},
			"page":          {fmt.Sprint(page)},
		}
		var mrs []MergeRequest
		if err := c.do(ctx, http.MethodGet, path, query, nil, &mrs); err != nil {
			return nil, err
		}
		all = append(all, mrs...)
		if len(mrs) < listPageSize {
			return all, nil
		}
	}
}

// ListMRNotes lists non-system notes on an MR created after the given time,
// following pagination to the end. GitLab has no created_after filter on
// notes, so filtering happens here.
func (c *Client) ListMRNotes(ctx context.Context, projectID, mrIID int, createdAfter time.Time) ([]Note, error) {
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/notes", projectID, mrIID)
	var all []Note
	for page := 1; ; page++ {
		query := url.Values{
			"sort":     {"asc"},
			"order_by": {"created_at"},
			"per_page": {fmt.Sprint(listPageSize)},
			"page":     {fmt.Sprint(page)},
		}
		var batch []Note
		if err := c.do(ctx, http.MethodGet, path, query, nil, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < listPageSize {
			break
		}
	}
	notes := make([]Note, 0, len(all))
	for _, n := range all {
		if n.System || !n.CreatedAt.After(createdAfter) {
			continue
		}
		notes = append(notes, n)
	}
	return notes, nil
}

// CreateDiscussion posts an inline discussion anchored at position.
func (c *Client) CreateDiscussion(ctx context.Context, projectID, mrIID int, position Position, body string) error {
	payload := map[string]any{
		"body":     body,
		"position": position,
	}
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/discussions", projectID, mrIID)
	return c.do(ctx, http.MethodPost, path, nil, payload, nil)
}

// CreateNote posts a plain note on an MR.
func (c *Client) CreateNote(ctx context.Context, projectID, mrIID int, body string) error {
	payload := map[string]any{"body": body}
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/notes", projectID, mrIID)
	return c.do(ctx, http.MethodPost, path, nil, payload, nil)
}

// CreateMergeRequest opens a new MR and returns its iid and web URL.
func (c *Client) CreateMergeRequest(ctx context.Context, projectID int, source, target, title, description string) (int, string, error) {
	payload := map[string]any{
		"source_branch": source,
		"target_branch": target,
		"title":         title,
		"description":   description,
	}
	var created struct {
		IID    int    `json:"iid"`
		WebURL string `json:"web_url"`
	}
	path := fmt.Sprintf("/projects/%d/merge_requests", projectID)
	if err := c.do(ctx, http.MethodPost, path, nil, payload, &created); err != nil {
		return 0, "", err
	}
	return created.IID, created.WebURL, nil
}
