// Package jira is a typed client for the tracker endpoints the coding
// pipeline depends on: JQL search, status transitions, and comments.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Client handles Jira API interactions for one site with one token.
type Client struct {
	BaseURL    string
	Username   string
	APIToken   string
	HTTPClient *http.Client

	maxRetries uint64
}

// NewClient creates a new Jira client.
func NewClient(baseURL, username, apiToken string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Username:   username,
		APIToken:   apiToken,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
	}
}

// do performs one API request with basic auth, retrying network failures and
// 5xx responses. out, when non-nil, receives the decoded JSON body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		reqURL := c.BaseURL + path
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
		req.SetBasicAuth(c.Username, c.APIToken)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("jira request failed: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return retry.RetryableError(fmt.Errorf("jira returned status %d: %s", resp.StatusCode, string(data)))
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("jira returned status %d: %s", resp.StatusCode, string(data))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode jira response: %w", err)
			}
		}
		return nil
	})
}

// Authenticate verifies the credentials by calling the current-user endpoint.
func (c *Client) Authenticate(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/rest/api/3/myself", nil, nil, nil)
}

// SearchIssues runs a JQL query and returns all matching issues, following
// pagination until the result set is exhausted.
func (c *Client) SearchIssues(ctx context.Context, jql string) ([]Issue, error) {
	var issues []Issue
	startAt := 0
	for {
		query := url.Values{
			"jql":        {jql},
			"fields":     {"summary,description,status,labels"},
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {"50"},
		}
		var page struct {
			Total  int     `json:"total"`
			Issues []Issue `json:"issues"`
		}
		if err := c.do(ctx, http.MethodGet, "/rest/api/3/search", query, nil, &page); err != nil {
			return nil, err
		}
		issues = append(issues, page.Issues...)
		startAt += len(page.Issues)
		if len(page.Issues) == 0 || startAt >= page.Total {
			return issues, nil
		}
	}
}

// GetTransitions fetches the transitions currently available on an issue.
func (c *Client) GetTransitions(ctx context.Context, issueKey string) ([]Transition, error) {
	var result struct {
		Transitions []Transition `json:"transitions"`
	}
	path := fmt.Sprintf("/rest/api/3/issue/%s/transitions", issueKey)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &result); err != nil {
		return nil, err
	}
	return result.Transitions, nil
}

// TransitionIssue moves an issue to the named target status. Jira requires a
// transition id, so the available transitions are listed first and matched by
// name (case-insensitive) or by id.
func (c *Client) TransitionIssue(ctx context.Context, issueKey, target string) error {
	transitions, err := c.GetTransitions(ctx, issueKey)
	if err != nil {
		return fmt.Errorf("failed to fetch transitions: %w", err)
	}

	var foundID string
	for _, t := range transitions {
		if t.ID == target || strings.EqualFold(t.Name, target) || strings.EqualFold(t.To.Name, target) {
			foundID = t.ID
			break
		}
	}
	if foundID == "" {
		return fmt.Errorf("no transition found matching %q on %s", target, issueKey)
	}

	payload := map[string]any{
		"transition": map[string]string{"id": foundID},
	}
	path := fmt.Sprintf("/rest/api/3/issue/%s/transitions", issueKey)
	return c.do(ctx, http.MethodPost, path, nil, payload, nil)
}

// AddComment adds a comment to an issue. The text is wrapped in ADF
// (Atlassian Document Format), one paragraph per line.
func (c *Client) AddComment(ctx context.Context, issueKey, text string) error {
	payload := map[string]any{"body": adfDocument(text)}
	path := fmt.Sprintf("/rest/api/3/issue/%s/comment", issueKey)
	return c.do(ctx, http.MethodPost, path, nil, payload, nil)
}
