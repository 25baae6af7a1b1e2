package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.github.com"

// Client is a thin REST client for the handful of GitHub endpoints the
// monitor needs. repo is "owner/name".
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	repo       string
}

func NewClient(token string, repo string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		token:      token,
		repo:       repo,
	}
}

func (c *Client) do(ctx context.Context, method string, path string, accept string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if accept == "" {
		accept = "application/vnd.github+json"
	}
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("github %s %s: status %d: %s", method, path, resp.StatusCode, truncateBody(data))
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*string); ok {
		*raw = string(data)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncateBody(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 300 {
		return s[:300]
	}
	return s
}

type prResponse struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	Draft   bool   `json:"draft"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
	Head struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
}

// ListOpenPRs fetches the open pull requests, newest first, without CI
// state; call CheckState per head SHA for that.
func (c *Client) ListOpenPRs(ctx context.Context) ([]PRSnapshot, error) {
	var prs []prResponse
	path := fmt.Sprintf("/repos/%s/pulls?state=open&sort=created&direction=desc&per_page=50", c.repo)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &prs); err != nil {
		return nil, err
	}
	out := make([]PRSnapshot, 0, len(prs))
	for _, pr := range prs {
		out = append(out, PRSnapshot{
			Number:  pr.Number,
			Title:   pr.Title,
			Body:    pr.Body,
			HeadSHA: pr.Head.SHA,
			HeadRef: pr.Head.Ref,
			Author:  pr.User.Login,
			URL:     pr.HTMLURL,
			Draft:   pr.Draft,
		})
	}
	return out, nil
}

type checkRunsResponse struct {
	CheckRuns []struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		Output     struct {
			Summary string `json:"summary"`
			Text    string `json:"text"`
		} `json:"output"`
	} `json:"check_runs"`
}

// CheckState reduces a commit's check runs to one CI state plus the failed
// runs' output.
func (c *Client) CheckState(ctx context.Context, headSHA string) (string, []CheckFailure, error) {
	var runs checkRunsResponse
	path := fmt.Sprintf("/repos/%s/commits/%s/check-runs?per_page=100", c.repo, headSHA)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &runs); err != nil {
		return "", nil, err
	}
	if len(runs.CheckRuns) == 0 {
		return CIStateNone, nil, nil
	}

	state := CIStateSuccess
	var failures []CheckFailure
	for _, run := range runs.CheckRuns {
		if run.Status != "completed" {
			if state != CIStateFailure {
				state = CIStatePending
			}
			continue
		}
		switch run.Conclusion {
		case "success", "neutral", "skipped":
		case "failure", "timed_out", "cancelled", "action_required":
			state = CIStateFailure
			failures = append(failures, CheckFailure{
				Name:    run.Name,
				Summary: run.Output.Summary,
				Text:    run.Output.Text,
			})
		}
	}
	return state, failures, nil
}

// Diff fetches the PR's unified diff.
func (c *Client) Diff(ctx context.Context, prNumber int) (string, error) {
	var diff string
	path := fmt.Sprintf("/repos/%s/pulls/%d", c.repo, prNumber)
	if err := c.do(ctx, http.MethodGet, path, "application/vnd.github.v3.diff", nil, &diff); err != nil {
		return "", err
	}
	return diff, nil
}

// UpdateBody replaces a PR's description.
func (c *Client) UpdateBody(ctx context.Context, prNumber int, body string) error {
	path := fmt.Sprintf("/repos/%s/pulls/%d", c.repo, prNumber)
	return c.do(ctx, http.MethodPatch, path, "", map[string]string{"body": body}, nil)
}

// Comment posts an issue comment on a PR.
func (c *Client) Comment(ctx context.Context, prNumber int, text string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", c.repo, prNumber)
	return c.do(ctx, http.MethodPost, path, "", map[string]string{"body": text}, nil)
}
