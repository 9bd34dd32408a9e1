package civitracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Civitrack HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// ValidationItem is the API item model (partial).
type ValidationItem struct {
	ID               int64   `json:"id"`
	ProjectID        string  `json:"project_id"`
	DeliverableType  string  `json:"deliverable_type"`
	DeliverableRefID string  `json:"deliverable_ref_id"`
	DeliverableName  string  `json:"deliverable_name"`
	Weight           float64 `json:"weight"`
	Status           string  `json:"status"`
}

// Submission is the API submission model (partial).
type Submission struct {
	ID              int64   `json:"id"`
	ItemID          int64   `json:"item_id"`
	VersionNo       int     `json:"version_no"`
	ProgressPercent float64 `json:"progress_percent"`
	Summary         string  `json:"summary,omitempty"`
	SubmittedBy     string  `json:"submitted_by"`
	SubmittedAt     string  `json:"submitted_at"`
}

// ListMeta mirrors the server pagination envelope.
type ListMeta struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasPrev    bool `json:"has_prev"`
	HasNext    bool `json:"has_next"`
}

// ItemList is a page of validation items.
type ItemList struct {
	Success bool             `json:"success"`
	Data    []ValidationItem `json:"data"`
	Summary struct {
		StatusCounts    map[string]int `json:"status_counts"`
		ProgressPercent float64        `json:"progress_percent"`
	} `json:"summary"`
	Meta ListMeta `json:"meta"`
}

// DecisionResult is the mutating-operation envelope.
type DecisionResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	NewStatus string `json:"new_status"`
}

// SyncResult reports a synchronizer run.
type SyncResult struct {
	Created  int `json:"created"`
	Existing int `json:"existing"`
}

// Progress is the project completion read model.
type Progress struct {
	ProjectID       string  `json:"project_id"`
	ProgressPercent float64 `json:"progress_percent"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListItems fetches one page of validation items.
func (c *Client) ListItems(ctx context.Context, status string, page, perPage int) (ItemList, error) {
	endpoint := c.projectPath("items")
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	if perPage > 0 {
		q.Set("per_page", fmt.Sprint(perPage))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp ItemList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Decide applies a reviewer decision to an item.
func (c *Client) Decide(ctx context.Context, itemID int64, decision, remarks string) (DecisionResult, error) {
	body := map[string]any{
		"decision": decision,
		"remarks":  remarks,
	}
	var resp DecisionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/items/%d/decision", itemID), body, &resp)
	return resp, err
}

// Submit records a progress submission against an item.
func (c *Client) Submit(ctx context.Context, itemID int64, percent float64, summary string) (Submission, error) {
	body := map[string]any{
		"progress_percent": percent,
		"summary":          summary,
	}
	var resp Submission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/items/%d/submissions", itemID), body, &resp)
	return resp, err
}

// Sync triggers deliverable synchronization for the project.
func (c *Client) Sync(ctx context.Context) (SyncResult, error) {
	var resp SyncResult
	err := c.do(ctx, http.MethodPost, c.projectPath("sync"), nil, &resp)
	return resp, err
}

// ProjectProgress fetches the current completion percentage.
func (c *Client) ProjectProgress(ctx context.Context) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, c.projectPath("progress"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
