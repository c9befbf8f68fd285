// Package listmgr implements the HTTP client for the external to-do
// list manager. The list API exposes a token-based incremental sync
// endpoint plus per-item REST operations; this client maps both onto
// the engine's model types and retries transient failures internally.
package listmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stefanvoss/taskbridge/internal/model"
)

const (
	defaultTimeout = 30 * time.Second
	maxAttempts    = 4
	baseBackoff    = 500 * time.Millisecond
)

// Client talks to the list manager's REST API with bearer-token auth.
type Client struct {
	baseURL  string
	apiToken string
	http     *http.Client
}

// New creates a list-manager client. An empty timeout uses the default
// 30s per-call budget.
func New(baseURL, apiToken string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:  baseURL,
		apiToken: apiToken,
		http:     &http.Client{Timeout: timeout},
	}
}

// itemPayload is the wire shape of a list item.
type itemPayload struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	Description string      `json:"description"`
	Due         *duePayload `json:"due"`
	Priority    int         `json:"priority"`
	ProjectID   string      `json:"project_id"`
	SectionID   string      `json:"section_id"`
	Checked     bool        `json:"checked"`
	UpdatedAt   string      `json:"updated_at"`
}

type duePayload struct {
	Date string `json:"date"` // YYYY-MM-DD
}

// syncResponse is the incremental-sync wire shape: one call returns the
// new continuation token together with changed items and deletions.
type syncResponse struct {
	SyncToken      string        `json:"sync_token"`
	Items          []itemPayload `json:"items"`
	DeletedItemIDs []string      `json:"deleted_item_ids"`
}

func (p *itemPayload) toModel() model.ListTask {
	t := model.ListTask{
		ID:          p.ID,
		Content:     p.Content,
		Description: p.Description,
		Priority:    p.Priority,
		ProjectID:   p.ProjectID,
		SectionID:   p.SectionID,
		Completed:   p.Checked,
	}
	if p.Due != nil {
		t.DueDate = p.Due.Date
	}
	if ts, err := time.Parse(time.RFC3339, p.UpdatedAt); err == nil {
		t.UpdatedAt = ts
	}
	return t
}

// IncrementalSync fetches everything changed since the given token.
// An empty token ("*" on the wire) requests a full snapshot. The caller
// owns persisting the returned token, and must do so only after every
// item and deletion in the page has been applied.
func (c *Client) IncrementalSync(ctx context.Context, token string) (*model.ListSyncPage, error) {
	if token == "" {
		token = "*"
	}

	body := map[string]interface{}{
		"sync_token":     token,
		"resource_types": []string{"items"},
	}

	var resp syncResponse
	if err := c.do(ctx, http.MethodPost, "/sync", body, &resp); err != nil {
		return nil, fmt.Errorf("incremental sync failed: %w", err)
	}

	page := &model.ListSyncPage{
		Token:     resp.SyncToken,
		Deletions: resp.DeletedItemIDs,
	}
	for i := range resp.Items {
		page.Items = append(page.Items, resp.Items[i].toModel())
	}
	return page, nil
}

// GetTask fetches a single item by id.
func (c *Client) GetTask(ctx context.Context, id string) (*model.ListTask, error) {
	var payload itemPayload
	if err := c.do(ctx, http.MethodGet, "/tasks/"+id, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	t := payload.toModel()
	return &t, nil
}

// CreateTask creates a new item in the given project.
func (c *Client) CreateTask(ctx context.Context, fields model.NewListTask) (*model.ListTask, error) {
	body := map[string]interface{}{
		"content":     fields.Content,
		"description": fields.Description,
		"priority":    fields.Priority,
		"project_id":  fields.ProjectID,
	}
	if fields.SectionID != "" {
		body["section_id"] = fields.SectionID
	}
	if fields.DueDate != "" {
		body["due_date"] = fields.DueDate
	}

	var payload itemPayload
	if err := c.do(ctx, http.MethodPost, "/tasks", body, &payload); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	t := payload.toModel()
	return &t, nil
}

// UpdateTask applies a partial update to an item. Empty patches are a
// no-op.
func (c *Client) UpdateTask(ctx context.Context, id string, patch model.ListTaskPatch) error {
	if patch.IsEmpty() {
		return nil
	}

	body := map[string]interface{}{}
	if patch.Content != nil {
		body["content"] = *patch.Content
	}
	if patch.Description != nil {
		body["description"] = *patch.Description
	}
	if patch.DueDate != nil {
		body["due_date"] = *patch.DueDate
	}
	if patch.Priority != nil {
		body["priority"] = *patch.Priority
	}

	if err := c.do(ctx, http.MethodPost, "/tasks/"+id, body, nil); err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return nil
}

// CloseTask marks an item as completed.
func (c *Client) CloseTask(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/tasks/"+id+"/close", nil, nil); err != nil {
		return fmt.Errorf("failed to close task %s: %w", id, err)
	}
	return nil
}

// ReopenTask reopens a completed item.
func (c *Client) ReopenTask(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/tasks/"+id+"/reopen", nil, nil); err != nil {
		return fmt.Errorf("failed to reopen task %s: %w", id, err)
	}
	return nil
}

// do performs one API call with retry on 429/5xx.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		retry, err := decodeResponse(resp, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}

	return fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

// decodeResponse reads an API response. The bool result reports whether
// the error is retryable.
func decodeResponse(resp *http.Response, out interface{}) (bool, error) {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, fmt.Errorf("transient API error: status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("API error: status %d", resp.StatusCode)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return false, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return false, nil
}
