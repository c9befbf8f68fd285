// Package crm implements the HTTP client for the CRM's activity and
// deal endpoints. It translates the wire format into the engine's
// model types and retries transient failures internally, so callers
// only see errors worth logging.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/stefanvoss/taskbridge/internal/model"
)

const (
	defaultTimeout = 30 * time.Second
	maxAttempts    = 4
	baseBackoff    = 500 * time.Millisecond
)

// Client talks to the CRM REST API. Authentication is a token passed
// as the api_token query parameter on every request.
type Client struct {
	baseURL  string
	apiToken string
	http     *http.Client
}

// New creates a CRM client. An empty timeout uses the default 30s
// per-call budget.
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

// activityPayload is the wire shape of a CRM activity.
type activityPayload struct {
	ID         int64  `json:"id"`
	Subject    string `json:"subject"`
	Type       string `json:"type"`
	Note       string `json:"note"`
	DueDate    string `json:"due_date"`
	PersonID   int64  `json:"person_id"`
	PersonName string `json:"person_name"`
	DealID     int64  `json:"deal_id"`
	Done       bool   `json:"done"`
	UpdateTime string `json:"update_time"`
}

// dealPayload is the wire shape of a CRM deal.
type dealPayload struct {
	ID         int64  `json:"id"`
	PipelineID int64  `json:"pipeline_id"`
	StageID    int64  `json:"stage_id"`
	PersonID   int64  `json:"person_id"`
	Title      string `json:"title"`
}

// envelope is the CRM's standard response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (p *activityPayload) toModel() model.CRMTask {
	t := model.CRMTask{
		ID:         p.ID,
		Title:      p.Subject,
		Type:       p.Type,
		Note:       p.Note,
		DueDate:    p.DueDate,
		PersonID:   p.PersonID,
		PersonName: p.PersonName,
		DealID:     p.DealID,
		Done:       p.Done,
	}
	if ts, err := time.Parse(time.RFC3339, p.UpdateTime); err == nil {
		t.UpdatedAt = ts
	}
	return t
}

// ListTasksChangedSince returns all activities whose update_time is at
// or after since. Overlap with previously seen items is expected; the
// engine's echo guard makes redelivery harmless.
func (c *Client) ListTasksChangedSince(ctx context.Context, since time.Time) ([]model.CRMTask, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("updated_since", since.UTC().Format(time.RFC3339))
	}

	var payloads []activityPayload
	if err := c.do(ctx, http.MethodGet, "/activities", q, nil, &payloads); err != nil {
		return nil, fmt.Errorf("failed to list changed activities: %w", err)
	}

	tasks := make([]model.CRMTask, 0, len(payloads))
	for i := range payloads {
		tasks = append(tasks, payloads[i].toModel())
	}
	return tasks, nil
}

// GetTask fetches a single activity by id.
func (c *Client) GetTask(ctx context.Context, id int64) (*model.CRMTask, error) {
	var payload activityPayload
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/activities/%d", id), nil, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to get activity %d: %w", id, err)
	}
	t := payload.toModel()
	return &t, nil
}

// CreateTask creates a new activity attached to a person.
func (c *Client) CreateTask(ctx context.Context, personID int64, fields model.NewCRMTask) (*model.CRMTask, error) {
	body := map[string]interface{}{
		"subject":   fields.Title,
		"type":      fields.Type,
		"note":      fields.Note,
		"person_id": personID,
	}
	if fields.DueDate != "" {
		body["due_date"] = fields.DueDate
	}
	if fields.DealID != 0 {
		body["deal_id"] = fields.DealID
	}

	var payload activityPayload
	if err := c.do(ctx, http.MethodPost, "/activities", nil, body, &payload); err != nil {
		return nil, fmt.Errorf("failed to create activity: %w", err)
	}
	t := payload.toModel()
	return &t, nil
}

// UpdateTask applies a partial update to an activity. Empty patches
// are a no-op.
func (c *Client) UpdateTask(ctx context.Context, id int64, patch model.CRMTaskPatch) error {
	if patch.IsEmpty() {
		return nil
	}

	body := map[string]interface{}{}
	if patch.Title != nil {
		body["subject"] = *patch.Title
	}
	if patch.Note != nil {
		body["note"] = *patch.Note
	}
	if patch.DueDate != nil {
		body["due_date"] = *patch.DueDate
	}

	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/activities/%d", id), nil, body, nil); err != nil {
		return fmt.Errorf("failed to update activity %d: %w", id, err)
	}
	return nil
}

// CompleteTask marks an activity as done.
func (c *Client) CompleteTask(ctx context.Context, id int64) error {
	body := map[string]interface{}{"done": true}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/activities/%d", id), nil, body, nil); err != nil {
		return fmt.Errorf("failed to complete activity %d: %w", id, err)
	}
	return nil
}

// ReopenTask clears an activity's done flag.
func (c *Client) ReopenTask(ctx context.Context, id int64) error {
	body := map[string]interface{}{"done": false}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/activities/%d", id), nil, body, nil); err != nil {
		return fmt.Errorf("failed to reopen activity %d: %w", id, err)
	}
	return nil
}

// GetDeal fetches a deal's pipeline/stage context.
func (c *Client) GetDeal(ctx context.Context, dealID int64) (*model.DealContext, error) {
	var payload dealPayload
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/deals/%d", dealID), nil, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to get deal %d: %w", dealID, err)
	}
	return &model.DealContext{
		DealID:     payload.ID,
		PipelineID: payload.PipelineID,
		StageID:    payload.StageID,
		PersonID:   payload.PersonID,
		Title:      payload.Title,
		FetchedAt:  time.Now(),
	}, nil
}

// do performs one API call with retry. Rate limiting (429) and server
// errors (5xx) are retried with exponential backoff; everything else
// propagates immediately.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_token", c.apiToken)
	endpoint := c.baseURL + path + "?" + query.Encode()

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

		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		retry, err := decodeEnvelope(resp, out)
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

// decodeEnvelope reads an API response. The bool result reports whether
// the error is retryable.
func decodeEnvelope(resp *http.Response, out interface{}) (bool, error) {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, fmt.Errorf("transient API error: status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("API error: status %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	if !env.Success {
		return false, fmt.Errorf("API rejected request: %s", env.Error)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return false, fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return false, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
