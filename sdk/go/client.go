package governorsdk

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

// Client is a minimal governor HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID              string  `json:"id"`
	AgentID         string  `json:"agent_id"`
	ProjectID       string  `json:"project_id"`
	Name            string  `json:"name"`
	Complexity      string  `json:"complexity"`
	EstimatedTokens int64   `json:"estimated_tokens"`
	ConsumedTokens  int64   `json:"consumed_tokens"`
	CheckpointState string  `json:"checkpoint_state"`
	CheckpointURI   *string `json:"checkpoint_uri,omitempty"`
	CheckpointGen   int     `json:"checkpoint_gen"`
	Status          string  `json:"status"`
	PauseReason     *string `json:"pause_reason,omitempty"`
}

// UsageResult is the outcome of a usage report.
type UsageResult struct {
	RecordID            string  `json:"record_id"`
	ConsumedTokens      int64   `json:"consumed_tokens"`
	Utilization         float64 `json:"utilization"`
	Threshold           float64 `json:"threshold"`
	CheckpointRequested bool    `json:"checkpoint_requested"`
	Paused              bool    `json:"paused"`
	PauseReason         string  `json:"pause_reason,omitempty"`
}

// BudgetStatus summarizes a project budget.
type BudgetStatus struct {
	ProjectID  string  `json:"project_id"`
	Total      int64   `json:"total"`
	Used       int64   `json:"used"`
	Remaining  int64   `json:"remaining"`
	Percentage float64 `json:"percentage"`
	AlertLevel string  `json:"alert_level"`
}

// Message represents a bus message.
type Message struct {
	ID          string  `json:"id"`
	Channel     string  `json:"channel"`
	SenderID    string  `json:"sender_id"`
	ReceiverID  *string `json:"receiver_id,omitempty"`
	Type        string  `json:"type"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	Priority    int     `json:"priority"`
	Status      string  `json:"status"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterTask registers a task under an agent and project.
func (c *Client) RegisterTask(ctx context.Context, agentID, projectID, name string, estimatedTokens int64) (Task, error) {
	body := map[string]any{
		"agent_id":         agentID,
		"project_id":       projectID,
		"name":             name,
		"estimated_tokens": estimatedTokens,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// ReportUsage reports token consumption against a task.
func (c *Client) ReportUsage(ctx context.Context, taskID, agentID string, tokens int64, operation string) (UsageResult, error) {
	body := map[string]any{
		"task_id":        taskID,
		"agent_id":       agentID,
		"tokens":         tokens,
		"operation_type": operation,
	}
	var resp UsageResult
	err := c.do(ctx, http.MethodPost, "v0/usage", body, &resp)
	return resp, err
}

// ConfirmCheckpoint confirms a saved checkpoint for a task. Pass a
// non-nil generation to guard against stale confirms.
func (c *Client) ConfirmCheckpoint(ctx context.Context, taskID, storageRef string, generation *int) (Task, error) {
	body := map[string]any{"storage_ref": storageRef}
	if generation != nil {
		body["generation"] = *generation
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/checkpoint/confirm", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// FailCheckpoint reports a failed save attempt.
func (c *Client) FailCheckpoint(ctx context.Context, taskID, reason string, generation *int) (Task, error) {
	body := map[string]any{"reason": reason}
	if generation != nil {
		body["generation"] = *generation
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/checkpoint/fail", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Heartbeat refreshes an agent's liveness.
func (c *Client) Heartbeat(ctx context.Context, agentID, status string, currentTaskID *string) error {
	body := map[string]any{}
	if status != "" {
		body["status"] = status
	}
	if currentTaskID != nil {
		body["current_task_id"] = *currentTaskID
	}
	endpoint := fmt.Sprintf("v0/agents/%s/heartbeat", url.PathEscape(agentID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// ProjectBudget fetches the live budget position of a project.
func (c *Client) ProjectBudget(ctx context.Context, projectID string) (BudgetStatus, error) {
	var resp BudgetStatus
	endpoint := fmt.Sprintf("v0/projects/%s/budget", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// QueryStatus fetches a status projection; level is project, agent,
// task or package.
func (c *Client) QueryStatus(ctx context.Context, level, id string) (map[string]any, error) {
	var resp map[string]any
	endpoint := fmt.Sprintf("v0/status/%s/%s", url.PathEscape(level), url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Dispatch pulls the next message from a channel, if any.
func (c *Client) Dispatch(ctx context.Context, channel string) (*Message, error) {
	var resp struct {
		Message *Message `json:"message"`
	}
	endpoint := fmt.Sprintf("v0/channels/%s/dispatch", url.PathEscape(channel))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Message, err
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
