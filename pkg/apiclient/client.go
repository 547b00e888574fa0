// Package apiclient implements the control-plane operations: claiming
// pending verification tasks and reporting their outcomes.
package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/models"
	"github.com/AletheiaFact/ai-task-processor/pkg/resilience"
)

// Client talks to the control plane over the shared HTTP envelope, which
// supplies retries, circuit breaking and bearer tokens.
type Client struct {
	baseURL string
	httpc   *resilience.Client
	log     *zap.Logger
}

// New builds a control-plane client rooted at baseURL.
func New(baseURL string, httpc *resilience.Client, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   httpc,
		log:     log.Named("apiclient"),
	}
}

// GetPendingTasks lists up to limit pending tasks. Listing does not claim:
// a task counts as claimed only once its status PATCH lands, and the control
// plane resolves races between workers. Tasks fetched but never reported
// simply reappear on a later poll.
func (c *Client) GetPendingTasks(ctx context.Context, limit int) ([]models.Task, error) {
	resp, err := c.httpc.Do(ctx, &resilience.Request{
		Method:   http.MethodGet,
		URL:      c.baseURL + "/api/ai-tasks/pending",
		Query:    url.Values{"limit": []string{strconv.Itoa(limit)}},
		Endpoint: "/api/ai-tasks/pending",
	})
	if err != nil {
		return nil, fmt.Errorf("fetching pending tasks: %w", err)
	}

	var tasks []models.Task
	if err := resp.DecodeJSON(&tasks); err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		c.log.Info("fetched pending tasks", zap.Int("count", len(tasks)))
	}
	return tasks, nil
}

// statusUpdate is the PATCH body. OutputData travels only on success,
// ErrorMessage only on failure.
type statusUpdate struct {
	Status       models.Status  `json:"status"`
	OutputData   map[string]any `json:"output_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// UpdateTaskStatus reports a task outcome. Delivery failures are logged and
// reported as false, never raised: a task the control plane did not hear
// about is re-emitted on a later poll, so the worker moves on.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID string, result *models.TaskResult) bool {
	body := statusUpdate{Status: result.Status}
	if result.Status == models.StatusSucceeded {
		body.OutputData = result.Output
	} else {
		body.ErrorMessage = result.Error
	}

	_, err := c.httpc.Do(ctx, &resilience.Request{
		Method:   http.MethodPatch,
		URL:      fmt.Sprintf("%s/api/ai-tasks/%s", c.baseURL, url.PathEscape(taskID)),
		Body:     body,
		Endpoint: "/api/ai-tasks/{id}",
	})
	if err != nil {
		c.log.Error("failed to update task status in API",
			zap.String("task_id", taskID),
			zap.String("status", string(result.Status)),
			zap.Error(err))
		return false
	}

	c.log.Info("task status updated",
		zap.String("task_id", taskID),
		zap.String("status", string(result.Status)))
	return true
}
