package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"comms-router/internal/domain"
)

const defaultHTTPTimeout = 5 * time.Second

// Assignment is the callback body posted to a task's callback URL.
type Assignment struct {
	Type  string       `json:"type"`
	Task  domain.Task  `json:"task"`
	Agent domain.Agent `json:"agent"`
}

// HTTPNotifier posts assignments to Task.CallbackURL.
// Tasks without a callback URL are skipped.
type HTTPNotifier struct {
	client *http.Client
	log    *slog.Logger
}

func NewHTTPNotifier(timeout time.Duration, log *slog.Logger) *HTTPNotifier {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPNotifier{client: &http.Client{Timeout: timeout}, log: log}
}

func (n *HTTPNotifier) OnTaskAssigned(ctx context.Context, m domain.MatchResult) error {
	url := m.Task.CallbackURL
	if url == "" {
		n.log.DebugContext(ctx, "no callback url, skipping", "task_id", m.Task.ID)
		return nil
	}

	body, err := json.Marshal(Assignment{Type: "task_assigned", Task: m.Task, Agent: m.Agent})
	if err != nil {
		return fmt.Errorf("notify: encode assignment: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-Id", m.Task.ID)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: callback returned %d", ErrDelivery, resp.StatusCode)
	default:
		// 4xx: the receiver refused the payload; retrying will not help.
		return fmt.Errorf("notify: callback rejected with %d", resp.StatusCode)
	}
}
