package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/expansiond/internal/expansion"
	"github.com/BadgerOps/expansiond/internal/safety"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookPayload is the JSON body posted for each event. Content is a
// human-readable line, which is all Discord and Slack style webhooks read.
type WebhookPayload struct {
	Content        string   `json:"content"`
	Event          string   `json:"event"`
	State          string   `json:"state,omitempty"`
	StateCode      int      `json:"state_code,omitempty"`
	Message        string   `json:"message,omitempty"`
	Paths          []string `json:"paths,omitempty"`
	JobID          int      `json:"job_id,omitempty"`
	NotificationID int      `json:"notification_id,omitempty"`
	Time           string   `json:"time"`
}

// WebhookNotifier posts status changes and terminal events to a webhook.
// Progress events are not posted. Delivery failures are logged and dropped;
// each post is bounded by the notifier's timeout.
type WebhookNotifier struct {
	url            string
	client         *http.Client
	logger         *slog.Logger
	jobID          int
	notificationID int
	label          string
	now            func() time.Time
}

var _ expansion.Sink = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a notifier posting to webhookURL. label prefixes
// every message, typically the package name.
func NewWebhookNotifier(webhookURL, label string, jobID, notificationID int, logger *slog.Logger) (*WebhookNotifier, error) {
	if _, err := safety.ValidateHTTPURL(webhookURL); err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:            webhookURL,
		client:         &http.Client{Timeout: defaultWebhookTimeout},
		logger:         logger,
		jobID:          jobID,
		notificationID: notificationID,
		label:          label,
		now:            time.Now,
	}, nil
}

// SetTimeout bounds how long a single post may take.
func (w *WebhookNotifier) SetTimeout(d time.Duration) {
	w.client.Timeout = d
}

func (w *WebhookNotifier) StatusChanged(state expansion.State) {
	// completion is announced by Done, failures by Error
	if state.IsTerminal() {
		return
	}
	w.post(WebhookPayload{
		Content:   w.content(state.Description()),
		Event:     "status",
		State:     state.String(),
		StateCode: int(state),
	})
}

func (w *WebhookNotifier) Progress(int64, int64) {}

func (w *WebhookNotifier) Done(paths []string) {
	w.post(WebhookPayload{
		Content:   w.content(fmt.Sprintf("%s expansion file(s) ready", humanize.Comma(int64(len(paths))))),
		Event:     "done",
		State:     expansion.StateCompleted.String(),
		StateCode: int(expansion.StateCompleted),
		Paths:     paths,
	})
}

func (w *WebhookNotifier) Error(state expansion.State, message string) {
	w.post(WebhookPayload{
		Content:   w.content(fmt.Sprintf("%s: %s", state.Description(), message)),
		Event:     "error",
		State:     state.String(),
		StateCode: int(state),
		Message:   message,
	})
}

func (w *WebhookNotifier) content(text string) string {
	if w.label == "" {
		return text
	}
	return strings.TrimSpace(w.label) + ": " + text
}

func (w *WebhookNotifier) post(p WebhookPayload) {
	p.JobID = w.jobID
	p.NotificationID = w.notificationID
	p.Time = w.now().UTC().Format(time.RFC3339)

	if err := w.Notify(context.Background(), p); err != nil {
		w.logger.Warn("webhook notification failed", "event", p.Event, "error", err)
	}
}

// Notify posts p and reports any failure.
func (w *WebhookNotifier) Notify(ctx context.Context, p WebhookPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}
	return nil
}
