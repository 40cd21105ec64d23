package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spendguard/internal/anomaly"
	"spendguard/internal/token"
)

// ActionLink pairs a remediation action with its single-use execute URL.
type ActionLink struct {
	Action token.Action `json:"action"`
	URL    string       `json:"url"`
}

// Notification carries the anomaly context handed to the delivery channel.
type Notification struct {
	DetectedAt  time.Time        `json:"detected_at"`
	ProjectID   string           `json:"project_id"`
	Severity    anomaly.Severity `json:"severity"`
	Reason      anomaly.Reason   `json:"reason"`
	Observed    decimal.Decimal  `json:"observed"`
	Baseline    decimal.Decimal  `json:"baseline"`
	ZScore      float64          `json:"z_score"`
	MonthToDate decimal.Decimal  `json:"month_to_date"`
	BudgetLimit decimal.Decimal  `json:"budget_limit"`
	ResourceID  string           `json:"resource_id"`
	ActionLinks []ActionLink     `json:"action_links"`
	Recipient   string           `json:"recipient"`
}

// Notifier delivers anomaly notifications. The composition/delivery
// channel (email rendering and the like) lives behind this boundary.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// WebhookNotifier posts notifications as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier constructs a webhook notifier.
func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
	}
}

// Notify posts the notification payload and checks for acceptance.
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	payload := struct {
		Text string `json:"text"`
		Notification
	}{
		Text:         renderMessage(note),
		Notification: note,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.logger.Info().
		Time("detected_at", note.DetectedAt).
		Str("severity", string(note.Severity)).
		Str("resource_id", note.ResourceID).
		Msg("anomaly notification delivered")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Spend Anomaly Alert]\n")
	builder.WriteString(fmt.Sprintf("Project: %s\n", note.ProjectID))
	builder.WriteString(fmt.Sprintf("Detected: %s UTC\n", note.DetectedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Severity: %s (%s rule)\n", note.Severity, note.Reason))
	builder.WriteString(fmt.Sprintf("Observed: $%s vs baseline $%s", note.Observed.StringFixed(2), note.Baseline.StringFixed(2)))
	if note.ZScore != 0 {
		builder.WriteString(fmt.Sprintf(" (z=%.2f)", note.ZScore))
	}
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("Month to date: $%s of $%s budget\n", note.MonthToDate.StringFixed(2), note.BudgetLimit.StringFixed(2)))
	if note.ResourceID != "" {
		builder.WriteString(fmt.Sprintf("Top contributor: %s\n", note.ResourceID))
	}
	for _, link := range note.ActionLinks {
		builder.WriteString(fmt.Sprintf("%s: %s\n", link.Action, link.URL))
	}
	return builder.String()
}

var _ Notifier = (*WebhookNotifier)(nil)
