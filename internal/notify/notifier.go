// Package notify delivers violation reports to payment platforms.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/resilience"
)

// Message is one outbound report.
type Message struct {
	ReportID     string    `json:"report_id"`
	SubmissionID string    `json:"submission_id"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to"`
	CC           []string  `json:"cc,omitempty"`
	Subject      string    `json:"subject"`
	Text         string    `json:"text"`
	HTML         string    `json:"html"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier sends a Message.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// WebhookNotifier posts messages as JSON to a mail relay webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
	retry  resilience.RetryConfig
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(url string, retry resilience.RetryConfig) *WebhookNotifier {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("notify", "webhook")
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Send implements Notifier. 429 and 5xx responses are retried.
func (n *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	if n.url == "" {
		return eris.New("notify: webhook url not configured")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrap(err, "notify: marshal message")
	}

	return resilience.Do(ctx, n.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
		if err != nil {
			return eris.Wrap(err, "notify: create webhook request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return eris.Wrap(err, "notify: webhook request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode >= 400 {
			err := eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(err, resp.StatusCode)
			}
			return err
		}
		zap.L().Debug("notify: webhook delivered",
			zap.String("report_id", msg.ReportID),
			zap.Int("status", resp.StatusCode),
		)
		return nil
	})
}
