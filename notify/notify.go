// Package notify delivers operator alerts raised by background jobs. The
// primary sink is a Discord webhook; when no webhook is configured alerts
// fall back to the structured log so nothing is silently dropped.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
)

// Notifier is implemented by every alert sink. Send must not block beyond
// its internal timeout and must never panic; alerting failures are reported
// through the error return and the caller decides whether they matter.
type Notifier interface {
	Send(ctx context.Context, title, message string) error
}

// Discord posts alerts to a Discord webhook URL.
type Discord struct {
	webhookURL string
	client     *http.Client
	logger     *logharbour.Logger
}

// NewDiscord builds a webhook notifier. The HTTP client is bounded so a
// stuck Discord endpoint cannot hold a guardian run hostage.
func NewDiscord(webhookURL string, lg *logharbour.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     lg,
	}
}

func (d *Discord) Send(ctx context.Context, title, message string) error {
	payload, err := json.Marshal(map[string]string{
		"content": fmt.Sprintf("**%s**\n%s", title, message),
	})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook returned %d", resp.StatusCode)
	}
	d.logger.WithModule("notify").Info().LogActivity("alert delivered", map[string]any{
		"title": title,
	})
	return nil
}

// LogNotifier writes alerts to the structured log. It is the sink of last
// resort and never fails.
type LogNotifier struct {
	logger *logharbour.Logger
}

func NewLogNotifier(lg *logharbour.Logger) *LogNotifier {
	return &LogNotifier{logger: lg}
}

func (l *LogNotifier) Send(_ context.Context, title, message string) error {
	l.logger.WithModule("notify").Warn().LogActivity("operator alert", map[string]any{
		"title":   title,
		"message": message,
	})
	return nil
}

// FromConfig picks the Discord sink when a webhook URL is configured and the
// log sink otherwise.
func FromConfig(webhookURL string, lg *logharbour.Logger) Notifier {
	if webhookURL != "" {
		return NewDiscord(webhookURL, lg)
	}
	return NewLogNotifier(lg)
}
