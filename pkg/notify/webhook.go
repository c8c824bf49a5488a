// Package notify delivers best-effort notifications for interesting emails
// over Slack and generic JSON webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/oneboxhq/onebox/pkg/email"
	"github.com/oneboxhq/onebox/pkg/logging"
)

// WebhookNotifier posts a Slack message and a generic automation payload for
// each notified email. Either URL may be empty, which skips that target.
type WebhookNotifier struct {
	slackURL   string
	genericURL string
	client     *http.Client
	log        zerolog.Logger
	sanitized  bool
}

// WebhookOption customizes a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithClient overrides the HTTP client.
func WithClient(c *http.Client) WebhookOption {
	return func(n *WebhookNotifier) { n.client = c }
}

// WithSanitizedLogs masks addresses in notifier logs.
func WithSanitizedLogs(on bool) WebhookOption {
	return func(n *WebhookNotifier) { n.sanitized = on }
}

// NewWebhook creates a notifier posting to the given Slack and generic
// webhook URLs.
func NewWebhook(slackURL, genericURL string, log zerolog.Logger, opts ...WebhookOption) *WebhookNotifier {
	n := &WebhookNotifier{
		slackURL:   slackURL,
		genericURL: genericURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log.With().Str("component", "notifier").Logger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify posts both webhook targets. Failures are joined and returned so the
// caller can log them, but delivery is best-effort and partial failure does
// not stop the other target.
func (n *WebhookNotifier) Notify(ctx context.Context, event string, em *email.Email) error {
	var errs []error
	if n.slackURL != "" {
		if err := n.sendSlack(ctx, em); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}
	if n.genericURL != "" {
		if err := n.sendGeneric(ctx, event, em); err != nil {
			errs = append(errs, fmt.Errorf("generic: %w", err))
		}
	}
	if len(errs) == 0 {
		from := em.From
		if n.sanitized {
			from = logging.MaskEmail(from)
		}
		n.log.Info().
			Str("event", event).
			Str("from", from).
			Msg("Notification delivered")
	}
	return errors.Join(errs...)
}

func (n *WebhookNotifier) sendSlack(ctx context.Context, em *email.Email) error {
	text := fmt.Sprintf("🔔 *New Interested Lead!*\nFrom: %s\nSubject: %s\nDate: %s",
		em.From, em.Subject, em.Date.Format(time.RFC1123))
	return n.post(ctx, n.slackURL, map[string]string{"text": text})
}

func (n *WebhookNotifier) sendGeneric(ctx context.Context, event string, em *email.Email) error {
	payload := map[string]interface{}{
		"event": event,
		"email": map[string]interface{}{
			"id":        em.ID,
			"accountId": em.AccountID,
			"subject":   em.Subject,
			"from":      em.From,
			"date":      em.Date,
			"category":  em.Category,
		},
	}
	return n.post(ctx, n.genericURL, payload)
}

func (n *WebhookNotifier) post(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
