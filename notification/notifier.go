// Package notification delivers engine mail through an HTTP mail API.
// The engine only depends on the Notifier interface; delivery failures are
// retryable task failures, never aggregate state changes.
package notification

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caliperml/caliper/common"
	"github.com/caliperml/caliper/domain"
)

// Attachment is one file attached to a message. Content travels
// base64-encoded in the API payload.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one outbound notification.
type Message struct {
	To          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Notifier sends messages to teams.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// MailAPIConfig configures the HTTP mail API client.
type MailAPIConfig struct {
	URL       string
	APIUser   string
	APIPass   string
	FromName  string
	FromEmail string
	Timeout   time.Duration
}

// MailAPIClient sends messages through a mailings-style HTTP API with basic
// auth and JSON payloads.
type MailAPIClient struct {
	config MailAPIConfig
	client *http.Client
	logger *logrus.Entry
}

// NewMailAPIClient creates the mail API client.
func NewMailAPIClient(config MailAPIConfig, logger *logrus.Entry) *MailAPIClient {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}
	return &MailAPIClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger.WithField("component", "mail-api"),
	}
}

// Send posts the message to the mail API. Non-2xx responses and transport
// errors come back as retryable failures.
func (c *MailAPIClient) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return domain.Validationf("notification has no recipients")
	}

	destinations := make([]map[string]interface{}, 0, len(msg.To))
	for _, to := range msg.To {
		destinations = append(destinations, map[string]interface{}{"email": to})
	}

	files := make([]map[string]string, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		files = append(files, map[string]string{
			"name":    att.Filename,
			"type":    att.ContentType,
			"content": base64.StdEncoding.EncodeToString(att.Data),
		})
	}

	payload := map[string]interface{}{
		"status":       "scheduled",
		"destinations": destinations,
		"from_name":    c.config.FromName,
		"from_email":   c.config.FromEmail,
		"subject":      msg.Subject,
		"body":         msg.Body,
		"files":        files,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode mail payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.config.APIUser, c.config.APIPass)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: mail API request failed: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%w: failed to read mail API response: %v", domain.ErrTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: mail API returned %d: %s", domain.ErrTransient, resp.StatusCode, string(respBody))
	}

	c.logger.WithFields(logrus.Fields{
		"subject":    msg.Subject,
		"recipients": len(msg.To),
	}).Info("notification sent")
	return nil
}

// LogNotifier logs messages instead of delivering them. Used when no mail
// API is configured.
type LogNotifier struct {
	Logger *logrus.Entry
}

// Send logs the message and reports success.
func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	logger := n.Logger
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}
	logger.WithFields(logrus.Fields{
		"subject":    msg.Subject,
		"recipients": msg.To,
	}).Info("notification suppressed, no mail API configured")
	return nil
}

// MockNotifier records sent messages for tests.
type MockNotifier struct {
	Sent []Message
	Err  error
}

// Send records the message, or fails with the configured error.
func (m *MockNotifier) Send(ctx context.Context, msg Message) error {
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, msg)
	return nil
}
