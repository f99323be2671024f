package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"agentd/pkg/logx"
	"agentd/pkg/wferrors"
)

// WebhookChannel delivers notifications as JSON POSTs to an operator
// webhook (chat bridge, pager, etc).
type WebhookChannel struct {
	URL    string
	client *http.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		URL:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Recipient    string   `json:"recipient"`
	Text         string   `json:"text"`
	ReplyOptions []string `json:"reply_options,omitempty"`
}

func (c *WebhookChannel) Send(recipient, text string) error {
	return c.post(webhookPayload{Recipient: recipient, Text: text})
}

func (c *WebhookChannel) SendWithOptions(recipient, text string, replyOptions []string) error {
	return c.post(webhookPayload{Recipient: recipient, Text: text, ReplyOptions: replyOptions})
}

// post returns a connection error for transport failures, a rate-limit
// error for 429, and a plain status error otherwise so the retry
// classifier can tell server errors from client rejections.
func (c *WebhookChannel) post(payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	resp, err := c.client.Post(c.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return &wferrors.ConnectionError{Component: "webhook", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return &wferrors.RateLimitError{Service: "webhook"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}

// LogChannel writes notifications to the log. Used when no webhook is
// configured so deliveries remain observable in development.
type LogChannel struct {
	logger *logx.Logger
}

func NewLogChannel() *LogChannel {
	return &LogChannel{logger: logx.NewLogger("notify-log")}
}

func (c *LogChannel) Send(recipient, text string) error {
	c.logger.Info("to %s: %s", recipient, text)
	return nil
}

func (c *LogChannel) SendWithOptions(recipient, text string, replyOptions []string) error {
	c.logger.Info("to %s: %s (options: %v)", recipient, text, replyOptions)
	return nil
}
