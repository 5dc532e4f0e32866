package courier

import (
	"context"
	"fmt"
	"io"
	"time"

	fleeterrors "fleet/internal/shared/errors"

	"github.com/go-resty/resty/v2"
)

// Delivery is one notification about a settled run, bound to a
// concrete destination.
type Delivery struct {
	Event         string    `json:"event"`
	RunID         string    `json:"run_id"`
	TaskID        string    `json:"task_id"`
	Title         string    `json:"title,omitempty"`
	Status        string    `json:"status"`
	ResultSummary string    `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Destination   string    `json:"-"`
}

// Channel delivers notifications to one kind of destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, d Delivery) error
}

const defaultSendTimeout = 15 * time.Second

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) WebhookOption {
	return func(c *WebhookChannel) {
		c.client.SetTimeout(d)
	}
}

// WithHeaders attaches static headers to every webhook POST.
func WithHeaders(headers map[string]string) WebhookOption {
	return func(c *WebhookChannel) {
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// WebhookChannel POSTs the delivery payload as JSON to the run's
// notify_webhook_url.
type WebhookChannel struct {
	client  *resty.Client
	headers map[string]string
}

// NewWebhookChannel creates the webhook channel.
func NewWebhookChannel(opts ...WebhookOption) *WebhookChannel {
	c := &WebhookChannel{
		client:  resty.New().SetTimeout(defaultSendTimeout),
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, d Delivery) error {
	if d.Destination == "" {
		return fleeterrors.NewPermanentError(nil, "webhook delivery without destination")
	}

	req := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(d)
	for k, v := range c.headers {
		req.SetHeader(k, v)
	}

	resp, err := req.Post(d.Destination)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("webhook returned status %d: %s",
			resp.StatusCode(), fleeterrors.Truncate(string(resp.Body()), 200))
	}
	return nil
}

// EmailConfig configures the HTTP email API the email channel talks to.
type EmailConfig struct {
	APIURL  string
	APIKey  string
	From    string
	Timeout time.Duration
}

// EmailChannel sends run notifications through a JSON email API.
type EmailChannel struct {
	cfg    EmailConfig
	client *resty.Client
}

// NewEmailChannel creates the email channel.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &EmailChannel{
		cfg:    cfg,
		client: resty.New().SetTimeout(timeout),
	}
}

func (c *EmailChannel) Name() string { return "email" }

type emailMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

func (c *EmailChannel) Send(ctx context.Context, d Delivery) error {
	if c.cfg.APIURL == "" {
		return fleeterrors.NewPermanentError(nil, "email channel not configured")
	}
	if d.Destination == "" {
		return fleeterrors.NewPermanentError(nil, "email delivery without destination")
	}

	msg := emailMessage{
		From:    c.cfg.From,
		To:      d.Destination,
		Subject: emailSubject(d),
		Text:    emailBody(d),
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(c.cfg.APIKey).
		SetBody(msg).
		Post(c.cfg.APIURL)
	if err != nil {
		return fmt.Errorf("email post: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("email API returned status %d: %s",
			resp.StatusCode(), fleeterrors.Truncate(string(resp.Body()), 200))
	}
	return nil
}

func emailSubject(d Delivery) string {
	title := d.Title
	if title == "" {
		title = d.RunID
	}
	return fmt.Sprintf("[fleet] %s: %s", d.Status, title)
}

func emailBody(d Delivery) string {
	body := fmt.Sprintf("Task run %s finished with status %s.\n", d.RunID, d.Status)
	if d.ResultSummary != "" {
		body += "\nResult:\n" + d.ResultSummary + "\n"
	}
	if d.Error != "" {
		body += "\nError:\n" + d.Error + "\n"
	}
	return body
}

// LogChannel writes deliveries to a writer. Used in dev setups where
// no real sink is configured.
type LogChannel struct {
	name string
	w    io.Writer
}

// NewLogChannel creates a log channel with the given name.
func NewLogChannel(name string, w io.Writer) *LogChannel {
	return &LogChannel{name: name, w: w}
}

func (c *LogChannel) Name() string { return c.name }

func (c *LogChannel) Send(_ context.Context, d Delivery) error {
	_, err := fmt.Fprintf(c.w, "[%s] [%s] run=%s status=%s dest=%s\n",
		d.Timestamp.UTC().Format(time.RFC3339), d.Event, d.RunID, d.Status, d.Destination)
	return err
}
