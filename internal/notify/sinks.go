package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"strings"
	"time"

	"stackops/internal/config"
)

// WebhookSink posts the raw event payload as JSON to a generic webhook
type WebhookSink struct {
	cfg    config.WebhookConf
	client *http.Client
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(cfg config.WebhookConf) *WebhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the sink identifier
func (w *WebhookSink) Name() string { return "webhook" }

// Send posts the event payload
func (w *WebhookSink) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event.payload())
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	method := w.cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// ChatSink posts a chat-formatted message to a chat webhook
type ChatSink struct {
	cfg    config.ChatConf
	client *http.Client
}

// NewChatSink creates a chat webhook sink
func NewChatSink(cfg config.ChatConf) *ChatSink {
	return &ChatSink{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the sink identifier
func (c *ChatSink) Name() string { return "chat" }

// Send posts a chat message summarizing the event
func (c *ChatSink) Send(ctx context.Context, event Event) error {
	icon := ":white_check_mark:"
	switch event.Status {
	case StatusFailed:
		icon = ":x:"
	case StatusWarning, StatusCancelled:
		icon = ":warning:"
	case StatusStarted:
		icon = ":arrow_forward:"
	}

	username := c.cfg.Username
	if username == "" {
		username = "stackops"
	}

	msg := map[string]interface{}{
		"text":     fmt.Sprintf("%s *%s %s*: %s", icon, event.Kind, event.Status, event.Message),
		"username": username,
	}
	if c.cfg.Channel != "" {
		msg["channel"] = c.cfg.Channel
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("chat webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// EmailSink delivers events over SMTP
type EmailSink struct {
	cfg      config.EmailConf
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSink creates an SMTP email sink
func NewEmailSink(cfg config.EmailConf) *EmailSink {
	return &EmailSink{cfg: cfg, sendMail: smtp.SendMail}
}

// Name returns the sink identifier
func (e *EmailSink) Name() string { return "email" }

// Send sends the event as a plain-text email
func (e *EmailSink) Send(ctx context.Context, event Event) error {
	if len(e.cfg.To) == 0 {
		return fmt.Errorf("no email recipients configured")
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.SMTPHost)
	}

	subject := fmt.Sprintf("[stackops] %s %s", event.Kind, event.Status)
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n\r\n", subject)
	fmt.Fprintf(&msg, "%s\r\n\r\n", event.Message)
	for k, v := range event.Context {
		fmt.Fprintf(&msg, "%s: %v\r\n", k, v)
	}
	fmt.Fprintf(&msg, "timestamp: %s\r\n", event.Timestamp.UTC().Format(time.RFC3339))

	addr := fmt.Sprintf("%s:%d", e.cfg.SMTPHost, e.cfg.SMTPPort)
	if err := e.sendMail(addr, auth, e.cfg.From, e.cfg.To, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}
	return nil
}

// FileSink appends events as JSON lines to a local file
type FileSink struct {
	path string
}

// NewFileSink creates a file sink
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Name returns the sink identifier
func (f *FileSink) Name() string { return "file" }

// Send appends the event payload as one JSON line
func (f *FileSink) Send(ctx context.Context, event Event) error {
	line, err := json.Marshal(event.payload())
	if err != nil {
		return fmt.Errorf("failed to marshal file payload: %w", err)
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open notification file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}
