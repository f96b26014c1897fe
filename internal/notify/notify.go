package notify

import (
	"context"
	"time"

	"stackops/internal/config"
	"stackops/internal/logging"
)

// EventKind identifies what the notification is about
type EventKind string

const (
	EventBackup  EventKind = "backup"
	EventRestore EventKind = "restore"
	EventDeploy  EventKind = "deploy"
	EventHealth  EventKind = "health"
)

// EventStatus conveys the outcome being reported
type EventStatus string

const (
	StatusStarted   EventStatus = "started"
	StatusSucceeded EventStatus = "succeeded"
	StatusWarning   EventStatus = "warning"
	StatusFailed    EventStatus = "failed"
	StatusCancelled EventStatus = "cancelled"
)

// Event is a single status notification fanned out to all sinks
type Event struct {
	Kind      EventKind              `json:"event"`
	Status    EventStatus            `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"-"`
}

// payload flattens the event plus its context fields into the wire
// document described by the notification contract.
func (e Event) payload() map[string]interface{} {
	p := map[string]interface{}{
		"event":     string(e.Kind),
		"status":    string(e.Status),
		"message":   e.Message,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339),
	}
	for k, v := range e.Context {
		p[k] = v
	}
	return p
}

// Sink delivers an event to one destination
type Sink interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Dispatcher fans events out to all configured sinks. Delivery is
// best-effort: a sink failure is logged and swallowed, never aborting
// the caller. There is no ordering guarantee between sinks and
// duplicate deliveries under retry are acceptable.
type Dispatcher struct {
	logger *logging.Logger
	sinks  []Sink
}

// NewDispatcher builds a dispatcher from configuration
func NewDispatcher(cfg config.NotifyConf, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	d := &Dispatcher{logger: logger}

	if !cfg.Enabled {
		return d
	}

	if cfg.Webhook != nil && cfg.Webhook.URL != "" {
		d.sinks = append(d.sinks, NewWebhookSink(*cfg.Webhook))
	}
	if cfg.Chat != nil && cfg.Chat.WebhookURL != "" {
		d.sinks = append(d.sinks, NewChatSink(*cfg.Chat))
	}
	if cfg.Email != nil && cfg.Email.SMTPHost != "" {
		d.sinks = append(d.sinks, NewEmailSink(*cfg.Email))
	}
	if cfg.File != nil && cfg.File.Path != "" {
		d.sinks = append(d.sinks, NewFileSink(cfg.File.Path))
	}

	return d
}

// NewDispatcherWithSinks creates a dispatcher with explicit sinks
func NewDispatcherWithSinks(logger *logging.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Dispatcher{logger: logger, sinks: sinks}
}

// Notify sends the event to every sink independently. Errors are
// logged and never propagated.
func (d *Dispatcher) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sink := range d.sinks {
		if err := sink.Send(ctx, event); err != nil {
			d.logger.WithFields(map[string]interface{}{
				"sink":   sink.Name(),
				"event":  string(event.Kind),
				"status": string(event.Status),
			}).Warnf("Notification delivery failed: %v", err)
		}
	}
}

// SinkCount returns the number of configured sinks
func (d *Dispatcher) SinkCount() int {
	return len(d.sinks)
}
