package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackops/internal/config"
)

type recordingSink struct {
	name   string
	events []Event
	err    error
}

func (r *recordingSink) Send(ctx context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingSink) Name() string { return r.name }

func TestDispatcherFansOutToAllSinks(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	d := NewDispatcherWithSinks(nil, a, b)

	d.Notify(context.Background(), Event{
		Kind:    EventBackup,
		Status:  StatusSucceeded,
		Message: "backup completed",
	})

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestDispatcherSwallowsSinkFailures(t *testing.T) {
	failing := &recordingSink{name: "failing", err: fmt.Errorf("sink down")}
	working := &recordingSink{name: "working"}
	d := NewDispatcherWithSinks(nil, failing, working)

	// Must not panic or abort; every sink still gets the event.
	d.Notify(context.Background(), Event{Kind: EventDeploy, Status: StatusFailed, Message: "rollback"})

	assert.Len(t, failing.events, 1)
	assert.Len(t, working.events, 1)
}

func TestDispatcherSetsTimestamp(t *testing.T) {
	sink := &recordingSink{name: "s"}
	d := NewDispatcherWithSinks(nil, sink)

	d.Notify(context.Background(), Event{Kind: EventHealth, Status: StatusWarning, Message: "degraded"})

	require.Len(t, sink.events, 1)
	assert.False(t, sink.events[0].Timestamp.IsZero())
}

func TestNewDispatcherDisabled(t *testing.T) {
	cfg := config.NotifyConf{
		Enabled: false,
		Webhook: &config.WebhookConf{URL: "http://example.com/hook"},
	}
	d := NewDispatcher(cfg, nil)
	assert.Equal(t, 0, d.SinkCount())
}

func TestWebhookSinkPayload(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(config.WebhookConf{URL: server.URL, Timeout: time.Second})
	err := sink.Send(context.Background(), Event{
		Kind:      EventDeploy,
		Status:    StatusSucceeded,
		Message:   "deployed v1.2.3",
		Timestamp: time.Now(),
		Context: map[string]interface{}{
			"deploy_id":   "d-42",
			"environment": "staging",
			"version":     "v1.2.3",
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "deploy", received["event"])
	assert.Equal(t, "succeeded", received["status"])
	assert.Equal(t, "d-42", received["deploy_id"])
	assert.Equal(t, "staging", received["environment"])
	assert.NotEmpty(t, received["timestamp"])
}

func TestWebhookSinkErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sink := NewWebhookSink(config.WebhookConf{URL: server.URL})
	err := sink.Send(context.Background(), Event{Kind: EventBackup, Status: StatusFailed, Message: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestChatSinkFormatsMessage(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer server.Close()

	sink := NewChatSink(config.ChatConf{WebhookURL: server.URL, Channel: "#ops"})
	err := sink.Send(context.Background(), Event{Kind: EventBackup, Status: StatusFailed, Message: "database dump failed"})

	require.NoError(t, err)
	assert.Contains(t, received["text"], "backup failed")
	assert.Contains(t, received["text"], "database dump failed")
	assert.Equal(t, "#ops", received["channel"])
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink := NewFileSink(path)

	for i := 0; i < 2; i++ {
		err := sink.Send(context.Background(), Event{
			Kind:      EventHealth,
			Status:    StatusWarning,
			Message:   "disk high",
			Timestamp: time.Now(),
		})
		require.NoError(t, err)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines)
}

func TestEmailSinkBuildsMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	sink := NewEmailSink(config.EmailConf{
		SMTPHost: "mail.internal",
		SMTPPort: 587,
		From:     "ops@example.com",
		To:       []string{"team@example.com"},
	})
	sink.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	err := sink.Send(context.Background(), Event{
		Kind:      EventRestore,
		Status:    StatusSucceeded,
		Message:   "restore completed",
		Timestamp: time.Now(),
		Context:   map[string]interface{}{"backup_name": "backup_20260827_120000"},
	})

	require.NoError(t, err)
	assert.Equal(t, "mail.internal:587", gotAddr)
	assert.Equal(t, "ops@example.com", gotFrom)
	assert.Equal(t, []string{"team@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: [stackops] restore succeeded")
	assert.Contains(t, string(gotMsg), "backup_20260827_120000")
}

func TestEmailSinkRequiresRecipients(t *testing.T) {
	sink := NewEmailSink(config.EmailConf{SMTPHost: "mail.internal", SMTPPort: 25})
	err := sink.Send(context.Background(), Event{Kind: EventBackup, Status: StatusFailed, Message: "x"})
	assert.Error(t, err)
}
