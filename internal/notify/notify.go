// Package notify forwards bus events to external targets (generic webhooks,
// Slack). Delivery is best-effort: a failed POST is logged and dropped so a
// dead endpoint can never back up the engine.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/events"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

// Notifier is an integration that can receive an event (e.g. webhook, Slack).
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev models.Event) error
}

// subscription pairs a notifier with its event-type filter.
type subscription struct {
	target Notifier
	types  map[string]struct{} // empty means all event types
}

func (s subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// Forwarder subscribes to the bus and fans events out to registered
// notifiers, one delivery at a time.
type Forwarder struct {
	bus     *events.Bus
	timeout time.Duration

	mu   sync.RWMutex
	subs []subscription
}

func NewForwarder(bus *events.Bus) *Forwarder {
	return &Forwarder{bus: bus, timeout: 10 * time.Second}
}

// Register adds a notifier. eventTypes limits delivery; none means all.
func (f *Forwarder) Register(n Notifier, eventTypes ...string) {
	sub := subscription{target: n}
	if len(eventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = struct{}{}
		}
	}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
}

// Run consumes bus events until ctx is cancelled. Call in its own goroutine.
func (f *Forwarder) Run(ctx context.Context) error {
	ch := f.bus.Subscribe()
	defer f.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			var ev models.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			f.dispatch(ctx, ev)
		}
	}
}

func (f *Forwarder) dispatch(ctx context.Context, ev models.Event) {
	f.mu.RLock()
	subs := make([]subscription, len(f.subs))
	copy(subs, f.subs)
	f.mu.RUnlock()

	for _, sub := range subs {
		if !sub.wants(ev.Type) {
			continue
		}
		nctx, cancel := context.WithTimeout(ctx, f.timeout)
		if err := sub.target.Notify(nctx, ev); err != nil {
			slog.Warn("notify failed", "notifier", sub.target.Name(), "event", ev.Type, "err", err)
		}
		cancel()
	}
}

// Webhook POSTs the raw event JSON to a URL.
type Webhook struct {
	URL    string
	Token  string       // optional; sent as Authorization: Bearer
	Client *http.Client // optional; defaults to http.DefaultClient
}

func (w Webhook) Name() string { return "webhook" }

func (w Webhook) Notify(ctx context.Context, ev models.Event) error {
	if w.URL == "" {
		return fmt.Errorf("webhook URL not set")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// SlackWebhook sends a one-line event summary to a Slack incoming webhook URL.
type SlackWebhook struct {
	WebhookURL string
	Channel    string // optional override
	Username   string // optional
}

func (s SlackWebhook) Name() string { return "slack" }

func (s SlackWebhook) Notify(ctx context.Context, ev models.Event) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not set")
	}
	payload := map[string]any{"text": summarize(ev)}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	if s.Username != "" {
		payload["username"] = s.Username
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// summarize renders an event as one line of chat text.
func summarize(ev models.Event) string {
	switch ev.Type {
	case events.TypeTaskUpdate:
		line := fmt.Sprintf("task %v %v on %v", ev.Data["task_id"], ev.Data["status"], ev.Data["agent_id"])
		if msg, ok := ev.Data["error"]; ok {
			line += fmt.Sprintf(": %v", msg)
		}
		return line
	case events.TypeWorkflowUpdate:
		return fmt.Sprintf("workflow %v %v", ev.Data["workflow_id"], ev.Data["status"])
	case events.TypeAgentUpdate:
		return fmt.Sprintf("agent %v is %v", ev.Data["agent_id"], ev.Data["status"])
	default:
		return fmt.Sprintf("%s event", ev.Type)
	}
}
