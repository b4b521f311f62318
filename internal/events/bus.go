// Package events provides the in-process event bus the orchestration core
// publishes task, workflow, and agent transitions to. Transports (the SSE
// endpoint, the webhook notifier) subscribe; the core never depends on any
// specific transport.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	otelmetrics "github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/otel"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

// Event type names published by the engine.
const (
	TypeTaskUpdate     = "task_update"
	TypeWorkflowUpdate = "workflow_update"
	TypeAgentUpdate    = "agent_update"
)

// Bus fans events out to subscribers. Slow subscribers drop events rather
// than block a publisher; delivery is best-effort by contract.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan []byte]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan []byte]struct{})}
}

// Subscribe registers a new subscriber channel. The caller must drain it and
// call Unsubscribe when done.
func (b *Bus) Subscribe() chan []byte {
	ch := make(chan []byte, models.DefaultSSEChannelBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel. Safe to call twice.
func (b *Bus) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish stamps and fans out one event. Marshal happens once; subscribers
// that cannot keep up miss the event.
func (b *Bus) Publish(eventType string, data map[string]any) {
	b.publish(models.Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()})
}

func (b *Bus) publish(ev models.Event) {
	buf, err := json.Marshal(ev)
	if err != nil {
		return
	}
	otelmetrics.RecordBusEvent(context.Background(), ev.Type)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- buf:
		default:
			// Drop if subscriber is too slow; prevents global backpressure.
		}
	}
}
