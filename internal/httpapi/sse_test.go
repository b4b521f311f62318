package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/events"
)

func TestSSEHandler_connected(t *testing.T) {
	bus := events.NewBus()
	handler := sseHandler(bus)
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequestWithContext(ctx, http.MethodGet, "/api/events", nil)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		handler(rec, req)
		close(done)
	}()
	// Wait for the handler to send "connected" then stop (avoid reading
	// rec.Body while the handler writes - race).
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	// Read response body only after the handler has finished writing.
	sc := bufio.NewScanner(rec.Body)
	var found bool
	for sc.Scan() {
		if strings.Contains(sc.Text(), "connected") {
			found = true
			break
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !found {
		t.Error("expected response to contain \"connected\"")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("subscribers after handler exit: %d", bus.SubscriberCount())
	}
}

func TestSSEHandler_forwardsBusEvents(t *testing.T) {
	bus := events.NewBus()
	handler := sseHandler(bus)
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequestWithContext(ctx, http.MethodGet, "/api/events", nil)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		handler(rec, req)
		close(done)
	}()

	// Publish only once the handler's subscription is registered.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(2 * time.Millisecond)
	}
	bus.Publish(events.TypeTaskUpdate, map[string]any{"task_id": "t-1", "status": "completed"})

	// Give the handler time to drain and write before stopping it.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.Contains(body, `"type":"connected"`) {
		t.Errorf("missing connected ping: %q", body)
	}
	if !strings.Contains(body, `"task_id":"t-1"`) {
		t.Errorf("missing published event: %q", body)
	}
}
