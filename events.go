package main

import (
	"context"
	"log/slog"
	"sync"
)

// EventHub fans modem URC lines out to any number of subscribers
// (websocket clients, the MQTT bridge). It is the single consumer of
// the modem URC channel.
type EventHub struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[chan string]struct{}
}

func NewEventHub(log *slog.Logger) *EventHub {
	return &EventHub{
		log:  log,
		subs: make(map[chan string]struct{}),
	}
}

// Run pumps URC lines to the subscribers until the context ends.
func (h *EventHub) Run(ctx context.Context, urcs <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-urcs:
			h.broadcast(line)
		}
	}
}

// Subscribe registers a new event channel. The channel is buffered and
// slow consumers lose events rather than stall the hub.
func (h *EventHub) Subscribe() chan string {
	ch := make(chan string, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes an event channel.
func (h *EventHub) Unsubscribe(ch chan string) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *EventHub) broadcast(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- line:
		default:
			h.log.Debug("dropping event for slow subscriber", "event", line)
		}
	}
}
