package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// SSEEvent represents a server-sent event
type SSEEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SSEHub manages SSE connections
type SSEHub struct {
	clients   map[chan SSEEvent]bool
	broadcast chan SSEEvent
	mu        sync.Mutex
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients:   make(map[chan SSEEvent]bool),
		broadcast: make(chan SSEEvent, 64),
	}
}

// Run fans events out to clients until ctx ends. Slow clients are dropped.
func (h *SSEHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *SSEHub) register(client chan SSEEvent) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
}

// unregister closes client unless the hub already dropped it
func (h *SSEHub) unregister(client chan SSEEvent) {
	h.mu.Lock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client)
	}
	h.mu.Unlock()
}

// Broadcast queues an event for all clients. Events are dropped while the
// queue is full.
func (h *SSEHub) Broadcast(event SSEEvent) {
	select {
	case h.broadcast <- event:
	default:
	}
}

// Clients returns the number of connected clients
func (h *SSEHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		client := make(chan SSEEvent, 16)
		s.sseHub.register(client)
		defer s.sseHub.unregister(client)

		for {
			select {
			case <-r.Context().Done():
				return
			case event, ok := <-client:
				if !ok {
					return
				}
				data, _ := json.Marshal(event)
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
