package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/nous-backend/internal/logger"
)

// Message is one fan-out unit. Channel is the generation session id for
// progress events; Data is marshaled as-is.
type Message struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    any    `json:"data,omitempty"`
}

const EventProgress = "GenerationProgress"

// Client is one live subscriber connection. Events are delivered through
// Outbound; a full buffer means the subscriber is slow and events are
// dropped for it rather than blocking the publisher.
type Client struct {
	ID       uuid.UUID
	Channel  string
	Outbound chan Message
	done     chan struct{}
}

// Hub fans progress events out to any number of live subscribers, keyed by
// session id. It retains the most recent message per channel so a late
// subscriber immediately receives the current snapshot followed by
// subsequent events, never full history.
type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	subscriptions map[string]map[*Client]bool
	latest        map[string]Message
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:           log.With("component", "SSEHub"),
		subscriptions: make(map[string]map[*Client]bool),
		latest:        make(map[string]Message),
	}
}

// Subscribe registers a new client on channel and replays the latest
// snapshot, if any.
func (h *Hub) Subscribe(channel string) *Client {
	c := &Client{
		ID:       uuid.New(),
		Channel:  channel,
		Outbound: make(chan Message, 16),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	clients, ok := h.subscriptions[channel]
	if !ok {
		clients = make(map[*Client]bool)
		h.subscriptions[channel] = clients
	}
	// Enqueue the snapshot before releasing the lock so a concurrent
	// Broadcast cannot land in Outbound ahead of it. The buffer is fresh,
	// so this send never blocks.
	if snapshot, hasSnapshot := h.latest[channel]; hasSnapshot {
		c.Outbound <- snapshot
	}
	clients[c] = true
	h.mu.Unlock()

	h.log.Debug("subscriber joined", "clientID", c.ID, "channel", channel)
	return c
}

// Unsubscribe removes the client and closes its outbound channel.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	if clients, ok := h.subscriptions[c.Channel]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.subscriptions, c.Channel)
		}
	}
	h.mu.Unlock()

	close(c.done)
	h.log.Debug("subscriber left", "clientID", c.ID, "channel", c.Channel)
}

// Broadcast delivers msg to every subscriber of its channel in emission
// order. Delivery is best effort: subscribers with a full buffer miss the
// event.
func (h *Hub) Broadcast(msg Message) {
	if msg.Channel == "" {
		return
	}

	h.mu.Lock()
	h.latest[msg.Channel] = msg
	clients := make([]*Client, 0, len(h.subscriptions[msg.Channel]))
	for c := range h.subscriptions[msg.Channel] {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.Outbound <- msg:
		default:
			h.log.Warn("dropping event for slow subscriber", "clientID", c.ID, "channel", msg.Channel)
		}
	}
}

// Forget drops the retained snapshot for a channel. Called when a terminal
// session is purged.
func (h *Hub) Forget(channel string) {
	h.mu.Lock()
	delete(h.latest, channel)
	h.mu.Unlock()
}

// ServeHTTP streams the client's events as text/event-stream until the
// request context ends or the client is unsubscribed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, c *Client) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg := <-c.Outbound:
			raw, err := json.Marshal(msg)
			if err != nil {
				h.log.Warn("failed to marshal event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, raw)
			flusher.Flush()
		}
	}
}
