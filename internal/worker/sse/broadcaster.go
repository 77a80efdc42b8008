// Package sse broadcasts service events (ticket status changes, route reloads)
// to dashboard clients over Server-Sent Events.
package sse

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/substrate/pkg/models"
)

// KeepAliveInterval is how often idle connections receive a comment frame.
const KeepAliveInterval = 25 * time.Second

var errClientGone = errors.New("client disconnected")

// Client represents a connected SSE client.
type Client struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string
	mu      sync.Mutex // serializes writes from Broadcast and the keep-alive loop
}

func (c *Client) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.Done:
		return errClientGone
	default:
	}
	if _, err := c.Writer.Write(frame); err != nil {
		return err
	}
	c.Flusher.Flush()
	return nil
}

// Broadcaster manages SSE client connections and message broadcasting.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates a new SSE broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
	}
}

// AddClient adds a new SSE client connection.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("client-%d", b.nextID)
	client := &Client{
		ID:      id,
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[id] = client
	clientCount := len(b.clients)
	b.mu.Unlock()

	log.Debug().
		Str("clientId", id).
		Int("totalClients", clientCount).
		Msg("SSE client connected")

	return client, nil
}

// RemoveClient removes a client connection. Safe to call more than once.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	_, exists := b.clients[client.ID]
	delete(b.clients, client.ID)
	clientCount := len(b.clients)
	b.mu.Unlock()

	if exists {
		// Taking the write lock means no frame is mid-flight once Done is closed.
		client.mu.Lock()
		close(client.Done)
		client.mu.Unlock()

		log.Debug().
			Str("clientId", client.ID).
			Int("totalClients", clientCount).
			Msg("SSE client disconnected")
	}
}

// Broadcast sends a message to all connected clients.
func (b *Broadcaster) Broadcast(data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE data")
		return
	}
	frame := []byte(fmt.Sprintf("data: %s\n\n", jsonData))

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		clients = append(clients, client)
	}
	b.mu.RUnlock()

	var deadClients []*Client
	for _, client := range clients {
		if err := client.write(frame); err != nil {
			if errors.Is(err, errClientGone) {
				continue
			}
			log.Debug().
				Str("clientId", client.ID).
				Err(err).
				Msg("Failed to write to SSE client, marking for removal")
			deadClients = append(deadClients, client)
		}
	}

	for _, client := range deadClients {
		b.RemoveClient(client)
	}
}

// TicketStatusEvent is broadcast whenever the queue processor moves a ticket.
type TicketStatusEvent struct {
	Type     string              `json:"type"`
	TicketID string              `json:"ticket_id"`
	Status   models.TicketStatus `json:"status"`
	At       time.Time           `json:"at"`
}

// TicketStatus broadcasts a ticket_status event.
func (b *Broadcaster) TicketStatus(ticketID string, status models.TicketStatus) {
	b.Broadcast(TicketStatusEvent{
		Type:     "ticket_status",
		TicketID: ticketID,
		Status:   status,
		At:       time.Now().UTC(),
	})
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE holds a client connection open until it disconnects.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client, err := b.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	if err := client.write([]byte(fmt.Sprintf("data: {\"type\":\"connected\",\"client_id\":%q}\n\n", client.ID))); err != nil {
		return
	}

	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done:
			return
		case <-ticker.C:
			if err := client.write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
		}
	}
}
