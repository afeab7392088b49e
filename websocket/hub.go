package websocket

import (
	"context"
	"encoding/json/v2"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Hub manages multiple WebSocket connections for broadcasting. It is
// also a registry of connections: Register assigns each one a fresh
// uuid.UUID (a reconnect is a new Conn and gets a new id). Connections
// are added and removed only by the caller through Register and
// Unregister; a Conn does not report its own open or close to the Hub,
// and the Hub emits no lifecycle events.
type Hub struct {
	clients map[uuid.UUID]*Conn
	ids     map[*Conn]uuid.UUID

	register   chan *Conn
	unregister chan *Conn
	broadcast  chan []byte

	done   chan struct{}
	closed bool
	wg     sync.WaitGroup

	mu sync.RWMutex
}

// NewHub creates a new WebSocket Hub. The Hub must be started by
// calling Run() in a goroutine.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]*Conn),
		ids:        make(map[*Conn]uuid.UUID),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the Hub's event loop. Blocks until Close() is called.
func (h *Hub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			id := uuid.New()
			h.clients[id] = client
			h.ids[client] = id
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if id, ok := h.ids[client]; ok {
				delete(h.clients, id)
				delete(h.ids, client)
				_ = client.Close()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				go func(c *Conn, msg []byte) {
					if _, err := c.SendMessage(BinaryMessage, msg, SendOptions{}); err != nil {
						h.Unregister(c)
					}
				}(client, message)
			}
			h.mu.RUnlock()

		case <-h.done:
			return
		}
	}
}

// Register adds a client to the Hub. The client will receive all
// messages sent via Broadcast.
func (h *Hub) Register(client *Conn) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	h.register <- client
}

// ConnID returns the uuid.UUID assigned to client, or the zero UUID if
// client is not currently registered.
func (h *Hub) ConnID(client *Conn) uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ids[client]
}

// Unregister removes a client from the Hub and closes its connection.
// Safe to call multiple times for the same client.
func (h *Hub) Unregister(client *Conn) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	h.unregister <- client
}

// Broadcast queues a binary message for delivery to every registered
// client. Delivery happens asynchronously in the event loop; Broadcast
// itself only blocks while the 256-message queue is full. A client
// whose send fails is automatically unregistered.
func (h *Hub) Broadcast(message []byte) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	h.broadcast <- message
}

// BroadcastText sends text to all connected clients. It goes through
// Broadcast, so clients receive it as a binary message, not a text
// message.
func (h *Hub) BroadcastText(text string) {
	h.Broadcast([]byte(text))
}

// BroadcastJSON marshals v and broadcasts it as a binary message to all
// connected clients.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// ClientCount returns the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the Hub and disconnects all clients. Shutdown of the
// registered connections is sequenced through errgroup so Close waits
// for every client's Close to finish before returning. Safe to call
// multiple times.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*Conn, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	close(h.done)
	h.wg.Wait()

	g, _ := errgroup.WithContext(context.Background())
	for _, c := range clients {
		c := c
		g.Go(func() error {
			return c.Close()
		})
	}
	err := g.Wait()

	h.mu.Lock()
	h.clients = make(map[uuid.UUID]*Conn)
	h.ids = make(map[*Conn]uuid.UUID)
	h.mu.Unlock()

	close(h.register)
	close(h.unregister)
	close(h.broadcast)

	return err
}
