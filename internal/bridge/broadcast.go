// Package bridge fans session events out to websocket consumers.
package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/event"
)

// Envelope is the wire frame sent to every consumer.
type Envelope struct {
	Type    event.Type  `json:"type"`
	Payload event.Event `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	// done signals the write pump to stop. The send channel is never closed,
	// so concurrent broadcasts can race removal without panicking.
	done     chan struct{}
	doneOnce sync.Once
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// close is idempotent and safe to call from any goroutine.
func (c *client) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Broadcaster implements event.Sink and delivers every session event to all
// connected consumers. New consumers receive the latest lifecycle phase so
// they can render state without waiting for the next transition.
type Broadcaster struct {
	logger *slog.Logger

	mu        sync.RWMutex
	clients   map[*client]bool
	lastState *event.ListeningState
}

var _ event.Sink = (*Broadcaster)(nil)

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:  logger,
		clients: make(map[*client]bool),
	}
}

// Emit publishes one session event to every connected consumer.
func (b *Broadcaster) Emit(ev event.Event) {
	if ls, ok := ev.(event.ListeningState); ok {
		b.mu.Lock()
		b.lastState = &ls
		b.mu.Unlock()
	}
	b.broadcast(Envelope{Type: ev.EventType(), Payload: ev})
}

// AddClient registers a consumer connection and replays the latest phase.
func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	lastState := b.lastState
	b.mu.Unlock()

	if lastState != nil {
		data, err := json.Marshal(Envelope{Type: event.TypeListeningState, Payload: *lastState})
		if err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	}

	return c
}

// RemoveClient unregisters a consumer and stops its write pump.
func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// CloseAll disconnects every consumer, for daemon shutdown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
		delete(b.clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ClientCount reports the number of connected consumers.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) broadcast(envelope Envelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		if b.logger != nil {
			b.logger.Error("broadcast marshal failed", "error", err.Error())
		}
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// Consumer can't keep up; drop it rather than stall the session.
			if b.logger != nil {
				b.logger.Warn("event consumer too slow, disconnecting")
			}
			b.RemoveClient(c)
		}
	}
}
