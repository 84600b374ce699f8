// Package stream pushes sealed batches to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/user/chordlog/internal/types"
)

// ErrTooManyConnections is returned when the subscriber limit is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const (
	MsgSnapshot = "snapshot"
	MsgSealed   = "sealed"
)

// Message is the envelope written to subscribers.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

const sendBuffer = 64

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) remote() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Broadcaster fans sealed sets out to websocket clients. New clients get a
// snapshot of the retained history first.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	snapshot func() []types.ParallelActionSet
	slots    *semaphore.Weighted
	logger   *slog.Logger
	closed   bool
}

// NewBroadcaster creates a Broadcaster. maxConns <= 0 means unlimited.
// snapshot may be nil.
func NewBroadcaster(snapshot func() []types.ParallelActionSet, maxConns int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		snapshot: snapshot,
		logger:   logger,
	}
	if maxConns > 0 {
		b.slots = semaphore.NewWeighted(int64(maxConns))
	}
	return b
}

// AddClient registers conn and queues the snapshot message.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	if b.slots != nil && !b.slots.TryAcquire(1) {
		return nil, ErrTooManyConnections
	}

	sets := []types.ParallelActionSet{}
	if b.snapshot != nil {
		sets = b.snapshot()
	}
	data, err := json.Marshal(Message{Type: MsgSnapshot, Payload: sets})
	if err != nil {
		b.logger.Error("snapshot marshal failed", "error", err)
		data = nil
	}

	c := newClient(conn)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c.send)
		b.release()
		return nil, errors.New("broadcaster closed")
	}
	b.clients[c] = true
	// Queued under the lock so no sealed message can overtake it.
	if data != nil {
		c.send <- data
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
		b.release()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) release() {
	if b.slots != nil {
		b.slots.Release(1)
	}
}

// Publish sends set to every connected client. It matches the delivery
// handler signature so it can be registered as a sink.
func (b *Broadcaster) Publish(_ context.Context, set types.ParallelActionSet) error {
	data, err := json.Marshal(Message{Type: MsgSealed, Payload: set})
	if err != nil {
		return err
	}
	b.broadcast(data)
	return nil
}

// broadcast queues data for every client. Sends happen under the read lock
// because RemoveClient and Close close send channels under the write lock.
func (b *Broadcaster) broadcast(data []byte) {
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.logger.Warn("ws client too slow, disconnecting", "remote", c.remote())
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
		b.release()
	}
	b.mu.Unlock()
}

// Handler upgrades requests to websocket subscriptions. checkOrigin may be
// nil to accept same-origin requests only.
func (b *Broadcaster) Handler(checkOrigin func(*http.Request) bool) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.slots != nil && !b.slots.TryAcquire(1) {
			http.Error(w, ErrTooManyConnections.Error(), http.StatusServiceUnavailable)
			return
		}
		b.release()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Warn("ws upgrade failed", "error", err)
			return
		}

		c, err := b.AddClient(conn)
		if err != nil {
			b.logger.Warn("ws client rejected", "remote", r.RemoteAddr, "error", err)
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
			conn.Close()
			return
		}
		b.logger.Info("ws client connected", "remote", r.RemoteAddr)

		go func() {
			defer func() {
				b.RemoveClient(c)
				b.logger.Info("ws client disconnected", "remote", r.RemoteAddr)
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
}
