// Package heartbeat implements the "HB" publish/subscribe bus on top of
// gorilla/websocket: each replica broadcasts a fixed tick to all of its
// subscribers every Interval, and subscribers declare the publisher
// alive while ticks keep arriving within the liveness window.
package heartbeat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Interval is the tick period; a peer is declared dead after Liveness
// intervals of silence.
const (
	Interval = 1 * time.Second
	Liveness = 3
)

// Topic is the literal payload every HB tick carries.
const Topic = "HB"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Bus is the publish side: it accepts websocket subscribers and
// broadcasts Topic to all of them every Interval.
type Bus struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// NewBus creates an idle Bus; call Handler to get its http.HandlerFunc
// and Run to start the broadcast loop.
func NewBus() *Bus {
	return &Bus{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Handler upgrades incoming connections and hands them to Run's loop.
func (b *Bus) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.register <- conn

		// drain anything the subscriber sends (it sends nothing, but this
		// detects the connection closing so we can unregister).
		go func() {
			defer func() { b.unregister <- conn }()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

// Run ticks every Interval broadcasting Topic, and services
// register/unregister, until ctx is done.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for c := range b.clients {
				c.Close()
			}
			b.mu.Unlock()
			return

		case conn := <-b.register:
			b.mu.Lock()
			b.clients[conn] = true
			b.mu.Unlock()

		case conn := <-b.unregister:
			b.mu.Lock()
			if b.clients[conn] {
				delete(b.clients, conn)
				conn.Close()
			}
			b.mu.Unlock()

		case <-ticker.C:
			b.broadcast()
		}
	}
}

func (b *Bus) broadcast() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		c.WriteMessage(websocket.TextMessage, []byte(Topic))
	}
}
