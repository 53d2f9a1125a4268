package heartbeat

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Observer is the subscribe side: it dials a peer's Bus endpoint and
// tracks the last time an HB tick was seen, declaring the peer alive
// while now-lastSeen < Interval*Liveness.
type Observer struct {
	url      string
	lastSeen atomic.Int64 // unix nanos
}

// NewObserver builds an Observer for a websocket URL (e.g.
// "ws://host:port/hb"). It starts "dead" until the first tick arrives.
func NewObserver(url string) *Observer {
	o := &Observer{url: url}
	o.lastSeen.Store(time.Now().Add(-Interval * Liveness * 2).UnixNano())
	return o
}

// Alive reports whether a tick has been seen within the liveness window.
func (o *Observer) Alive() bool {
	last := time.Unix(0, o.lastSeen.Load())
	return time.Since(last) < Interval*Liveness
}

// Run dials the bus and reconnects with backoff until ctx is done,
// updating lastSeen on every received tick.
func (o *Observer) Run(ctx context.Context) {
	backoff := 500 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, o.url, nil)
		if err != nil {
			time.Sleep(backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 500 * time.Millisecond

		o.readLoop(ctx, conn)
		conn.Close()
	}
}

func (o *Observer) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			o.lastSeen.Store(time.Now().UnixNano())
		}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}

// URL returns the observed endpoint, for logging.
func (o *Observer) URL() string { return o.url }

// String implements fmt.Stringer for log lines.
func (o *Observer) String() string {
	return fmt.Sprintf("observer(%s, alive=%v)", o.url, o.Alive())
}
