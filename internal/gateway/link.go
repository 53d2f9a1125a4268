package gateway

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"campusbroker/internal/config"
	"campusbroker/internal/heartbeat"
	"campusbroker/internal/protocol"
)

// wireConn pairs a dialed connection with its own write lock, so a slow
// write never blocks Link.evaluate from swapping the active endpoint
// (mirrors broker.clientConn's per-connection send lock).
type wireConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (w *wireConn) send(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return protocol.WriteFrame(w.conn, v)
}

type linkEndpoint struct {
	addr     string
	observer *heartbeat.Observer
}

// Link is the gateway's broker-facing connection: at most one of the
// configured broker endpoints is connected at a time, chosen by
// heartbeat liveness, reconnecting when the observed liveness flips.
type Link struct {
	endpoints []linkEndpoint
	onFrame   func([]byte)
	Log       *log.Logger

	mu         sync.Mutex
	active     *wireConn
	activeAddr string
}

// NewLink builds a Link over addrs (primary first, backup second),
// deriving each broker's heartbeat websocket endpoint via
// config.DerivedHBAddr. onFrame is invoked from a read-loop goroutine
// for every frame received from the active connection.
func NewLink(addrs []string, onFrame func([]byte), logger *log.Logger) (*Link, error) {
	l := &Link{onFrame: onFrame, Log: logger}
	for _, addr := range addrs {
		hbAddr, err := config.DerivedHBAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("gateway: link endpoint %q: %w", addr, err)
		}
		l.endpoints = append(l.endpoints, linkEndpoint{
			addr:     addr,
			observer: heartbeat.NewObserver("ws://" + hbAddr + "/hb"),
		})
	}
	return l, nil
}

// Run starts every endpoint's heartbeat observer and re-evaluates which
// one is alive twice per HB_INTERVAL, until ctx is done.
func (l *Link) Run(ctx context.Context) {
	for _, ep := range l.endpoints {
		go ep.observer.Run(ctx)
	}

	l.evaluate(ctx)
	ticker := time.NewTicker(heartbeat.Interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.closeActive()
			return
		case <-ticker.C:
			l.evaluate(ctx)
		}
	}
}

// evaluate picks the first alive endpoint (primary preferred over
// backup, per its position in addrs) and connects to it if it isn't
// already the active one; if none are alive, it drops any active
// connection.
func (l *Link) evaluate(ctx context.Context) {
	var target *linkEndpoint
	for i := range l.endpoints {
		if l.endpoints[i].observer.Alive() {
			target = &l.endpoints[i]
			break
		}
	}

	l.mu.Lock()
	current := l.activeAddr
	l.mu.Unlock()

	switch {
	case target == nil:
		if current != "" {
			l.closeActive()
			l.logf("no live broker endpoint")
		}
	case target.addr != current:
		l.connect(ctx, target.addr)
	}
}

func (l *Link) connect(ctx context.Context, addr string) {
	l.closeActive()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		l.logf("dial %s: %v", addr, err)
		return
	}
	wc := &wireConn{conn: conn}
	l.mu.Lock()
	l.active = wc
	l.activeAddr = addr
	l.mu.Unlock()
	l.logf("connected to %s", addr)
	go l.readLoop(wc)
}

func (l *Link) readLoop(wc *wireConn) {
	reader := bufio.NewReader(wc.conn)
	for {
		frame, err := protocol.ReadFrame(reader)
		if err != nil {
			l.mu.Lock()
			if l.active == wc {
				l.active = nil
				l.activeAddr = ""
			}
			l.mu.Unlock()
			return
		}
		l.onFrame(frame)
	}
}

func (l *Link) closeActive() {
	l.mu.Lock()
	wc := l.active
	l.active = nil
	l.activeAddr = ""
	l.mu.Unlock()
	if wc != nil {
		wc.conn.Close()
	}
}

// Connected reports whether a broker endpoint is currently dialed.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active != nil
}

// Send writes v as a framed JSON payload to the active connection.
func (l *Link) Send(v interface{}) error {
	l.mu.Lock()
	wc := l.active
	l.mu.Unlock()
	if wc == nil {
		return fmt.Errorf("gateway: no active broker connection")
	}
	return wc.send(v)
}

func (l *Link) logf(format string, args ...interface{}) {
	if l.Log != nil {
		l.Log.Printf(format, args...)
	}
}
