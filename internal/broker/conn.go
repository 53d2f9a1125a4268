package broker

import (
	"bufio"
	"net"
	"sync"

	"campusbroker/internal/protocol"
)

// clientConn wraps one gateway's long-lived connection. Several
// transactions for the same gateway can be in flight at once (PROP for
// tx A may still be unACKed when tx B's SOL arrives), so writes are
// serialized with a mutex rather than assuming one frame in flight.
type clientConn struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

func newClientConn(c net.Conn) *clientConn {
	return &clientConn{conn: c, reader: bufio.NewReader(c)}
}

func (c *clientConn) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteFrame(c.conn, v)
}

func (c *clientConn) close() error {
	return c.conn.Close()
}
