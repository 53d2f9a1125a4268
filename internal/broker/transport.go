package broker

import (
	"context"
	"errors"
	"net"

	"campusbroker/internal/protocol"
)

// inboundFrame pairs a payload with the connection it arrived on; the
// connection itself serves as the client identity when routing the
// eventual PROP/RES back.
type inboundFrame struct {
	client  *clientConn
	payload []byte
}

// WorkerCount is the size of the worker pool behind the listener. The
// fan-out is a shared buffered channel every accepted connection's
// reader feeds.
const WorkerCount = 5

// listen accepts connections on addr until ctx is done, handing each
// connection's frames to inbox.
func (c *Core) listen(ctx context.Context, addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			go c.readConn(ctx, conn)
		}
	}()

	return ln, nil
}

func (c *Core) readConn(ctx context.Context, conn net.Conn) {
	cc := newClientConn(conn)
	defer cc.close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := protocol.ReadFrame(cc.reader)
		if err != nil {
			return
		}

		select {
		case c.inbox <- inboundFrame{client: cc, payload: frame}:
		case <-ctx.Done():
			return
		}
	}
}

// runWorkers starts WorkerCount goroutines pulling from inbox; they
// consume in arrival order, with no priority between transactions.
func (c *Core) runWorkers(ctx context.Context) {
	for i := 0; i < WorkerCount; i++ {
		go c.workerLoop(ctx)
	}
}

func (c *Core) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.inbox:
			c.dispatch(ctx, frame)
		}
	}
}
