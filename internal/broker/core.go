// Package broker implements the allocation broker and its reservation
// monitor: a TCP listener fanning frames into a shared channel consumed
// by WorkerCount workers running the SOL->PROP->ACK->RES state machine,
// plus a sweeper canceling PROP-without-ACK transactions past AckTimeout.
package broker

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"campusbroker/internal/datastore"
)

// Core is the broker's activation unit: Activate binds the listener,
// starts the worker pool and the monitor; Deactivate tears all of it
// down. It is meant to be wired directly as a binarystar.Controller's
// Activate/Deactivate callbacks.
type Core struct {
	Addr  string
	Store datastore.Store
	Log   *log.Logger

	// AckTimeout and PollInterval override DefaultAckTimeout and
	// DefaultPollInterval when positive; zero value means "use the
	// default." Exposed so tests can run the monitor on a short clock.
	AckTimeout   time.Duration
	PollInterval time.Duration

	inbox chan inboundFrame
	txs   *txTable

	mu     sync.Mutex
	cancel context.CancelFunc
	ln     net.Listener
}

// NewCore builds an idle Core bound to addr (the public allocation
// endpoint, ":5555" by default) and store.
func NewCore(addr string, store datastore.Store, logger *log.Logger) *Core {
	return &Core{
		Addr:  addr,
		Store: store,
		Log:   logger,
		inbox: make(chan inboundFrame, WorkerCount*4),
		txs:   newTxTable(),
	}
}

// Activate binds the allocation endpoint and starts the listener, worker
// pool, and reservation monitor. Idempotent.
func (c *Core) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	ln, err := c.listen(runCtx, c.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("broker: listen %s: %w", c.Addr, err)
	}

	c.runWorkers(runCtx)
	go c.runMonitor(runCtx)

	c.ln = ln
	c.cancel = cancel
	c.logf("activated on %s", c.Addr)
	return nil
}

// Deactivate closes the allocation endpoint and signals the listener and
// workers to stop. Idempotent.
func (c *Core) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return
	}
	c.cancel()
	c.ln = nil
	c.cancel = nil
	c.logf("deactivated")
}

func (c *Core) logf(format string, args ...interface{}) {
	if c.Log != nil {
		c.Log.Printf(format, args...)
	}
}
