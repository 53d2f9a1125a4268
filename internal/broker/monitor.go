package broker

import (
	"context"
	"time"

	"campusbroker/internal/protocol"
)

// DefaultPollInterval is how often the monitor sweeps; kept at half the
// heartbeat interval so a timed-out transaction is canceled promptly.
const DefaultPollInterval = 500 * time.Millisecond

// runMonitor sweeps the transaction table for expired PROP-without-ACK
// contexts until ctx is done.
func (c *Core) runMonitor(ctx context.Context) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired(ctx)
		}
	}
}

func (c *Core) sweepExpired(ctx context.Context) {
	for id, tx := range c.txs.takeExpired(time.Now()) {
		if err := c.Store.FailReservation(ctx, tx.reservationID); err != nil {
			c.logf("timeout: fail reservation %d: %v", tx.reservationID, err)
			continue
		}
		c.sendRES(tx.client, protocol.RES{
			Tipo:          protocol.TipoRES,
			Status:        protocol.StatusCanceled,
			TransactionID: id,
			Reason:        "timeout",
		})
	}
}
