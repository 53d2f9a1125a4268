package broker

import (
	"sync"
	"time"

	"campusbroker/internal/protocol"
)

// transaction is the broker-side context of one in-flight handshake: a
// PROP has been sent to client and is awaiting ACK (or timeout).
type transaction struct {
	client        *clientConn
	reservationID int64
	proposal      protocol.Proposal
	facultyName   string
	deadline      time.Time
}

// txTable is the single lock guarding all in-flight transactions,
// shared by every worker and the reservation monitor: ACK handling and
// timeout sweeping race on removal, and the loser sees a missing entry
// and does nothing further.
type txTable struct {
	mu sync.Mutex
	m  map[string]*transaction
}

func newTxTable() *txTable {
	return &txTable{m: make(map[string]*transaction)}
}

func (t *txTable) put(id string, tx *transaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[id] = tx
}

// take removes and returns the transaction for id in one critical
// section, so an ACK and a concurrent timeout sweep cannot both resolve
// the same reservation: whichever runs second sees a missing entry.
func (t *txTable) take(id string) (*transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.m[id]
	if ok {
		delete(t.m, id)
	}
	return tx, ok
}

// takeExpired removes and returns every transaction whose deadline has
// passed, atomically with respect to concurrent ACK handling.
func (t *txTable) takeExpired(now time.Time) map[string]*transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired map[string]*transaction
	for id, tx := range t.m {
		if tx.deadline.Before(now) {
			if expired == nil {
				expired = make(map[string]*transaction)
			}
			expired[id] = tx
			delete(t.m, id)
		}
	}
	return expired
}
