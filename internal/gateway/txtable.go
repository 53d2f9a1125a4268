package gateway

import (
	"sync"
	"time"

	"campusbroker/internal/protocol"
)

// txEntry is the gateway-side context of one in-flight transaction:
// when the SOL and ACK went out, which program asked, when processing
// started, plus a completion channel the blocked HTTP handler waits on
// for the final RES.
type txEntry struct {
	programName string
	startTS     time.Time
	solSentTS   time.Time
	ackSentTS   time.Time
	done        chan protocol.RES
}

// txTable is the gateway's single-lock transaction table. The HTTP
// handlers and the broker read loop run as separate goroutines, so
// every access goes through the mutex.
type txTable struct {
	mu sync.Mutex
	m  map[string]*txEntry
}

func newTxTable() *txTable {
	return &txTable{m: make(map[string]*txEntry)}
}

func (t *txTable) put(id string, e *txEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[id] = e
}

func (t *txTable) get(id string) (*txEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[id]
	return e, ok
}

func (t *txTable) delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, id)
}

// take removes and returns the entry for id in one critical section, so
// the broker read loop and the janitor cannot both deliver a final RES
// for the same transaction.
func (t *txTable) take(id string) (*txEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[id]
	if ok {
		delete(t.m, id)
	}
	return e, ok
}

// takeStale removes and returns every entry older than maxAge, for the
// janitor.
func (t *txTable) takeStale(maxAge time.Duration, now time.Time) map[string]*txEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stale map[string]*txEntry
	for id, e := range t.m {
		if now.Sub(e.startTS) > maxAge {
			if stale == nil {
				stale = make(map[string]*txEntry)
			}
			stale[id] = e
			delete(t.m, id)
		}
	}
	return stale
}
