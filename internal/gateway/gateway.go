// Package gateway implements the faculty gateway: the bridge between a
// faculty's program-facing request/reply surface and the currently-live
// allocation broker, tracking outstanding transactions and recording
// per-hop roundtrip metrics.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"campusbroker/internal/datastore"
	"campusbroker/internal/protocol"
)

// StaleAfter is how long a transaction may sit without a final RES
// before the janitor garbage-collects it.
const StaleAfter = 30 * time.Second

// janitorInterval is how often the janitor sweeps for stale contexts;
// well under StaleAfter so no context lives much past its deadline.
const janitorInterval = 5 * time.Second

// Gateway is the canonical (asynchronous, transaction-tabled) faculty
// gateway: one HTTP endpoint serving program requests, one broker Link
// shared across all in-flight transactions.
type Gateway struct {
	FacultyID   int64
	FacultyName string
	Semester    string

	Store datastore.Store
	Link  *Link
	Log   *log.Logger

	programs *programMapper
	txs      *txTable
}

// NewGateway wires a Gateway around store and link, and installs the
// Gateway's onFrame as link's frame handler. Start link.Run only after
// NewGateway returns, so PROP/RES frames are dispatched correctly from
// the very first read.
func NewGateway(facultyID int64, facultyName, semester string, store datastore.Store, link *Link, logger *log.Logger) *Gateway {
	g := &Gateway{
		FacultyID:   facultyID,
		FacultyName: facultyName,
		Semester:    semester,
		Store:       store,
		Link:        link,
		Log:         logger,
		programs:    newProgramMapper(),
		txs:         newTxTable(),
	}
	link.onFrame = g.onFrame
	return g
}

// Handler returns the program-facing HTTP surface: one routed POST
// endpoint.
func (g *Gateway) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/request", g.handleRequest).Methods(http.MethodPost)
	return r
}

// Run starts the janitor; it blocks until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepStale()
		}
	}
}

func (g *Gateway) handleRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req protocol.ProgramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "decode request: "+err.Error(), http.StatusBadRequest)
		return
	}

	programID := g.programs.idFor(req.Programa)
	if err := g.Store.EnsureProgram(ctx, programID, g.FacultyID, req.Programa, g.Semester); err != nil {
		g.logf("ensure program %q: %v", req.Programa, err)
	}

	txID := newTransactionID()

	if !g.Link.Connected() {
		g.reply(w, protocol.RES{Tipo: protocol.TipoRES, Status: protocol.StatusErrNoServer, TransactionID: txID, Reason: "no active server"})
		g.recordProcessing(ctx, req.Programa, start)
		return
	}

	entry := &txEntry{programName: req.Programa, startTS: start, done: make(chan protocol.RES, 1)}
	g.txs.put(txID, entry)

	sol := protocol.SOL{
		Tipo:          protocol.TipoSOL,
		TransactionID: txID,
		Programa:      req.Programa,
		Salones:       req.Salones,
		Laboratorios:  req.Laboratorios,
		FacultyID:     g.FacultyID,
		ProgramID:     programID,
		Facultad:      g.FacultyName,
		Semester:      g.Semester,
	}
	if err := g.Link.Send(sol); err != nil {
		g.txs.delete(txID)
		g.reply(w, protocol.RES{Tipo: protocol.TipoRES, Status: protocol.StatusErrSendFailed, TransactionID: txID, Reason: err.Error()})
		g.recordProcessing(ctx, req.Programa, start)
		return
	}
	entry.solSentTS = time.Now()

	select {
	case res := <-entry.done:
		g.reply(w, res)
	case <-ctx.Done():
		g.txs.delete(txID)
	}
}

// onFrame dispatches a frame read from the broker Link: PROPs are ACKed
// immediately, RESes complete the blocked program request.
func (g *Gateway) onFrame(raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.logf("decode envelope: %v", err)
		return
	}
	switch env.Tipo {
	case protocol.TipoPROP:
		var prop protocol.PROP
		if err := json.Unmarshal(raw, &prop); err != nil {
			g.logf("decode PROP: %v", err)
			return
		}
		g.onPROP(prop)
	case protocol.TipoRES:
		var res protocol.RES
		if err := json.Unmarshal(raw, &res); err != nil {
			g.logf("decode RES: %v", err)
			return
		}
		g.onRES(res)
	default:
		g.logf("unexpected message type %q from broker", env.Tipo)
	}
}

func (g *Gateway) onPROP(prop protocol.PROP) {
	entry, ok := g.txs.get(prop.TransactionID)
	if !ok {
		g.logf("PROP for unknown tx %s", prop.TransactionID)
		return
	}

	if !entry.solSentTS.IsZero() {
		roundtripMs := float64(time.Since(entry.solSentTS).Microseconds()) / 1000
		g.recordMetric("sol_prop_roundtrip", roundtripMs, g.FacultyName, "SERVER")
	}

	ack := protocol.ACK{Tipo: protocol.TipoACK, TransactionID: prop.TransactionID, Confirm: protocol.ConfirmAccept}
	if err := g.Link.Send(ack); err != nil {
		g.logf("send ACK %s: %v", prop.TransactionID, err)
		return
	}
	entry.ackSentTS = time.Now()
}

func (g *Gateway) onRES(res protocol.RES) {
	entry, ok := g.txs.take(res.TransactionID)
	if !ok {
		g.logf("RES for unknown tx %s", res.TransactionID)
		return
	}

	if !entry.ackSentTS.IsZero() {
		roundtripMs := float64(time.Since(entry.ackSentTS).Microseconds()) / 1000
		g.recordMetric("ack_res_roundtrip", roundtripMs, g.FacultyName, "SERVER")
	}
	g.recordProcessing(context.Background(), entry.programName, entry.startTS)

	select {
	case entry.done <- res:
	default:
		// the HTTP handler already gave up (client disconnected); drop.
	}
}

// sweepStale garbage-collects transactions whose RES never arrived. A
// handler still blocked on a swept entry's done channel is unblocked
// with a synthetic timeout RES rather than left hanging.
func (g *Gateway) sweepStale() {
	for id, entry := range g.txs.takeStale(StaleAfter, time.Now()) {
		g.logf("gc stale tx %s (programa=%s)", id, entry.programName)
		select {
		case entry.done <- protocol.RES{Tipo: protocol.TipoRES, Status: protocol.StatusErrTimeout, TransactionID: id, Reason: "broker silent past gc window"}:
		default:
		}
	}
}

func (g *Gateway) reply(w http.ResponseWriter, res protocol.RES) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (g *Gateway) recordProcessing(ctx context.Context, programa string, start time.Time) {
	g.recordMetricCtx(ctx, "faculty_processing_total_ms", float64(time.Since(start).Microseconds())/1000, g.FacultyName, programa)
}

func (g *Gateway) recordMetric(kind string, value float64, src, dst string) {
	g.recordMetricCtx(context.Background(), kind, value, src, dst)
}

func (g *Gateway) recordMetricCtx(ctx context.Context, kind string, value float64, src, dst string) {
	if err := g.Store.RecordMetric(ctx, kind, value, src, dst); err != nil {
		g.logf("record metric %s: %v", kind, err)
	}
}

func (g *Gateway) logf(format string, args ...interface{}) {
	if g.Log != nil {
		g.Log.Printf(format, args...)
	}
}
