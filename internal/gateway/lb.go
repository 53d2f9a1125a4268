package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"campusbroker/internal/config"
	"campusbroker/internal/datastore"
	"campusbroker/internal/heartbeat"
	"campusbroker/internal/protocol"
)

// LoadBalanced is the gateway variant that uses a fresh connection per
// transaction instead of a shared Link and transaction table. Each HTTP
// request dials the broker, runs the whole SOL->PROP->ACK->RES round
// trip inline, and closes the connection; mu serializes round trips so
// at most one is on the wire at a time.
type LoadBalanced struct {
	FacultyID   int64
	FacultyName string
	Semester    string

	Store     datastore.Store
	Endpoints []string
	Log       *log.Logger

	observers []*heartbeat.Observer
	programs  *programMapper
	mu        sync.Mutex
}

// NewLoadBalanced builds a LoadBalanced gateway over addrs (primary
// first, backup second), observing each one's heartbeat bus exactly as
// Link does.
func NewLoadBalanced(facultyID int64, facultyName, semester string, store datastore.Store, addrs []string, logger *log.Logger) (*LoadBalanced, error) {
	g := &LoadBalanced{
		FacultyID: facultyID, FacultyName: facultyName, Semester: semester,
		Store: store, Endpoints: addrs, Log: logger,
		programs: newProgramMapper(),
	}
	for _, addr := range addrs {
		hbAddr, err := config.DerivedHBAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("gateway: lb endpoint %q: %w", addr, err)
		}
		g.observers = append(g.observers, heartbeat.NewObserver("ws://"+hbAddr+"/hb"))
	}
	return g, nil
}

// Run starts every endpoint's heartbeat observer until ctx is done.
func (g *LoadBalanced) Run(ctx context.Context) {
	for _, obs := range g.observers {
		go obs.Run(ctx)
	}
	<-ctx.Done()
}

// Handler returns the program-facing HTTP surface, same shape as the
// canonical Gateway's.
func (g *LoadBalanced) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/request", g.handle).Methods(http.MethodPost)
	return r
}

func (g *LoadBalanced) liveEndpoint() string {
	for i, obs := range g.observers {
		if obs.Alive() {
			return g.Endpoints[i]
		}
	}
	return ""
}

func (g *LoadBalanced) handle(w http.ResponseWriter, r *http.Request) {
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

	g.mu.Lock()
	res := g.roundTrip(txID, req, programID)
	g.mu.Unlock()

	if err := g.Store.RecordMetric(ctx, "faculty_processing_total_ms", float64(time.Since(start).Microseconds())/1000, g.FacultyName, req.Programa); err != nil {
		g.logf("record metric: %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// roundTrip dials, sends SOL, waits for PROP, ACKs, waits for RES, all
// on one fresh connection, and returns whatever RES resulted (including
// synthetic error RESes on transport failure).
func (g *LoadBalanced) roundTrip(txID string, req protocol.ProgramRequest, programID int64) protocol.RES {
	addr := g.liveEndpoint()
	if addr == "" {
		return errRES(txID, protocol.StatusErrNoServer, "no active server")
	}

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return errRES(txID, protocol.StatusErrSendFailed, err.Error())
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

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
	if err := protocol.WriteFrame(conn, sol); err != nil {
		return errRES(txID, protocol.StatusErrSendFailed, err.Error())
	}

	raw, err := protocol.ReadFrame(reader)
	if err != nil {
		return errRES(txID, protocol.StatusErrTimeout, err.Error())
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errRES(txID, protocol.StatusErrDecode, err.Error())
	}

	switch env.Tipo {
	case protocol.TipoRES:
		// a shortage DENIED arrives as a RES directly, with no PROP.
		var res protocol.RES
		if err := json.Unmarshal(raw, &res); err != nil {
			return errRES(txID, protocol.StatusErrDecode, err.Error())
		}
		return res
	case protocol.TipoPROP:
		// fall through to ACK below
	default:
		return errRES(txID, protocol.StatusErrUnexpectedRes, fmt.Sprintf("unexpected %q before ACK", env.Tipo))
	}

	ack := protocol.ACK{Tipo: protocol.TipoACK, TransactionID: txID, Confirm: protocol.ConfirmAccept}
	if err := protocol.WriteFrame(conn, ack); err != nil {
		return errRES(txID, protocol.StatusErrSendFailed, err.Error())
	}

	raw, err = protocol.ReadFrame(reader)
	if err != nil {
		return errRES(txID, protocol.StatusErrTimeout, err.Error())
	}
	var res protocol.RES
	if err := json.Unmarshal(raw, &res); err != nil {
		return errRES(txID, protocol.StatusErrDecode, err.Error())
	}
	if res.Tipo != protocol.TipoRES {
		return errRES(txID, protocol.StatusErrUnexpectedRes, fmt.Sprintf("unexpected %q after ACK", res.Tipo))
	}
	return res
}

func errRES(txID, status, reason string) protocol.RES {
	return protocol.RES{Tipo: protocol.TipoRES, Status: status, TransactionID: txID, Reason: reason}
}

func (g *LoadBalanced) logf(format string, args ...interface{}) {
	if g.Log != nil {
		g.Log.Printf(format, args...)
	}
}
