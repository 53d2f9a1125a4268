package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"campusbroker/internal/datastore"
	"campusbroker/internal/protocol"
)

// testClient is a minimal gateway stand-in: it dials the broker and
// exposes framed send/receive so tests can drive the SOL/ACK handshake
// without going through internal/gateway.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialTest(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (tc *testClient) send(v interface{}) {
	tc.t.Helper()
	require.NoError(tc.t, protocol.WriteFrame(tc.conn, v))
}

func (tc *testClient) recvEnvelope(t *testing.T) (protocol.Envelope, []byte) {
	t.Helper()
	raw, err := protocol.ReadFrame(tc.reader)
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env, raw
}

func startCore(t *testing.T, store datastore.Store) (*Core, string) {
	t.Helper()
	c := NewCore("127.0.0.1:0", store, nil)
	c.AckTimeout = 300 * time.Millisecond
	c.PollInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, c.Activate(ctx))
	t.Cleanup(c.Deactivate)

	// Activate calls net.Listen synchronously (only the accept loop runs
	// in the background), so the address is already known by the time it
	// returns.
	addr := c.addrString(t)
	return c, addr
}

func (c *Core) addrString(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotNil(t, c.ln)
	return c.ln.Addr().String()
}

func freshStore(t *testing.T) *datastore.MemoryStore {
	t.Helper()
	store := datastore.NewMemoryStore()
	require.NoError(t, store.SeedInventory(context.Background(), "2025-2"))
	return store
}

func TestRoundTripAcceptedAllocation(t *testing.T) {
	store := freshStore(t)
	_, addr := startCore(t, store)

	tc := dialTest(t, addr)
	defer tc.conn.Close()

	sol := protocol.SOL{
		Tipo: protocol.TipoSOL, TransactionID: "aaaa1111",
		Programa: "IngSw", Salones: 3, Laboratorios: 1,
		FacultyID: 1, ProgramID: 1, Facultad: "Ingenieria", Semester: "2025-2",
	}
	tc.send(sol)

	env, raw := tc.recvEnvelope(t)
	require.Equal(t, protocol.TipoPROP, env.Tipo)
	var prop protocol.PROP
	require.NoError(t, json.Unmarshal(raw, &prop))
	require.Equal(t, protocol.Proposal{SalonesPropuestos: 3, LaboratoriosPropuestos: 1, AulasMoviles: 0}, prop.Data)

	tc.send(protocol.ACK{Tipo: protocol.TipoACK, TransactionID: "aaaa1111", Confirm: protocol.ConfirmAccept})

	env, raw = tc.recvEnvelope(t)
	require.Equal(t, protocol.TipoRES, env.Tipo)
	var res protocol.RES
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Equal(t, protocol.StatusAccepted, res.Status)
	require.Equal(t, 3, *res.SalonesPropuestos)
	require.Equal(t, 1, *res.LaboratoriosPropuestos)
}

func TestAckRejectReleasesRooms(t *testing.T) {
	store := freshStore(t)
	_, addr := startCore(t, store)

	tc := dialTest(t, addr)
	defer tc.conn.Close()

	tc.send(protocol.SOL{
		Tipo: protocol.TipoSOL, TransactionID: "bbbb2222",
		Programa: "Medicina", Salones: 2, Laboratorios: 0,
		FacultyID: 2, ProgramID: 1, Facultad: "Salud", Semester: "2025-2",
	})
	env, _ := tc.recvEnvelope(t)
	require.Equal(t, protocol.TipoPROP, env.Tipo)

	tc.send(protocol.ACK{Tipo: protocol.TipoACK, TransactionID: "bbbb2222", Confirm: protocol.ConfirmReject, Reason: "program withdrew"})

	env, raw := tc.recvEnvelope(t)
	require.Equal(t, protocol.TipoRES, env.Tipo)
	var res protocol.RES
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Equal(t, protocol.StatusCanceled, res.Status)

	classFree, _, err := store.FreeCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, datastore.InitialClassrooms, classFree)
}

func TestLabSubstitutionWhenLabsDepleted(t *testing.T) {
	store := freshStore(t)
	// deplete all 60 labs directly through the store, as another
	// reservation would have.
	_, err := store.AllocateRooms(context.Background(), 0, datastore.InitialLabs, 99, 99)
	require.NoError(t, err)

	_, addr := startCore(t, store)
	tc := dialTest(t, addr)
	defer tc.conn.Close()

	tc.send(protocol.SOL{
		Tipo: protocol.TipoSOL, TransactionID: "cccc3333",
		Programa: "Civil", Salones: 2, Laboratorios: 2,
		FacultyID: 3, ProgramID: 1, Facultad: "Ingenieria", Semester: "2025-2",
	})

	env, raw := tc.recvEnvelope(t)
	require.Equal(t, protocol.TipoPROP, env.Tipo)
	var prop protocol.PROP
	require.NoError(t, json.Unmarshal(raw, &prop))
	require.Equal(t, protocol.Proposal{SalonesPropuestos: 2, LaboratoriosPropuestos: 0, AulasMoviles: 2}, prop.Data)
}

func TestAckTimeoutCancelsReservation(t *testing.T) {
	store := freshStore(t)
	_, addr := startCore(t, store)

	tc := dialTest(t, addr)
	defer tc.conn.Close()

	tc.send(protocol.SOL{
		Tipo: protocol.TipoSOL, TransactionID: "dddd4444",
		Programa: "Arte", Salones: 1, Laboratorios: 0,
		FacultyID: 4, ProgramID: 1, Facultad: "Artes", Semester: "2025-2",
	})
	env, _ := tc.recvEnvelope(t)
	require.Equal(t, protocol.TipoPROP, env.Tipo)

	// never ACK: wait past AckTimeout + one poll cycle for the monitor
	// to fire the cancellation.
	env, raw := tc.recvEnvelope(t)
	require.Equal(t, protocol.TipoRES, env.Tipo)
	var res protocol.RES
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Equal(t, protocol.StatusCanceled, res.Status)
	require.Equal(t, "timeout", res.Reason)

	classFree, _, err := store.FreeCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, datastore.InitialClassrooms, classFree)
}

func TestDeniedOnFullExhaustion(t *testing.T) {
	store := freshStore(t)
	_, err := store.AllocateRooms(context.Background(), datastore.InitialClassrooms, datastore.InitialLabs, 99, 99)
	require.NoError(t, err)

	_, addr := startCore(t, store)
	tc := dialTest(t, addr)
	defer tc.conn.Close()

	tc.send(protocol.SOL{
		Tipo: protocol.TipoSOL, TransactionID: "eeee5555",
		Programa: "Derecho", Salones: 1, Laboratorios: 0,
		FacultyID: 5, ProgramID: 1, Facultad: "Derecho", Semester: "2025-2",
	})

	env, raw := tc.recvEnvelope(t)
	require.Equal(t, protocol.TipoRES, env.Tipo)
	var res protocol.RES
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Equal(t, protocol.StatusDenied, res.Status)
	require.Contains(t, res.Reason, "aulas")

	// nothing was reserved for the denied request
	require.Equal(t, datastore.InitialClassrooms+datastore.InitialLabs, store.BusyCount())
}

func TestComputeProposalClampsAndSubstitutes(t *testing.T) {
	p := computeProposal(3, 1, 380, 60)
	require.Equal(t, protocol.Proposal{SalonesPropuestos: 3, LaboratoriosPropuestos: 1, AulasMoviles: 0}, p)

	p = computeProposal(2, 2, 380, 0)
	require.Equal(t, protocol.Proposal{SalonesPropuestos: 2, LaboratoriosPropuestos: 0, AulasMoviles: 2}, p)
}
