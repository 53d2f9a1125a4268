package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"campusbroker/internal/datastore"
	"campusbroker/internal/protocol"
)

// DefaultAckTimeout bounds how long a PROP may sit without a matching
// ACK before the monitor cancels it.
const DefaultAckTimeout = 5 * time.Second

func (c *Core) dispatch(ctx context.Context, frame inboundFrame) {
	var env protocol.Envelope
	if err := json.Unmarshal(frame.payload, &env); err != nil {
		c.logf("decode envelope: %v", err)
		return
	}

	switch env.Tipo {
	case protocol.TipoSOL:
		var sol protocol.SOL
		if err := json.Unmarshal(frame.payload, &sol); err != nil {
			c.logf("decode SOL: %v", err)
			return
		}
		c.handleSOL(ctx, frame.client, sol)

	case protocol.TipoACK:
		var ack protocol.ACK
		if err := json.Unmarshal(frame.payload, &ack); err != nil {
			c.logf("decode ACK: %v", err)
			return
		}
		c.handleACK(ctx, ack)

	default:
		c.logf("unexpected message type %q", env.Tipo)
	}
}

func (c *Core) handleSOL(ctx context.Context, client *clientConn, sol protocol.SOL) {
	if err := c.Store.EnsureFaculty(ctx, sol.FacultyID, sol.Facultad, sol.Semester); err != nil {
		c.logf("ensure faculty %d: %v", sol.FacultyID, err)
		return
	}
	if err := c.Store.EnsureProgram(ctx, sol.ProgramID, sol.FacultyID, sol.Programa, sol.Semester); err != nil {
		c.logf("ensure program %d: %v", sol.ProgramID, err)
		return
	}

	classFree, labFree, err := c.Store.FreeCounts(ctx)
	if err != nil {
		c.logf("free counts: %v", err)
		return
	}

	proposal := computeProposal(sol.Salones, sol.Laboratorios, classFree, labFree)

	// A request the clamped proposal cannot cover at all would otherwise
	// allocate an empty reservation and come back ACCEPTED; deny it
	// instead of proposing zero rooms.
	requested := sol.Salones + sol.Laboratorios
	proposed := proposal.SalonesPropuestos + proposal.LaboratoriosPropuestos + proposal.AulasMoviles
	if requested > 0 && proposed == 0 {
		c.sendRES(client, protocol.RES{
			Tipo:          protocol.TipoRES,
			Status:        protocol.StatusDenied,
			TransactionID: sol.TransactionID,
			Reason:        "no hay aulas disponibles",
		})
		return
	}

	// FreeCounts and AllocateRooms are separate store calls, so a
	// concurrent worker can still drain the inventory in between; the
	// shortage errors cover that window.
	reservationID, err := c.Store.AllocateRooms(ctx,
		proposal.SalonesPropuestos+proposal.AulasMoviles,
		proposal.LaboratoriosPropuestos,
		sol.FacultyID, sol.ProgramID)
	if err != nil {
		reason := "no hay suficientes aulas libres"
		if errors.Is(err, datastore.ErrShortageLab) {
			reason = "no hay aulas para cubrir los laboratorios"
		}
		c.sendRES(client, protocol.RES{
			Tipo:          protocol.TipoRES,
			Status:        protocol.StatusDenied,
			TransactionID: sol.TransactionID,
			Reason:        reason,
		})
		return
	}

	if err := c.Store.RecordMetric(ctx, "sol->prop", 1, sol.Facultad, "SERVER"); err != nil {
		c.logf("record metric sol->prop: %v", err)
	}

	ackTimeout := c.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	c.txs.put(sol.TransactionID, &transaction{
		client:        client,
		reservationID: reservationID,
		proposal:      proposal,
		facultyName:   sol.Facultad,
		deadline:      time.Now().Add(ackTimeout),
	})

	client.send(protocol.PROP{
		Tipo:          protocol.TipoPROP,
		TransactionID: sol.TransactionID,
		Data:          proposal,
	})
}

// computeProposal clamps the request to the free inventory and covers
// any lab shortfall with mobile classrooms, as far as spare free
// classrooms allow.
func computeProposal(requestedClass, requestedLab, classFree, labFree int) protocol.Proposal {
	salonesPropuestos := min(requestedClass, classFree)
	laboratoriosPropuestos := min(requestedLab, labFree)
	deficit := requestedLab - laboratoriosPropuestos
	aulasMoviles := min(deficit, max(0, classFree-salonesPropuestos))
	return protocol.Proposal{
		SalonesPropuestos:      salonesPropuestos,
		LaboratoriosPropuestos: laboratoriosPropuestos,
		AulasMoviles:           aulasMoviles,
	}
}

func (c *Core) handleACK(ctx context.Context, ack protocol.ACK) {
	tx, ok := c.txs.take(ack.TransactionID)
	if !ok {
		return // already resolved by the monitor, or a stray duplicate
	}

	var res protocol.RES
	if ack.Confirm == protocol.ConfirmAccept {
		if err := c.Store.ConfirmReservation(ctx, tx.reservationID); err != nil {
			c.logf("confirm reservation %d: %v", tx.reservationID, err)
			return
		}
		res = protocol.ResFromProposal(ack.TransactionID, tx.proposal)
	} else {
		if err := c.Store.FailReservation(ctx, tx.reservationID); err != nil {
			c.logf("fail reservation %d: %v", tx.reservationID, err)
			return
		}
		res = protocol.RES{
			Tipo:          protocol.TipoRES,
			Status:        protocol.StatusCanceled,
			TransactionID: ack.TransactionID,
			Reason:        ack.Reason,
		}
	}

	if err := c.Store.RecordMetric(ctx, "prop->res", 1, "SERVER", tx.facultyName); err != nil {
		c.logf("record metric prop->res: %v", err)
	}

	c.sendRES(tx.client, res)
}

func (c *Core) sendRES(client *clientConn, res protocol.RES) {
	if err := client.send(res); err != nil {
		c.logf("send RES %s: %v", res.TransactionID, err)
	}
}
