// Package datastore owns the shared inventory of rooms, reservations,
// faculties, programs, server heartbeats, and metrics. A single Store
// interface is implemented twice: PostgresStore for production and
// MemoryStore for tests that need the allocation invariants exercised
// without a live database.
package datastore

import (
	"context"
	"errors"
)

// Room types and statuses.
const (
	RoomClass = "CLASS"
	RoomLab   = "LAB"

	StatusFree = "FREE"
	StatusBusy = "BUSY"
)

// Reservation lifecycle states.
const (
	ReservationPending   = "PENDING"
	ReservationConfirmed = "CONFIRMED"
	ReservationFailed    = "FAILED"
)

// Server roles, as recorded in the server table.
const (
	RolePrimary = "PRIMARY"
	RoleBackup  = "BACKUP"
)

// Inventory and semester defaults.
const (
	InitialClassrooms = 380
	InitialLabs       = 60
	DefaultSemester   = "2025-2"
)

// ErrShortageClass is returned when AllocateRooms cannot find nClass free,
// unadapted CLASS rooms.
var ErrShortageClass = errors.New("datastore: not enough free classrooms")

// ErrShortageLab is returned when AllocateRooms cannot cover the lab
// shortfall even after adapting additional free classrooms.
var ErrShortageLab = errors.New("datastore: not enough rooms to cover lab demand")

// Room is a single row of the room table.
type Room struct {
	ID       int64
	Type     string
	Adapted  bool
	Status   string
	Semester string
}

// Metric is an append-only observation row.
type Metric struct {
	ID    int64
	Kind  string
	Value float64
	TS    int64
	Src   string
	Dst   string
}

// Store is the single-writer persistence contract shared by the broker
// replicas and the gateways. Every method that spans more than one
// logical mutation (AllocateRooms, FailReservation) is atomic: it either
// applies in full or leaves no trace.
type Store interface {
	// SeedInventory inserts InitialClassrooms CLASS rooms and InitialLabs
	// LAB rooms, all FREE/adapted=0, for semester, but only if the room
	// table is currently empty.
	SeedInventory(ctx context.Context, semester string) error

	// FreeCounts reports the number of FREE, unadapted CLASS rooms and
	// the number of FREE LAB rooms (adapted CLASS rooms serving as labs
	// are BUSY by definition and excluded from both counts).
	FreeCounts(ctx context.Context) (classFree, labFree int, err error)

	// AllocateRooms reserves nClass CLASS rooms (adapting further free
	// CLASS rooms into labs if nLab free LAB rooms cannot be found) and
	// returns the new reservation id. Returns ErrShortageClass or
	// ErrShortageLab on failure; no rooms are left BUSY in that case.
	AllocateRooms(ctx context.Context, nClass, nLab int, facultyID, programID int64) (reservationID int64, err error)

	// ConfirmReservation marks a PENDING reservation CONFIRMED.
	ConfirmReservation(ctx context.Context, reservationID int64) error

	// FailReservation releases every room linked to reservationID back to
	// FREE (resetting adapted to false) and marks the reservation FAILED.
	FailReservation(ctx context.Context, reservationID int64) error

	// EnsureFaculty upserts a faculty row; a no-op if id already exists.
	EnsureFaculty(ctx context.Context, id int64, name, semester string) error

	// EnsureProgram upserts a program row; a no-op if id already exists.
	EnsureProgram(ctx context.Context, id, facultyID int64, name, semester string) error

	// RecordMetric appends a metric row with the current timestamp.
	RecordMetric(ctx context.Context, kind string, value float64, src, dst string) error

	// RegisterServerRole upserts the calling replica's current role and
	// heartbeat timestamp.
	RegisterServerRole(ctx context.Context, host, role string) error

	// Close releases any underlying resources (connections, etc).
	Close() error
}
