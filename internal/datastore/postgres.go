package datastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore is the production Store. All multi-statement mutations
// run inside a single *sql.Tx so they commit or roll back as a unit.
type PostgresStore struct {
	db *sql.DB
}

// Config holds the connection parameters for OpenPostgres.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders the libpq connection string.
func (c Config) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslmode)
}

// OpenPostgres connects, pings, and ensures the schema exists.
func OpenPostgres(ctx context.Context, cfg Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("datastore: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("datastore: ping postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS room (
	id SERIAL PRIMARY KEY,
	type VARCHAR(8) NOT NULL,
	adapted BOOLEAN NOT NULL DEFAULT FALSE,
	status VARCHAR(8) NOT NULL DEFAULT 'FREE',
	semester VARCHAR(16) NOT NULL
);

CREATE TABLE IF NOT EXISTS faculty (
	id BIGINT PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	semester VARCHAR(16) NOT NULL
);

CREATE TABLE IF NOT EXISTS program (
	id BIGINT PRIMARY KEY,
	faculty_id BIGINT NOT NULL REFERENCES faculty(id),
	name VARCHAR(255) NOT NULL,
	semester VARCHAR(16) NOT NULL
);

CREATE TABLE IF NOT EXISTS reservation (
	id SERIAL PRIMARY KEY,
	faculty_id BIGINT NOT NULL,
	program_id BIGINT NOT NULL,
	ts_req BIGINT NOT NULL,
	ts_ack BIGINT,
	status VARCHAR(16) NOT NULL
);

CREATE TABLE IF NOT EXISTS reservation_room (
	reservation_id INTEGER NOT NULL REFERENCES reservation(id),
	room_id INTEGER NOT NULL REFERENCES room(id),
	PRIMARY KEY (reservation_id, room_id)
);

CREATE TABLE IF NOT EXISTS server (
	host VARCHAR(255) PRIMARY KEY,
	role VARCHAR(8) NOT NULL,
	last_hb BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS metric (
	id SERIAL PRIMARY KEY,
	kind VARCHAR(64) NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	ts BIGINT NOT NULL,
	src VARCHAR(255),
	dst VARCHAR(255)
);
`

func (s *PostgresStore) createSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("datastore: create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) SeedInventory(ctx context.Context, semester string) error {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room").Scan(&count); err != nil {
		return fmt.Errorf("datastore: count rooms: %w", err)
	}
	if count > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("datastore: begin seed tx: %w", err)
	}
	defer tx.Rollback()

	for i := 0; i < InitialClassrooms; i++ {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO room(type, adapted, status, semester) VALUES ($1,false,$2,$3)",
			RoomClass, StatusFree, semester); err != nil {
			return fmt.Errorf("datastore: seed classroom: %w", err)
		}
	}
	for i := 0; i < InitialLabs; i++ {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO room(type, adapted, status, semester) VALUES ($1,false,$2,$3)",
			RoomLab, StatusFree, semester); err != nil {
			return fmt.Errorf("datastore: seed lab: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) FreeCounts(ctx context.Context) (int, int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT type, COUNT(*) FROM room WHERE status=$1 AND NOT (type=$2 AND adapted) GROUP BY type",
		StatusFree, RoomClass)
	if err != nil {
		return 0, 0, fmt.Errorf("datastore: free counts: %w", err)
	}
	defer rows.Close()

	var cls, lab int
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return 0, 0, err
		}
		switch t {
		case RoomClass:
			cls = n
		case RoomLab:
			lab = n
		}
	}
	return cls, lab, rows.Err()
}

func (s *PostgresStore) AllocateRooms(ctx context.Context, nClass, nLab int, facultyID, programID int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("datastore: begin allocate tx: %w", err)
	}
	defer tx.Rollback()

	classRows, err := selectFreeRoomIDs(ctx, tx, RoomClass, false, nClass)
	if err != nil {
		return 0, err
	}
	if len(classRows) < nClass {
		return 0, ErrShortageClass
	}

	labRows, err := selectFreeRoomIDs(ctx, tx, RoomLab, false, nLab)
	if err != nil {
		return 0, err
	}

	deficit := nLab - len(labRows)
	var adaptRows []int64
	if deficit > 0 {
		adaptRows, err = selectFreeRoomIDsExcluding(ctx, tx, RoomClass, classRows, deficit)
		if err != nil {
			return 0, err
		}
		if len(adaptRows) < deficit {
			return 0, ErrShortageLab
		}
		for _, id := range adaptRows {
			if _, err := tx.ExecContext(ctx, "UPDATE room SET adapted=true WHERE id=$1", id); err != nil {
				return 0, fmt.Errorf("datastore: adapt room %d: %w", id, err)
			}
		}
	}

	var resID int64
	if err := tx.QueryRowContext(ctx,
		"INSERT INTO reservation(faculty_id, program_id, ts_req, status) VALUES ($1,$2,extract(epoch from now())::bigint,$3) RETURNING id",
		facultyID, programID, ReservationPending).Scan(&resID); err != nil {
		return 0, fmt.Errorf("datastore: insert reservation: %w", err)
	}

	allRooms := append(append([]int64{}, classRows...), labRows...)
	allRooms = append(allRooms, adaptRows...)
	for _, id := range allRooms {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO reservation_room(reservation_id, room_id) VALUES ($1,$2)", resID, id); err != nil {
			return 0, fmt.Errorf("datastore: link room %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE room SET status=$1 WHERE id=$2", StatusBusy, id); err != nil {
			return 0, fmt.Errorf("datastore: mark room %d busy: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("datastore: commit allocate tx: %w", err)
	}
	return resID, nil
}

func selectFreeRoomIDs(ctx context.Context, tx *sql.Tx, roomType string, adapted bool, limit int) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM room WHERE type=$1 AND status=$2 AND adapted=$3 LIMIT $4",
		roomType, StatusFree, adapted, limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: select free rooms: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func selectFreeRoomIDsExcluding(ctx context.Context, tx *sql.Tx, roomType string, exclude []int64, limit int) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM room WHERE type=$1 AND status=$2 AND adapted=false AND NOT (id = ANY($3)) LIMIT $4",
		roomType, StatusFree, pq.Array(exclude), limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: select substitute rooms: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ConfirmReservation(ctx context.Context, reservationID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE reservation SET status=$1, ts_ack=extract(epoch from now())::bigint WHERE id=$2",
		ReservationConfirmed, reservationID)
	if err != nil {
		return fmt.Errorf("datastore: confirm reservation %d: %w", reservationID, err)
	}
	return nil
}

func (s *PostgresStore) FailReservation(ctx context.Context, reservationID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("datastore: begin fail tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT room_id FROM reservation_room WHERE reservation_id=$1", reservationID)
	if err != nil {
		return fmt.Errorf("datastore: select reservation rooms: %w", err)
	}
	var roomIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		roomIDs = append(roomIDs, id)
	}
	rows.Close()

	for _, id := range roomIDs {
		if _, err := tx.ExecContext(ctx,
			"UPDATE room SET status=$1, adapted=false WHERE id=$2", StatusFree, id); err != nil {
			return fmt.Errorf("datastore: free room %d: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE reservation SET status=$1, ts_ack=extract(epoch from now())::bigint WHERE id=$2",
		ReservationFailed, reservationID); err != nil {
		return fmt.Errorf("datastore: fail reservation %d: %w", reservationID, err)
	}

	return tx.Commit()
}

func (s *PostgresStore) EnsureFaculty(ctx context.Context, id int64, name, semester string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO faculty(id, name, semester) VALUES ($1,$2,$3) ON CONFLICT (id) DO NOTHING",
		id, name, semester)
	if err != nil {
		return fmt.Errorf("datastore: ensure faculty %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) EnsureProgram(ctx context.Context, id, facultyID int64, name, semester string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO program(id, faculty_id, name, semester) VALUES ($1,$2,$3,$4) ON CONFLICT (id) DO NOTHING",
		id, facultyID, name, semester)
	if err != nil {
		return fmt.Errorf("datastore: ensure program %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) RecordMetric(ctx context.Context, kind string, value float64, src, dst string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metric(kind, value, ts, src, dst) VALUES ($1,$2,extract(epoch from now())::bigint,$3,$4)",
		kind, value, src, dst)
	if err != nil {
		return fmt.Errorf("datastore: record metric %s: %w", kind, err)
	}
	return nil
}

func (s *PostgresStore) RegisterServerRole(ctx context.Context, host, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO server(host, role, last_hb) VALUES ($1,$2,extract(epoch from now())::bigint)
		 ON CONFLICT (host) DO UPDATE SET role=EXCLUDED.role, last_hb=EXCLUDED.last_hb`,
		host, role)
	if err != nil {
		return fmt.Errorf("datastore: register server role %s: %w", host, err)
	}
	return nil
}
