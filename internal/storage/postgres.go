package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MaxConnIdleTime = 30 * time.Minute
	config.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() {
	db.pool.Close()
}

func (db *PostgresDB) CreateRoom(ctx context.Context, room *Room) error {
	query := `
		INSERT INTO rooms (id, participant_a, participant_b)
		VALUES ($1, $2, $3)
		RETURNING created_at`

	return db.pool.QueryRow(ctx, query, room.ID, room.ParticipantA, room.ParticipantB).
		Scan(&room.CreatedAt)
}

// EndRoom marks the room ended. The ended_at IS NULL condition makes the
// update first-writer-wins: the second disconnecting side affects zero rows
// and gets false back, which callers treat as a no-op.
func (db *PostgresDB) EndRoom(ctx context.Context, roomID uuid.UUID) (bool, error) {
	query := `
		UPDATE rooms SET ended_at = now()
		WHERE id = $1 AND ended_at IS NULL`

	tag, err := db.pool.Exec(ctx, query, roomID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (db *PostgresDB) GetRoom(ctx context.Context, roomID uuid.UUID) (*Room, error) {
	room := &Room{}
	query := `
		SELECT id, participant_a, participant_b, created_at, ended_at
		FROM rooms WHERE id = $1`

	err := db.pool.QueryRow(ctx, query, roomID).Scan(
		&room.ID, &room.ParticipantA, &room.ParticipantB,
		&room.CreatedAt, &room.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	return room, nil
}

// OpenRoomForGuest is the polling fallback of the notification fan-out: a
// searching participant looks for an open room where it is the claimed
// (non-initiating) side. Returns nil when no such room exists.
func (db *PostgresDB) OpenRoomForGuest(ctx context.Context, participantID string) (*Room, error) {
	room := &Room{}
	query := `
		SELECT id, participant_a, participant_b, created_at, ended_at
		FROM rooms
		WHERE participant_b = $1 AND ended_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`

	err := db.pool.QueryRow(ctx, query, participantID).Scan(
		&room.ID, &room.ParticipantA, &room.ParticipantB,
		&room.CreatedAt, &room.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (db *PostgresDB) CreateReport(ctx context.Context, report *Report) error {
	query := `
		INSERT INTO reports (id, reporter_id, target_id, room_id, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	return db.pool.QueryRow(ctx, query,
		report.ID, report.ReporterID, report.TargetID, report.RoomID,
		report.Reason, report.Status).
		Scan(&report.CreatedAt)
}
