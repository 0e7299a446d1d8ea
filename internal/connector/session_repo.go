package connector

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// EventKind mirrors recorder.EventKind so callers can persist the same
// event trail to Postgres that the recorder writes to the record file,
// without connector importing recorder (kept as independent sinks of the
// same endpoint events per spec §6).
type EventKind string

const (
	EventJoinRoom     EventKind = "join_room"
	EventLeaveRoom    EventKind = "leave_room"
	EventTrackStarted EventKind = "track_started"
	EventTrackStopped EventKind = "track_stopped"
	EventTrackMedia   EventKind = "track_media"
	EventDisconnected EventKind = "disconnected"
)

// SessionLog is the header row for one endpoint session.
type SessionLog struct {
	ID        int64
	Room      string
	Peer      string
	Session   uint64
	StartedAt time.Time
	EndedAt   *time.Time
}

// SessionEvent is one row of the session's event trail.
type SessionEvent struct {
	SessionLogID int64
	TsMs         int64
	Kind         EventKind
	Track        string
}

// SessionRepository persists session logs and their event trails.
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// StartSession inserts a new session_logs row and returns its assigned ID.
func (r *SessionRepository) StartSession(ctx context.Context, room, peer string, session uint64, startedAt time.Time) (int64, error) {
	query := `
		INSERT INTO session_logs (room, peer, session, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	var id int64
	err := r.db.Pool.QueryRow(ctx, query, room, peer, session, startedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// EndSession marks a session_logs row ended.
func (r *SessionRepository) EndSession(ctx context.Context, sessionLogID int64, endedAt time.Time) error {
	query := `UPDATE session_logs SET ended_at = $2 WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, sessionLogID, endedAt)
	return err
}

// AppendEvent inserts one event row for a session.
func (r *SessionRepository) AppendEvent(ctx context.Context, e SessionEvent) error {
	query := `
		INSERT INTO session_events (session_log_id, ts_ms, kind, track)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.Pool.Exec(ctx, query, e.SessionLogID, e.TsMs, e.Kind, e.Track)
	return err
}

// GetSession retrieves a session_logs row by ID.
func (r *SessionRepository) GetSession(ctx context.Context, sessionLogID int64) (*SessionLog, error) {
	query := `
		SELECT id, room, peer, session, started_at, ended_at
		FROM session_logs
		WHERE id = $1
	`
	var log SessionLog
	var endedAt sql.NullTime

	err := r.db.Pool.QueryRow(ctx, query, sessionLogID).Scan(
		&log.ID, &log.Room, &log.Peer, &log.Session, &log.StartedAt, &endedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if endedAt.Valid {
		log.EndedAt = &endedAt.Time
	}
	return &log, nil
}

// ListEvents returns every event row for a session, ordered by ts_ms.
func (r *SessionRepository) ListEvents(ctx context.Context, sessionLogID int64) ([]SessionEvent, error) {
	query := `
		SELECT session_log_id, ts_ms, kind, track
		FROM session_events
		WHERE session_log_id = $1
		ORDER BY ts_ms ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, sessionLogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		if err := rows.Scan(&e.SessionLogID, &e.TsMs, &e.Kind, &e.Track); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ActiveSessionForPeer finds the most recent not-yet-ended session log for
// a room/peer pair, or nil if none is active.
func (r *SessionRepository) ActiveSessionForPeer(ctx context.Context, room, peer string) (*SessionLog, error) {
	query := `
		SELECT id, room, peer, session, started_at, ended_at
		FROM session_logs
		WHERE room = $1 AND peer = $2 AND ended_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1
	`
	var log SessionLog
	var endedAt sql.NullTime

	err := r.db.Pool.QueryRow(ctx, query, room, peer).Scan(
		&log.ID, &log.Room, &log.Peer, &log.Session, &log.StartedAt, &endedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if endedAt.Valid {
		log.EndedAt = &endedAt.Time
	}
	return &log, nil
}
