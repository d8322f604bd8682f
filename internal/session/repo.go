package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rollcall/internal/fault"
)

// Repository persists sessions and rounds in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertSessions writes a batch of sessions. The config snapshot is stored
// as JSON on the row.
func (r *Repository) InsertSessions(ctx context.Context, sessions []Session) error {
	for _, s := range sessions {
		cfg, err := json.Marshal(s.Config)
		if err != nil {
			return fmt.Errorf("marshal config for session %s: %w", s.ID, err)
		}
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO sessions (id, schedule_id, lecturer_id, start_time, end_time, status, config, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (id) DO NOTHING
		`, s.ID, s.ScheduleID, s.LecturerID, s.StartTime, s.EndTime, s.Status, cfg, s.CreatedAt, s.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert session %s: %w", s.ID, err)
		}
	}
	return nil
}

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	var cfg []byte
	err := row.Scan(&s.ID, &s.ScheduleID, &s.LecturerID, &s.StartTime, &s.EndTime, &s.Status, &cfg, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return Session{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &s.Config); err != nil {
			return Session{}, fmt.Errorf("decode config for session %s: %w", s.ID, err)
		}
	}
	return s, nil
}

const sessionColumns = `id, schedule_id, lecturer_id, start_time, end_time, status, config, created_at, updated_at`

// SessionByID loads one session or a NotFound fault.
func (r *Repository) SessionByID(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fault.NotFound("session", id)
		}
		return Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return s, nil
}

// SessionsBySchedules lists every session belonging to the given schedules.
func (r *Repository) SessionsBySchedules(ctx context.Context, scheduleIDs []string) ([]Session, error) {
	var sessions []Session
	for _, scheduleID := range scheduleIDs {
		rows, err := r.db.QueryContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE schedule_id = $1 ORDER BY start_time`, scheduleID)
		if err != nil {
			return nil, fmt.Errorf("list sessions for schedule %s: %w", scheduleID, err)
		}
		for rows.Next() {
			s, err := scanSession(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			sessions = append(sessions, s)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return sessions, nil
}

// UpdateSessionStatus persists a status transition.
func (r *Repository) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = $2, updated_at = $3 WHERE id = $1`, id, status, time.Now().UTC())
	return err
}

// UpdateSessionLecturer reassigns the lecturer.
func (r *Repository) UpdateSessionLecturer(ctx context.Context, id, lecturerID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET lecturer_id = $2, updated_at = $3 WHERE id = $1`, id, lecturerID, time.Now().UTC())
	return err
}

// DeleteBySchedule removes a schedule's sessions and their rounds.
func (r *Repository) DeleteBySchedule(ctx context.Context, scheduleID string) (int, error) {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM rounds WHERE session_id IN (SELECT id FROM sessions WHERE schedule_id = $1)
	`, scheduleID)
	if err != nil {
		return 0, fmt.Errorf("delete rounds for schedule %s: %w", scheduleID, err)
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE schedule_id = $1`, scheduleID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions for schedule %s: %w", scheduleID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// InsertRounds writes rounds, relying on the (session_id, round_number)
// unique key to make redelivery harmless.
func (r *Repository) InsertRounds(ctx context.Context, rounds []Round) error {
	for _, rd := range rounds {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO rounds (id, session_id, round_number, start_time, end_time, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (session_id, round_number) DO NOTHING
		`, rd.ID, rd.SessionID, rd.Number, rd.StartTime, rd.EndTime, rd.Status, rd.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert round %d for session %s: %w", rd.Number, rd.SessionID, err)
		}
	}
	return nil
}

const roundColumns = `id, session_id, round_number, start_time, end_time, status, created_at`

func scanRound(row interface{ Scan(...any) error }) (Round, error) {
	var rd Round
	var end sql.NullTime
	err := row.Scan(&rd.ID, &rd.SessionID, &rd.Number, &rd.StartTime, &end, &rd.Status, &rd.CreatedAt)
	if err != nil {
		return Round{}, err
	}
	if end.Valid {
		rd.EndTime = end.Time
	}
	return rd, nil
}

// RoundByID loads one round or a NotFound fault.
func (r *Repository) RoundByID(ctx context.Context, id string) (Round, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
	rd, err := scanRound(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Round{}, fault.NotFound("round", id)
		}
		return Round{}, fmt.Errorf("load round %s: %w", id, err)
	}
	return rd, nil
}

// RoundsBySession lists a session's rounds in round-number order.
func (r *Repository) RoundsBySession(ctx context.Context, sessionID string) ([]Round, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE session_id = $1 ORDER BY round_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list rounds for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var rounds []Round
	for rows.Next() {
		rd, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, rd)
	}
	return rounds, rows.Err()
}

// UpdateRoundStatus persists a round transition.
func (r *Repository) UpdateRoundStatus(ctx context.Context, id string, status RoundStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE rounds SET status = $2 WHERE id = $1`, id, status)
	return err
}

// ElapsedActiveRounds returns Active rounds whose window closed before now,
// for the round watcher.
func (r *Repository) ElapsedActiveRounds(ctx context.Context, now time.Time) ([]Round, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+roundColumns+` FROM rounds
		WHERE status = $1 AND end_time IS NOT NULL AND end_time <= $2
		ORDER BY end_time
	`, RoundActive, now)
	if err != nil {
		return nil, fmt.Errorf("list elapsed active rounds: %w", err)
	}
	defer rows.Close()

	var rounds []Round
	for rows.Next() {
		rd, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, rd)
	}
	return rounds, rows.Err()
}

// ExpiredActiveSessions returns Active sessions whose end time passed, for
// the watcher's stale-session sweep.
func (r *Repository) ExpiredActiveSessions(ctx context.Context, now time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = $1 AND end_time <= $2 ORDER BY end_time`,
		SessionActive, now)
	if err != nil {
		return nil, fmt.Errorf("list expired active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

var _ Store = (*Repository)(nil)
