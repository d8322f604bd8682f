package store

import (
	"context"
	"database/sql"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	schedule_id TEXT NOT NULL,
	lecturer_id TEXT NOT NULL DEFAULT '',
	start_time  TIMESTAMPTZ NOT NULL,
	end_time    TIMESTAMPTZ NOT NULL,
	status      TEXT NOT NULL DEFAULT 'Pending',
	config      JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_schedule ON sessions(schedule_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status   ON sessions(status);

CREATE TABLE IF NOT EXISTS rounds (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(id),
	round_number INTEGER NOT NULL,
	start_time   TIMESTAMPTZ NOT NULL,
	end_time     TIMESTAMPTZ,
	status       TEXT NOT NULL DEFAULT 'Pending',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (session_id, round_number)
);

CREATE INDEX IF NOT EXISTS idx_rounds_session ON rounds(session_id);
CREATE INDEX IF NOT EXISTS idx_rounds_status_end ON rounds(status, end_time);

CREATE TABLE IF NOT EXISTS attendance_records (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL REFERENCES sessions(id),
	student_id      TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'Future',
	manual_override BOOLEAN NOT NULL DEFAULT FALSE,
	percentage      DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (session_id, student_id)
);

CREATE INDEX IF NOT EXISTS idx_records_session ON attendance_records(session_id);
`

// Migrate creates the relational tables when missing. Idempotent; both
// binaries run it at startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
