package track

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordStore persists AttendanceRecords in Postgres.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore creates a repo.
func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

// EnsureFuture inserts a Future record per student, skipping students that
// already have one. Safe to re-run.
func (r *RecordStore) EnsureFuture(ctx context.Context, sessionID string, studentIDs []string) (int, error) {
	created := 0
	now := time.Now().UTC()
	for _, studentID := range studentIDs {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO attendance_records (id, session_id, student_id, status, manual_override, percentage, created_at, updated_at)
			VALUES ($1,$2,$3,$4,FALSE,0,$5,$5)
			ON CONFLICT (session_id, student_id) DO NOTHING
		`, uuid.NewString(), sessionID, studentID, StatusFuture, now)
		if err != nil {
			return created, fmt.Errorf("insert future record for student %s: %w", studentID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	return created, nil
}

// BySession lists every attendance record for a session.
func (r *RecordStore) BySession(ctx context.Context, sessionID string) ([]AttendanceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, status, manual_override, percentage, created_at, updated_at
		FROM attendance_records WHERE session_id = $1 ORDER BY student_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attendance records for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var records []AttendanceRecord
	for rows.Next() {
		var rec AttendanceRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status,
			&rec.ManualOverride, &rec.Percentage, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Update persists a recomputed status and percentage.
func (r *RecordStore) Update(ctx context.Context, rec AttendanceRecord) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $2, manual_override = $3, percentage = $4, updated_at = $5
		WHERE id = $1
	`, rec.ID, rec.Status, rec.ManualOverride, rec.Percentage, time.Now().UTC())
	return err
}
