// Package session owns the Session and Round lifecycles: creation from
// materialized schedules, the start/end state machines, bulk round slicing
// and timestamp-based round assignment.
package session

import (
	"time"

	"github.com/google/uuid"

	"rollcall/internal/fault"
	"rollcall/internal/settings"
)

// SessionStatus values. Cancelled and Archived are valid terminals no
// pipeline flow currently produces.
type SessionStatus string

const (
	SessionPending   SessionStatus = "Pending"
	SessionActive    SessionStatus = "Active"
	SessionCompleted SessionStatus = "Completed"
	SessionCancelled SessionStatus = "Cancelled"
	SessionArchived  SessionStatus = "Archived"
)

// RoundStatus values. Cancelled is reserved: valid terminal, no producer.
type RoundStatus string

const (
	RoundPending   RoundStatus = "Pending"
	RoundActive    RoundStatus = "Active"
	RoundCompleted RoundStatus = "Completed"
	RoundFinalized RoundStatus = "Finalized"
	RoundCancelled RoundStatus = "Cancelled"
)

// Business-rule codes raised by the lifecycle.
const (
	CodeInvalidConfig        = "INVALID_CONFIG"
	CodeLecturerNotAssigned  = "LECTURER_NOT_ASSIGNED"
	CodeSessionNotPending    = "SESSION_NOT_PENDING"
	CodeSessionNotActive     = "SESSION_NOT_ACTIVE"
	CodeOutOfTimeWindow      = "OUT_OF_TIME_WINDOW"
	CodeSessionAlreadyActive = "SESSION_ALREADY_ACTIVE"
)

// Session is one scheduled meeting instance. Config is snapshotted at
// creation so later setting edits cannot change an in-flight session.
type Session struct {
	ID         string
	ScheduleID string
	LecturerID string
	StartTime  time.Time
	EndTime    time.Time
	Status     SessionStatus
	Config     settings.Snapshot
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewSession builds a Pending session, rejecting inverted windows.
func NewSession(scheduleID, lecturerID string, start, end time.Time, cfg settings.Snapshot) (Session, error) {
	if !end.After(start) {
		return Session{}, fault.BusinessRule(CodeInvalidConfig, "session end time must be after start time")
	}
	now := time.Now().UTC()
	return Session{
		ID:         uuid.NewString(),
		ScheduleID: scheduleID,
		LecturerID: lecturerID,
		StartTime:  start.UTC(),
		EndTime:    end.UTC(),
		Status:     SessionPending,
		Config:     cfg,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Terminal reports whether the session can no longer change state.
func (s *Session) Terminal() bool {
	switch s.Status {
	case SessionCompleted, SessionCancelled, SessionArchived:
		return true
	}
	return false
}

// Activate moves Pending → Active.
func (s *Session) Activate() error {
	if s.Status != SessionPending {
		return fault.BusinessRule(CodeSessionNotPending, "session is not awaiting activation")
	}
	s.Status = SessionActive
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete moves the session to Completed. Idempotent: already-terminal
// sessions are left alone.
func (s *Session) Complete() {
	if s.Terminal() {
		return
	}
	s.Status = SessionCompleted
	s.UpdatedAt = time.Now().UTC()
}

// WithinWindow reports whether t falls inside the session's allowed start
// window: [start − window, end + window].
func (s *Session) WithinWindow(t time.Time) bool {
	window := time.Duration(s.Config.AttendanceWindowMinutes) * time.Minute
	return !t.Before(s.StartTime.Add(-window)) && !t.After(s.EndTime.Add(window))
}

// MarkerTTL is how long the active-session markers and the primed whitelist
// should live once the session starts: the remaining duration plus a buffer
// of twice the attendance window.
func (s *Session) MarkerTTL(now time.Time) time.Duration {
	remaining := s.EndTime.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining + 2*time.Duration(s.Config.AttendanceWindowMinutes)*time.Minute
}

// Round is one fixed time slice of a session used for one attendance sample.
type Round struct {
	ID        string
	SessionID string
	Number    int
	StartTime time.Time
	EndTime   time.Time
	Status    RoundStatus
	CreatedAt time.Time
}

// Open reports whether the round can still receive scan data.
func (r *Round) Open() bool {
	switch r.Status {
	case RoundCompleted, RoundCancelled, RoundFinalized:
		return false
	}
	return true
}

// Contains reports whether ts falls inside [StartTime, EndTime); a zero
// EndTime is an open-ended round.
func (r *Round) Contains(ts time.Time) bool {
	if ts.Before(r.StartTime) {
		return false
	}
	return r.EndTime.IsZero() || ts.Before(r.EndTime)
}

// SliceRounds splits [start, end) into total equal rounds, numbered after
// alreadyCreated so redelivered create requests never duplicate. The last
// round's end is clamped to the session end.
func SliceRounds(sessionID string, total int, start, end time.Time, alreadyCreated int) []Round {
	if total <= alreadyCreated || total <= 0 {
		return nil
	}
	perRound := end.Sub(start) / time.Duration(total)
	now := time.Now().UTC()

	rounds := make([]Round, 0, total-alreadyCreated)
	for number := alreadyCreated + 1; number <= total; number++ {
		roundStart := start.Add(perRound * time.Duration(number-1))
		roundEnd := roundStart.Add(perRound)
		if number == total {
			roundEnd = end
		}
		rounds = append(rounds, Round{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Number:    number,
			StartTime: roundStart,
			EndTime:   roundEnd,
			Status:    RoundPending,
			CreatedAt: now,
		})
	}
	return rounds
}
