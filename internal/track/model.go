// Package track stores per-round and per-student detection aggregates and
// turns them into final Present/Absent attendance records.
package track

import "time"

// AttendanceStatus values for the final per-student record.
type AttendanceStatus string

const (
	StatusFuture  AttendanceStatus = "Future"
	StatusPresent AttendanceStatus = "Present"
	StatusAbsent  AttendanceStatus = "Absent"
)

// StudentInRound is one detected student inside a RoundTrack.
type StudentInRound struct {
	StudentID  string    `bson:"student_id" json:"student_id"`
	DeviceID   string    `bson:"device_id" json:"device_id"`
	Attended   bool      `bson:"attended" json:"attended"`
	AttendedAt time.Time `bson:"attended_at" json:"attended_at"`
}

// RoundTrack aggregates one round's detection results. Upserted after each
// calculation; re-running a partial round merges instead of duplicating.
type RoundTrack struct {
	RoundID     string           `bson:"_id" json:"round_id"`
	SessionID   string           `bson:"session_id" json:"session_id"`
	RoundNumber int              `bson:"round_number" json:"round_number"`
	StartTime   time.Time        `bson:"start_time" json:"start_time"`
	ProcessedAt time.Time        `bson:"processed_at" json:"processed_at"`
	Students    []StudentInRound `bson:"students" json:"students"`
}

// RoundParticipation is one round's entry inside a StudentTrack.
type RoundParticipation struct {
	RoundID     string    `bson:"round_id" json:"round_id"`
	RoundNumber int       `bson:"round_number" json:"round_number"`
	Attended    bool      `bson:"attended" json:"attended"`
	AttendedAt  time.Time `bson:"attended_at" json:"attended_at"`
}

// StudentTrack accumulates one student's participation across a session's
// rounds.
type StudentTrack struct {
	SessionID string               `bson:"session_id" json:"session_id"`
	StudentID string               `bson:"student_id" json:"student_id"`
	DeviceID  string               `bson:"device_id" json:"device_id"`
	Rounds    []RoundParticipation `bson:"rounds" json:"rounds"`
	UpdatedAt time.Time            `bson:"updated_at" json:"updated_at"`
}

// AttendanceRecord is the final (or interim) per-student verdict for a
// session. Created in Future state as soon as the session exists.
type AttendanceRecord struct {
	ID             string
	SessionID      string
	StudentID      string
	Status         AttendanceStatus
	ManualOverride bool
	Percentage     float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
