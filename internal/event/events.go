// Package event defines the typed payloads carried on the queue. One named
// type per intent; handlers subscribe to exactly the types they need.
package event

import (
	"encoding/json"
	"time"

	"rollcall/internal/queue"
)

// Queue message type strings.
const (
	TypeScheduleMaterialized = "schedule.materialized"
	TypeSessionCreated       = "session.created"
	TypeCreateRounds         = "rounds.create"
	TypeGenerateWhitelist    = "whitelist.generate"
	TypeScanSubmitted        = "scan.submitted"
	TypeCalculateRound       = "round.calculate"
	TypeSessionEndingEarly   = "session.end_early"
	TypeFinalAttendance      = "attendance.finalize"
	TypeLecturerAssigned     = "lecturer.assigned"
	TypeScheduleDeleted      = "schedule.deleted"
)

// ScheduleMaterialized announces that a recurring schedule slot should be
// expanded into concrete sessions.
type ScheduleMaterialized struct {
	ScheduleID     string    `json:"schedule_id"`
	LecturerID     string    `json:"lecturer_id"`
	ClassSectionID string    `json:"class_section_id"`
	Weekday        string    `json:"weekday"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	StartTime      string    `json:"start_time"` // "15:04" wall clock, UTC
	EndTime        string    `json:"end_time"`
}

// SessionCreated triggers eager creation of Future attendance records.
type SessionCreated struct {
	SessionID  string `json:"session_id"`
	ScheduleID string `json:"schedule_id"`
}

// CreateRounds requests bulk round creation for a session.
type CreateRounds struct {
	SessionID string    `json:"session_id"`
	Total     int       `json:"total_rounds"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	// AlreadyCreated is the highest round number that exists; redelivery
	// starts after it instead of duplicating.
	AlreadyCreated int `json:"round_number_already_created"`
}

// GenerateWhitelist requests (re)generation of a session's device whitelist.
type GenerateWhitelist struct {
	SessionID      string `json:"session_id"`
	ClassSectionID string `json:"class_section_id"`
	LecturerID     string `json:"lecturer_id"`
}

// ScannedDevice is one neighbor observation inside a scan submission.
type ScannedDevice struct {
	DeviceID string `json:"device_id"`
	RSSI     int    `json:"rssi"`
}

// ScanSubmitted carries one device's proximity report.
type ScanSubmitted struct {
	SessionID       string          `json:"session_id"`
	RoundID         string          `json:"round_id,omitempty"`
	DeviceID        string          `json:"device_id"`
	SubmitterUserID string          `json:"submitter_user_id"`
	Timestamp       time.Time       `json:"timestamp"`
	ScannedDevices  []ScannedDevice `json:"scanned_devices"`
}

// CalculateRound requests attendance calculation for one round.
type CalculateRound struct {
	SessionID    string `json:"session_id"`
	RoundID      string `json:"round_id"`
	IsFinalRound bool   `json:"is_final_round"`
	TotalRounds  int    `json:"total_rounds"`
}

// SessionEndingEarly asks the worker to close out a session before its last
// round ran.
type SessionEndingEarly struct {
	SessionID       string   `json:"session_id"`
	ActiveRoundID   string   `json:"active_round_id,omitempty"`
	PendingRoundIDs []string `json:"pending_round_ids"`
}

// FinalAttendance requests the terminal per-student reconciliation.
type FinalAttendance struct {
	SessionID        string `json:"session_id"`
	ActualRoundCount int    `json:"actual_rounds_count"`
}

// LecturerAssigned propagates a lecturer (re)assignment to sessions and
// whitelists.
type LecturerAssigned struct {
	ClassSectionID string `json:"class_section_id"`
	LecturerID     string `json:"lecturer_id"`
}

// ScheduleDeleted cascades deletion of a schedule's sessions and rounds.
type ScheduleDeleted struct {
	ScheduleID string `json:"schedule_id"`
}

// Wrap marshals payload into a queue message of the given type.
func Wrap(msgType string, payload any) (queue.Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return queue.Message{}, err
	}
	return queue.Message{Type: msgType, Body: body}, nil
}

// Unwrap unmarshals a queue message body into payload.
func Unwrap(msg queue.Message, payload any) error {
	return json.Unmarshal(msg.Body, payload)
}
