// Package handler wires queue events to the domain services: one handler
// per event type, a dispatcher that routes and retries, and the watcher
// that closes elapsed rounds.
package handler

import (
	"context"
	"fmt"
	"log"
	"time"

	"rollcall/internal/cache"
	"rollcall/internal/detect"
	"rollcall/internal/event"
	"rollcall/internal/fault"
	"rollcall/internal/metrics"
	"rollcall/internal/notify"
	"rollcall/internal/queue"
	"rollcall/internal/roster"
	"rollcall/internal/scan"
	"rollcall/internal/session"
	"rollcall/internal/track"
	"rollcall/internal/whitelist"
)

// Handlers holds every event handler's dependencies.
type Handlers struct {
	sessions   *session.Service
	whitelists *whitelist.Resolver
	scans      *scan.Repository
	engine     *detect.Engine
	tracks     *track.Service
	roster     *roster.Client
	queue      queue.Queue
	cache      cache.Cache
	notifier   *notify.Notifier

	// attendanceThreshold is the Present cutoff in percent.
	attendanceThreshold float64
}

// New wires the handler set.
func New(sessions *session.Service, whitelists *whitelist.Resolver, scans *scan.Repository,
	engine *detect.Engine, tracks *track.Service, ros *roster.Client,
	q queue.Queue, c cache.Cache, notifier *notify.Notifier, threshold float64) *Handlers {
	return &Handlers{
		sessions:            sessions,
		whitelists:          whitelists,
		scans:               scans,
		engine:              engine,
		tracks:              tracks,
		roster:              ros,
		queue:               q,
		cache:               c,
		notifier:            notifier,
		attendanceThreshold: threshold,
	}
}

// ScheduleMaterialized expands a schedule into sessions and fans out the
// per-session follow-up events. Insertion is conflict-free, so a redelivery
// that already created the sessions only re-emits idempotent follow-ups.
func (h *Handlers) ScheduleMaterialized(ctx context.Context, msg queue.Message) error {
	var ev event.ScheduleMaterialized
	if err := event.Unwrap(msg, &ev); err != nil {
		return fault.Integrity(fmt.Sprintf("bad %s payload: %v", msg.Type, err))
	}

	sessions, err := h.sessions.CreateSessionsForSchedule(ctx, session.ScheduleSlot{
		ScheduleID:     ev.ScheduleID,
		LecturerID:     ev.LecturerID,
		ClassSectionID: ev.ClassSectionID,
		Weekday:        ev.Weekday,
		StartDate:      ev.StartDate,
		EndDate:        ev.EndDate,
		StartTime:      ev.StartTime,
		EndTime:        ev.EndTime,
	})
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		if err := h.publish(ctx, event.TypeSessionCreated, event.SessionCreated{
			SessionID:  sess.ID,
			ScheduleID: sess.ScheduleID,
		}); err != nil {
			return err
		}
		if err := h.publish(ctx, event.TypeCreateRounds, event.CreateRounds{
			SessionID: sess.ID,
			Total:     sess.Config.TotalAttendanceRounds,
			StartTime: sess.StartTime,
			EndTime:   sess.EndTime,
		}); err != nil {
			return err
		}
		if err := h.publish(ctx, event.TypeGenerateWhitelist, event.GenerateWhitelist{
			SessionID:      sess.ID,
			ClassSectionID: ev.ClassSectionID,
			LecturerID:     sess.LecturerID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// SessionCreated eagerly creates Future attendance records for every
// enrolled student.
func (h *Handlers) SessionCreated(ctx context.Context, msg queue.Message) error {
	var ev event.SessionCreated
	if err := event.Unwrap(msg, &ev); err != nil {
		return fault.Integrity(fmt.Sprintf("bad %s payload: %v", msg.Type, err))
	}

	sched, err := h.roster.ScheduleByID(ctx, ev.ScheduleID)
	if err != nil {
		return err
	}
	return h.tracks.EnsureFutureRecords(ctx, ev.SessionID, sched.ClassSectionID)
}

// CreateRounds slices the session window into rounds.
func (h *Handlers) CreateRounds(ctx context.Context, msg queue.Message) error {
	var ev event.CreateRounds
	if err := event.Unwrap(msg, &ev); err != nil {
		return fault.Integrity(fmt.Sprintf("bad %s payload: %v", msg.Type, err))
	}
	_, err := h.sessions.CreateRounds(ctx, ev.SessionID, ev.Total, ev.StartTime, ev.EndTime, ev.AlreadyCreated)
	return err
}

// GenerateWhitelist (re)builds a session's device whitelist.
func (h *Handlers) GenerateWhitelist(ctx context.Context, msg queue.Message) error {
	var ev event.GenerateWhitelist
	if err := event.Unwrap(msg, &ev); err != nil {
		return fault.Integrity(fmt.Sprintf("bad %s payload: %v", msg.Type, err))
	}
	return h.whitelists.GenerateOrUpdate(ctx, ev.SessionID, ev.ClassSectionID, ev.LecturerID)
}

// ScanSubmitted stores a proximity report, attributing it to the round whose
// window contains the scan timestamp. Scans for inactive sessions are
// dropped; scans matching no round are kept unattributed.
func (h *Handlers) ScanSubmitted(ctx context.Context, msg queue.Message) error {
	var ev event.ScanSubmitted
	if err := event.Unwrap(msg, &ev); err != nil {
		return fault.Integrity(fmt.Sprintf("bad %s payload: %v", msg.Type, err))
	}

	active, err := h.cache.Exists(ctx, cache.SessionActiveKey(ev.SessionID))
	if err != nil {
		return fault.Transient(err)
	}
	if !active {
		// Marker may have expired on a long session; the database decides.
		sess, err := h.sessions.Store().SessionByID(ctx, ev.SessionID)
		if err != nil {
			return err
		}
		if sess.Status != session.SessionActive {
			log.Printf("handler: dropping scan from device %s, session %s is %s", ev.DeviceID, ev.SessionID, sess.Status)
			return nil
		}
	}

	roundID := ev.RoundID
	if roundID == "" {
		rd, err := h.sessions.AssignRound(ctx, ev.SessionID, ev.Timestamp)
		if err != nil {
			return err
		}
		if rd != nil {
			roundID = rd.ID
		}
	}
	if roundID == "" {
		metrics.ScansUnattributed.Inc()
		log.Printf("handler: scan from device %s at %s matched no round of session %s", ev.DeviceID, ev.Timestamp.Format(time.RFC3339), ev.SessionID)
	}

	scanned := make([]scan.ScannedDevice, 0, len(ev.ScannedDevices))
	for _, d := range ev.ScannedDevices {
		scanned = append(scanned, scan.ScannedDevice{DeviceID: d.DeviceID, RSSI: d.RSSI})
	}
	return h.scans.Append(ctx, scan.Log{
		DeviceID:        ev.DeviceID,
		SubmitterUserID: ev.SubmitterUserID,
		SessionID:       ev.SessionID,
		RoundID:         roundID,
		Timestamp:       ev.Timestamp,
		Scanned:         scanned,
	})
}

// CalculateRound runs the attendance calculation for one round, persists the
// result and closes the round. The final round also completes the session
// and queues the terminal reconciliation.
func (h *Handlers) CalculateRound(ctx context.Context, msg queue.Message) error {
	var ev event.CalculateRound
	if err := event.Unwrap(msg, &ev); err != nil {
		return fault.Integrity(fmt.Sprintf("bad %s payload: %v", msg.Type, err))
	}

	store := h.sessions.Store()
	rd, err := store.RoundByID(ctx, ev.RoundID)
	if err != nil {
		return err
	}
	if rd.Status == session.RoundCompleted || rd.Status == session.RoundFinalized {
		log.Printf("handler: round %s already calculated, skipping", ev.RoundID)
		return nil
	}
	sess, err := store.SessionByID(ctx, ev.SessionID)
	if err != nil {
		return err
	}

	attended, err := h.engine.Calculate(ctx, ev.SessionID, ev.RoundID)
	if err != nil {
		return err
	}
	metrics.RoundAttendance.Observe(float64(len(attended)))

	if err := h.tracks.PersistRoundResult(ctx, track.RoundResult{
		RoundID:           rd.ID,
		SessionID:         sess.ID,
		RoundNumber:       rd.Number,
		RoundStart:        rd.StartTime,
		LecturerID:        sess.LecturerID,
		AttendedDeviceIDs: attended,
	}); err != nil {
		return err
	}
	if err := store.UpdateRoundStatus(ctx, rd.ID, session.RoundCompleted); err != nil {
		return fault.Transient(err)
	}
	h.notifier.RoundCalculated(ctx, sess.ID, rd.ID, len(attended))

	if !ev.IsFinalRound {
		return nil
	}

	if err := h.sessions.Complete(ctx, sess.ID); err != nil {
		return err
	}
	h.sessions.ClearMarkers(ctx, sess)
	h.notifier.SessionEnded(ctx, sess.ID)

	completed, err := h.completedRoundCount(ctx, sess.ID)
	if err != nil {
		return err
	}
	return h.publish(ctx, event.TypeFinalAttendance, event.FinalAttendance{
		SessionID:        sess.ID,
		ActualRoundCount: completed,
	})
}

// SessionEndingEarly closes a session before its last round ran. An active
// round gets one final calculation; rounds that never started are marked
// Finalized so they drop out of the completed count and the final
// percentage.
func (h *Handlers) SessionEndingEarly(ctx context.Context, msg queue.Message) error {
	var ev event.SessionEndingEarly
	if err := event.Unwrap(msg, &ev); err != nil {
		return fault.Integrity(fmt.Sprintf("bad %s payload: %v", msg.Type, err))
	}

	store := h.sessions.Store()
	sess, err := store.SessionByID(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	if sess.Terminal() {
		log.Printf("handler: session %s already %s, ignoring early end", sess.ID, sess.Status)
		return nil
	}

	for _, roundID := range ev.PendingRoundIDs {
		if err := store.UpdateRoundStatus(ctx, roundID, session.RoundFinalized); err != nil {
			return fault.Transient(err)
		}
	}

	if ev.ActiveRoundID != "" {
		// The final calculation completes the session and queues the
		// reconciliation.
		return h.publish(ctx, event.TypeCalculateRound, event.CalculateRound{
			SessionID:    sess.ID,
			RoundID:      ev.ActiveRoundID,
			IsFinalRound: true,
		})
	}

	if err := h.sessions.Complete(ctx, sess.ID); err != nil {
		return err
	}
	h.sessions.ClearMarkers(ctx, sess)
	h.notifier.SessionEnded(ctx, sess.ID)

	completed, err := h.completedRoundCount(ctx, sess.ID)
	if err != nil {
		return err
	}
	return h.publish(ctx, event.TypeFinalAttendance, event.FinalAttendance{
		SessionID:        sess.ID,
		ActualRoundCount: completed,
	})
}

// FinalAttendance runs the terminal per-student reconciliation.
func (h *Handlers) FinalAttendance(ctx context.Context, msg queue.Message) error {
	var ev event.FinalAttendance
	if err := event.Unwrap(msg, &ev); err != nil {
		return fault.Integrity(fmt.Sprintf("bad %s payload: %v", msg.Type, err))
	}
	if err := h.tracks.ReconcileFinalAttendance(ctx, ev.SessionID, ev.ActualRoundCount, h.attendanceThreshold); err != nil {
		return err
	}
	h.notifier.AttendanceFinalized(ctx, ev.SessionID)
	return nil
}

// LecturerAssigned propagates a lecturer change to the class section's
// non-terminal sessions and regenerates their whitelists.
func (h *Handlers) LecturerAssigned(ctx context.Context, msg queue.Message) error {
	var ev event.LecturerAssigned
	if err := event.Unwrap(msg, &ev); err != nil {
		return fault.Integrity(fmt.Sprintf("bad %s payload: %v", msg.Type, err))
	}

	schedules, err := h.roster.SchedulesForClassSection(ctx, ev.ClassSectionID)
	if err != nil {
		return err
	}
	scheduleIDs := make([]string, 0, len(schedules))
	for _, s := range schedules {
		scheduleIDs = append(scheduleIDs, s.ID)
	}
	sessions, err := h.sessions.Store().SessionsBySchedules(ctx, scheduleIDs)
	if err != nil {
		return fault.Transient(err)
	}

	for _, sess := range sessions {
		if sess.Terminal() {
			continue
		}
		if err := h.sessions.AssignLecturer(ctx, sess.ID, ev.LecturerID); err != nil {
			return err
		}
		if err := h.publish(ctx, event.TypeGenerateWhitelist, event.GenerateWhitelist{
			SessionID:      sess.ID,
			ClassSectionID: ev.ClassSectionID,
			LecturerID:     ev.LecturerID,
		}); err != nil {
			return err
		}
	}
	log.Printf("handler: lecturer %s propagated to %d sessions of class section %s", ev.LecturerID, len(sessions), ev.ClassSectionID)
	return nil
}

// ScheduleDeleted cascades deletion of a schedule's sessions and rounds and
// drops its active marker.
func (h *Handlers) ScheduleDeleted(ctx context.Context, msg queue.Message) error {
	var ev event.ScheduleDeleted
	if err := event.Unwrap(msg, &ev); err != nil {
		return fault.Integrity(fmt.Sprintf("bad %s payload: %v", msg.Type, err))
	}

	deleted, err := h.sessions.Store().DeleteBySchedule(ctx, ev.ScheduleID)
	if err != nil {
		return fault.Transient(err)
	}
	if err := h.cache.Delete(ctx, cache.ActiveScheduleKey(ev.ScheduleID)); err != nil {
		log.Printf("handler: dropping schedule marker for %s failed: %v", ev.ScheduleID, err)
	}
	log.Printf("handler: schedule %s deleted with %d sessions", ev.ScheduleID, deleted)
	return nil
}

func (h *Handlers) completedRoundCount(ctx context.Context, sessionID string) (int, error) {
	rounds, err := h.sessions.Store().RoundsBySession(ctx, sessionID)
	if err != nil {
		return 0, fault.Transient(err)
	}
	// Finalized rounds were skipped by an early end and never counted.
	count := 0
	for _, rd := range rounds {
		if rd.Status == session.RoundCompleted {
			count++
		}
	}
	return count, nil
}

func (h *Handlers) publish(ctx context.Context, msgType string, payload any) error {
	msg, err := event.Wrap(msgType, payload)
	if err != nil {
		return fault.Integrity(fmt.Sprintf("marshal %s: %v", msgType, err))
	}
	if err := h.queue.Publish(ctx, msg); err != nil {
		return fault.Transient(err)
	}
	return nil
}
