package track

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"rollcall/internal/cache"
	"rollcall/internal/fault"
)

const (
	// finalLockTTL bounds how long a crashed reconciliation can block the
	// session before another worker may take over.
	finalLockTTL = 10 * time.Minute
	// finalDoneTTL only needs to outlive redeliveries of the same finalize
	// event, not the session.
	finalDoneTTL = 5 * time.Minute

	percentEpsilon = 0.01
)

// RoundTracks is the round-level aggregate store used by the service.
type RoundTracks interface {
	ByRound(ctx context.Context, roundID string) (*RoundTrack, error)
	Upsert(ctx context.Context, rt RoundTrack) error
}

// StudentTracks is the per-student aggregate store used by the service.
type StudentTracks interface {
	ByStudent(ctx context.Context, sessionID, studentID string) (*StudentTrack, error)
	BySession(ctx context.Context, sessionID string) ([]StudentTrack, error)
	Upsert(ctx context.Context, st StudentTrack) error
}

// Records is the attendance-record store used by the service.
type Records interface {
	EnsureFuture(ctx context.Context, sessionID string, studentIDs []string) (int, error)
	BySession(ctx context.Context, sessionID string) ([]AttendanceRecord, error)
	Update(ctx context.Context, rec AttendanceRecord) error
}

// UserDirectory maps device ids back to the users that registered them.
type UserDirectory interface {
	UsersByDevices(ctx context.Context, deviceIDs []string) (map[string]string, error)
}

// StudentRoster lists the students enrolled in a class section.
type StudentRoster interface {
	StudentIDsForClassSection(ctx context.Context, classSectionID string) ([]string, error)
}

// RoundResult carries one calculated round into PersistRoundResult.
type RoundResult struct {
	RoundID           string
	SessionID         string
	RoundNumber       int
	RoundStart        time.Time
	LecturerID        string
	AttendedDeviceIDs []string
}

// Service turns calculation output into round/student aggregates and, at
// session end, into final attendance records.
type Service struct {
	roundTracks   RoundTracks
	studentTracks StudentTracks
	records       Records
	users         UserDirectory
	roster        StudentRoster
	cache         cache.Cache
	now           func() time.Time
}

// NewService wires a track service.
func NewService(rt RoundTracks, st StudentTracks, rec Records, users UserDirectory, roster StudentRoster, c cache.Cache) *Service {
	return &Service{
		roundTracks:   rt,
		studentTracks: st,
		records:       rec,
		users:         users,
		roster:        roster,
		cache:         c,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// EnsureFutureRecords creates a Future attendance record for every enrolled
// student, so the final reconciliation always has one row per student to
// settle. Re-running skips students that already have a record.
func (s *Service) EnsureFutureRecords(ctx context.Context, sessionID, classSectionID string) error {
	studentIDs, err := s.roster.StudentIDsForClassSection(ctx, classSectionID)
	if err != nil {
		return fmt.Errorf("list students for class section %s: %w", classSectionID, err)
	}
	created, err := s.records.EnsureFuture(ctx, sessionID, studentIDs)
	if err != nil {
		return err
	}
	if created > 0 {
		log.Printf("track: created %d future attendance records for session %s", created, sessionID)
	}
	return nil
}

// PersistRoundResult merges one round's attended devices into the round and
// student aggregates. Keyed merges make redelivered calculations converge on
// the same documents instead of duplicating entries.
func (s *Service) PersistRoundResult(ctx context.Context, res RoundResult) error {
	now := s.now()

	users, err := s.users.UsersByDevices(ctx, res.AttendedDeviceIDs)
	if err != nil {
		return fault.Transient(fmt.Errorf("resolve users for round %s devices: %w", res.RoundID, err))
	}

	attended := make([]StudentInRound, 0, len(res.AttendedDeviceIDs))
	for _, deviceID := range res.AttendedDeviceIDs {
		userID, ok := users[deviceID]
		if !ok {
			log.Printf("track: round %s device %s has no registered user, skipping", res.RoundID, deviceID)
			continue
		}
		if userID == res.LecturerID {
			continue
		}
		attended = append(attended, StudentInRound{
			StudentID:  userID,
			DeviceID:   deviceID,
			Attended:   true,
			AttendedAt: now,
		})
	}

	if err := s.mergeRoundTrack(ctx, res, attended, now); err != nil {
		return err
	}
	for _, st := range attended {
		if err := s.mergeStudentTrack(ctx, res, st, now); err != nil {
			return err
		}
	}
	log.Printf("track: round %s (session %s) recorded %d attended students", res.RoundID, res.SessionID, len(attended))
	return nil
}

func (s *Service) mergeRoundTrack(ctx context.Context, res RoundResult, attended []StudentInRound, now time.Time) error {
	rt, err := s.roundTracks.ByRound(ctx, res.RoundID)
	if err != nil {
		return fault.Transient(err)
	}
	if rt == nil {
		rt = &RoundTrack{
			RoundID:     res.RoundID,
			SessionID:   res.SessionID,
			RoundNumber: res.RoundNumber,
			StartTime:   res.RoundStart,
		}
	}

	seen := make(map[string]int, len(rt.Students))
	for i, st := range rt.Students {
		seen[st.StudentID] = i
	}
	for _, st := range attended {
		if i, ok := seen[st.StudentID]; ok {
			rt.Students[i].Attended = true
			continue
		}
		rt.Students = append(rt.Students, st)
		seen[st.StudentID] = len(rt.Students) - 1
	}
	rt.ProcessedAt = now

	if err := s.roundTracks.Upsert(ctx, *rt); err != nil {
		return fault.Transient(err)
	}
	return nil
}

func (s *Service) mergeStudentTrack(ctx context.Context, res RoundResult, attended StudentInRound, now time.Time) error {
	st, err := s.studentTracks.ByStudent(ctx, res.SessionID, attended.StudentID)
	if err != nil {
		return fault.Transient(err)
	}
	if st == nil {
		st = &StudentTrack{
			SessionID: res.SessionID,
			StudentID: attended.StudentID,
			DeviceID:  attended.DeviceID,
		}
	}

	found := false
	for i, p := range st.Rounds {
		if p.RoundID == res.RoundID {
			st.Rounds[i].Attended = true
			found = true
			break
		}
	}
	if !found {
		st.Rounds = append(st.Rounds, RoundParticipation{
			RoundID:     res.RoundID,
			RoundNumber: res.RoundNumber,
			Attended:    true,
			AttendedAt:  attended.AttendedAt,
		})
	}
	st.UpdatedAt = now

	if err := s.studentTracks.Upsert(ctx, *st); err != nil {
		return fault.Transient(err)
	}
	return nil
}

// ReconcileFinalAttendance settles every attendance record for a session
// against the student tracks: attended rounds over actualRounds, Present at
// or above threshold percent, Absent below. Guarded by a distributed lock so
// concurrent finalize deliveries run the pass once.
func (s *Service) ReconcileFinalAttendance(ctx context.Context, sessionID string, actualRounds int, threshold float64) error {
	if actualRounds <= 0 {
		log.Printf("track: session %s finalized with no completed rounds, leaving records untouched", sessionID)
		return nil
	}

	done, err := s.cache.Exists(ctx, cache.FinalDoneKey(sessionID))
	if err != nil {
		return fault.Transient(err)
	}
	if done {
		return nil
	}

	acquired, err := s.cache.SetNX(ctx, cache.FinalLockKey(sessionID), s.now().Format(time.RFC3339), finalLockTTL)
	if err != nil {
		return fault.Transient(err)
	}
	if !acquired {
		log.Printf("track: session %s reconciliation already in progress elsewhere", sessionID)
		return nil
	}
	defer func() {
		if err := s.cache.Set(ctx, cache.FinalDoneKey(sessionID), true, finalDoneTTL); err != nil {
			log.Printf("track: session %s done marker not written: %v", sessionID, err)
		}
		if err := s.cache.Delete(ctx, cache.FinalLockKey(sessionID)); err != nil {
			log.Printf("track: session %s lock not released: %v", sessionID, err)
		}
	}()

	return s.reconcile(ctx, sessionID, actualRounds, threshold)
}

func (s *Service) reconcile(ctx context.Context, sessionID string, actualRounds int, threshold float64) error {
	records, err := s.records.BySession(ctx, sessionID)
	if err != nil {
		return fault.Transient(err)
	}
	if len(records) == 0 {
		return fault.Integrity(fmt.Sprintf("session %s has no attendance records to reconcile", sessionID))
	}

	tracks, err := s.studentTracks.BySession(ctx, sessionID)
	if err != nil {
		return fault.Transient(err)
	}
	byStudent := make(map[string]StudentTrack, len(tracks))
	for _, t := range tracks {
		byStudent[t.StudentID] = t
	}

	present, absent := 0, 0
	for _, rec := range records {
		if rec.ManualOverride {
			log.Printf("track: session %s student %s manually overridden, keeping %s", sessionID, rec.StudentID, rec.Status)
			continue
		}

		attendedCount := 0
		if t, ok := byStudent[rec.StudentID]; ok {
			for _, p := range t.Rounds {
				if p.Attended {
					attendedCount++
				}
			}
		}

		percentage := float64(attendedCount) / float64(actualRounds) * 100
		status := StatusAbsent
		if percentage >= threshold-percentEpsilon {
			status = StatusPresent
		}
		if status == StatusPresent {
			present++
		} else {
			absent++
		}

		if rec.Status == status && math.Abs(rec.Percentage-percentage) <= percentEpsilon {
			continue
		}
		rec.Status = status
		rec.Percentage = percentage
		if err := s.records.Update(ctx, rec); err != nil {
			return fault.Transient(err)
		}
	}

	log.Printf("track: session %s reconciled over %d rounds: %d present, %d absent", sessionID, actualRounds, present, absent)
	return nil
}
