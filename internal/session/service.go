package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"rollcall/internal/cache"
	"rollcall/internal/fault"
	"rollcall/internal/settings"
)

// Store is the persistence surface the lifecycle service needs.
type Store interface {
	InsertSessions(ctx context.Context, sessions []Session) error
	SessionByID(ctx context.Context, id string) (Session, error)
	SessionsBySchedules(ctx context.Context, scheduleIDs []string) ([]Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error
	UpdateSessionLecturer(ctx context.Context, id, lecturerID string) error
	DeleteBySchedule(ctx context.Context, scheduleID string) (int, error)
	InsertRounds(ctx context.Context, rounds []Round) error
	RoundByID(ctx context.Context, id string) (Round, error)
	RoundsBySession(ctx context.Context, sessionID string) ([]Round, error)
	UpdateRoundStatus(ctx context.Context, id string, status RoundStatus) error
	ElapsedActiveRounds(ctx context.Context, now time.Time) ([]Round, error)
	ExpiredActiveSessions(ctx context.Context, now time.Time) ([]Session, error)
}

// WhitelistPrimer loads a session's whitelist into the fast cache.
type WhitelistPrimer interface {
	Prime(ctx context.Context, sessionID string, ttl time.Duration) error
}

// ScheduleSlot is a recurring schedule slot to expand into concrete sessions.
type ScheduleSlot struct {
	ScheduleID     string
	LecturerID     string
	ClassSectionID string
	Weekday        string
	StartDate      time.Time
	EndDate        time.Time
	StartTime      string // "15:04" wall clock, UTC
	EndTime        string
}

// Service coordinates the session and round state machines.
type Service struct {
	store     Store
	cache     cache.Cache
	whitelist WhitelistPrimer
	resolver  *settings.Resolver
	now       func() time.Time
}

// NewService wires a lifecycle service.
func NewService(store Store, c cache.Cache, primer WhitelistPrimer, resolver *settings.Resolver) *Service {
	return &Service{store: store, cache: c, whitelist: primer, resolver: resolver, now: time.Now}
}

// Store exposes the persistence surface to the orchestration layer.
func (s *Service) Store() Store { return s.store }

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

// CreateSessionsForSchedule expands a schedule slot into one Pending session
// per matching date inside the date range, each carrying a config snapshot
// materialized now. Time ranges that wrap midnight roll the end to the next
// day.
func (s *Service) CreateSessionsForSchedule(ctx context.Context, slot ScheduleSlot) ([]Session, error) {
	weekday, ok := weekdays[strings.ToLower(slot.Weekday)]
	if !ok {
		return nil, fault.BusinessRule(CodeInvalidConfig, "unknown weekday "+slot.Weekday)
	}

	startClock, err := time.Parse("15:04", slot.StartTime)
	if err != nil {
		return nil, fault.BusinessRule(CodeInvalidConfig, "bad start time "+slot.StartTime)
	}
	endClock, err := time.Parse("15:04", slot.EndTime)
	if err != nil {
		return nil, fault.BusinessRule(CodeInvalidConfig, "bad end time "+slot.EndTime)
	}

	cfg, err := s.resolver.Materialize(ctx, slot.ClassSectionID, slot.ScheduleID)
	if err != nil {
		return nil, fmt.Errorf("materialize settings for schedule %s: %w", slot.ScheduleID, err)
	}

	var sessions []Session
	for date := slot.StartDate.UTC().Truncate(24 * time.Hour); !date.After(slot.EndDate.UTC()); date = date.AddDate(0, 0, 1) {
		if date.Weekday() != weekday {
			continue
		}
		start := time.Date(date.Year(), date.Month(), date.Day(), startClock.Hour(), startClock.Minute(), 0, 0, time.UTC)
		end := time.Date(date.Year(), date.Month(), date.Day(), endClock.Hour(), endClock.Minute(), 0, 0, time.UTC)
		if !end.After(start) {
			end = end.AddDate(0, 0, 1)
		}
		sess, err := NewSession(slot.ScheduleID, slot.LecturerID, start, end, cfg)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	if len(sessions) == 0 {
		log.Printf("session: schedule %s has no %s inside its date range", slot.ScheduleID, slot.Weekday)
		return nil, nil
	}
	if err := s.store.InsertSessions(ctx, sessions); err != nil {
		return nil, err
	}
	log.Printf("session: created %d pending sessions for schedule %s", len(sessions), slot.ScheduleID)
	return sessions, nil
}

// CreateRounds slices the session window into rounds and persists them.
// Returns how many rounds were written.
func (s *Service) CreateRounds(ctx context.Context, sessionID string, total int, start, end time.Time, alreadyCreated int) (int, error) {
	rounds := SliceRounds(sessionID, total, start, end, alreadyCreated)
	if len(rounds) == 0 {
		log.Printf("session: no additional rounds to create for session %s", sessionID)
		return 0, nil
	}
	if err := s.store.InsertRounds(ctx, rounds); err != nil {
		return 0, err
	}
	log.Printf("session: created %d rounds for session %s", len(rounds), sessionID)
	return len(rounds), nil
}

// Start activates a session for its lecturer. On success the first round is
// Active, the whitelist is primed into the cache and the active-session and
// active-schedule markers are set, all with a TTL covering the remaining
// session plus buffer.
func (s *Service) Start(ctx context.Context, sessionID, requesterID string) (Session, error) {
	sess, err := s.store.SessionByID(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}

	if sess.LecturerID != requesterID {
		return Session{}, fault.BusinessRule(CodeLecturerNotAssigned, "requester is not the session's lecturer")
	}
	if sess.Status != SessionPending {
		return Session{}, fault.BusinessRule(CodeSessionNotPending, fmt.Sprintf("session is %s", sess.Status))
	}
	now := s.now().UTC()
	if !sess.WithinWindow(now) {
		return Session{}, fault.BusinessRule(CodeOutOfTimeWindow, "current time is outside the allowed start window")
	}

	ttl := sess.MarkerTTL(now)
	scheduleKey := cache.ActiveScheduleKey(sess.ScheduleID)
	acquired, err := s.cache.SetNX(ctx, scheduleKey, sess.ID, ttl)
	if err != nil {
		return Session{}, fault.Transient(fmt.Errorf("acquire schedule marker: %w", err))
	}
	if !acquired {
		return Session{}, fault.BusinessRule(CodeSessionAlreadyActive, "another session for this schedule is already active")
	}

	if err := sess.Activate(); err != nil {
		_ = s.cache.Delete(ctx, scheduleKey)
		return Session{}, err
	}
	if err := s.store.UpdateSessionStatus(ctx, sess.ID, SessionActive); err != nil {
		_ = s.cache.Delete(ctx, scheduleKey)
		return Session{}, fault.Transient(err)
	}

	rounds, err := s.store.RoundsBySession(ctx, sess.ID)
	if err != nil {
		return Session{}, fault.Transient(err)
	}
	activated := false
	for _, rd := range rounds {
		if rd.Number == 1 && rd.Status == RoundPending {
			if err := s.store.UpdateRoundStatus(ctx, rd.ID, RoundActive); err != nil {
				return Session{}, fault.Transient(err)
			}
			activated = true
			break
		}
	}
	if !activated {
		log.Printf("session: no pending first round to activate for session %s", sess.ID)
	}

	if err := s.whitelist.Prime(ctx, sess.ID, ttl); err != nil {
		log.Printf("session: priming whitelist for session %s failed: %v", sess.ID, err)
	}
	if err := s.cache.Set(ctx, cache.SessionActiveKey(sess.ID), string(SessionActive), ttl); err != nil {
		log.Printf("session: writing active marker for session %s failed: %v", sess.ID, err)
	}

	log.Printf("session: session %s started by lecturer %s, round 1 active", sess.ID, requesterID)
	return sess, nil
}

// Complete marks the session Completed. Idempotent; already-terminal
// sessions are untouched.
func (s *Service) Complete(ctx context.Context, sessionID string) error {
	sess, err := s.store.SessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Terminal() {
		return nil
	}
	return s.store.UpdateSessionStatus(ctx, sessionID, SessionCompleted)
}

// ClearMarkers removes the active-session and active-schedule markers once
// the session ends.
func (s *Service) ClearMarkers(ctx context.Context, sess Session) {
	if err := s.cache.Delete(ctx, cache.SessionActiveKey(sess.ID)); err != nil {
		log.Printf("session: deleting active marker for session %s failed: %v", sess.ID, err)
	}
	if err := s.cache.Delete(ctx, cache.ActiveScheduleKey(sess.ScheduleID)); err != nil {
		log.Printf("session: deleting schedule marker for %s failed: %v", sess.ScheduleID, err)
	}
}

// AssignLecturer reassigns the lecturer pre- or mid-session.
func (s *Service) AssignLecturer(ctx context.Context, sessionID, lecturerID string) error {
	if _, err := s.store.SessionByID(ctx, sessionID); err != nil {
		return err
	}
	return s.store.UpdateSessionLecturer(ctx, sessionID, lecturerID)
}

// AssignRound finds the open round of the session whose window contains ts.
// When several overlap, the latest start wins (lowest number on an exact
// tie). A Pending match is promoted to Active. No match returns nil: late
// or out-of-window scans stay unattributed, which is not an error.
func (s *Service) AssignRound(ctx context.Context, sessionID string, ts time.Time) (*Round, error) {
	rounds, err := s.store.RoundsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var candidates []Round
	for _, rd := range rounds {
		if rd.Open() && rd.Contains(ts) {
			candidates = append(candidates, rd)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].StartTime.Equal(candidates[j].StartTime) {
			return candidates[i].StartTime.After(candidates[j].StartTime)
		}
		return candidates[i].Number < candidates[j].Number
	})

	chosen := candidates[0]
	if chosen.Status == RoundPending {
		if err := s.store.UpdateRoundStatus(ctx, chosen.ID, RoundActive); err != nil {
			return nil, fault.Transient(err)
		}
		chosen.Status = RoundActive
		log.Printf("session: round %d of session %s promoted to Active on first data", chosen.Number, sessionID)
	}
	return &chosen, nil
}
