package session

import (
	"context"
	"sort"
	"testing"
	"time"

	"rollcall/internal/cache"
	"rollcall/internal/fault"
	"rollcall/internal/settings"
)

// memStore is an in-memory Store for service tests.
type memStore struct {
	sessions map[string]Session
	rounds   map[string]Round
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]Session{}, rounds: map[string]Round{}}
}

func (m *memStore) InsertSessions(_ context.Context, sessions []Session) error {
	for _, s := range sessions {
		if _, ok := m.sessions[s.ID]; !ok {
			m.sessions[s.ID] = s
		}
	}
	return nil
}

func (m *memStore) SessionByID(_ context.Context, id string) (Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fault.NotFound("session", id)
	}
	return s, nil
}

func (m *memStore) SessionsBySchedules(_ context.Context, scheduleIDs []string) ([]Session, error) {
	var out []Session
	for _, s := range m.sessions {
		for _, id := range scheduleIDs {
			if s.ScheduleID == id {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (m *memStore) UpdateSessionStatus(_ context.Context, id string, status SessionStatus) error {
	s := m.sessions[id]
	s.Status = status
	m.sessions[id] = s
	return nil
}

func (m *memStore) UpdateSessionLecturer(_ context.Context, id, lecturerID string) error {
	s := m.sessions[id]
	s.LecturerID = lecturerID
	m.sessions[id] = s
	return nil
}

func (m *memStore) DeleteBySchedule(_ context.Context, scheduleID string) (int, error) {
	n := 0
	for id, s := range m.sessions {
		if s.ScheduleID == scheduleID {
			delete(m.sessions, id)
			n++
		}
	}
	for id, rd := range m.rounds {
		if s, ok := m.sessions[rd.SessionID]; !ok || s.ScheduleID == scheduleID {
			delete(m.rounds, id)
		}
	}
	return n, nil
}

func (m *memStore) InsertRounds(_ context.Context, rounds []Round) error {
	for _, rd := range rounds {
		m.rounds[rd.ID] = rd
	}
	return nil
}

func (m *memStore) RoundByID(_ context.Context, id string) (Round, error) {
	rd, ok := m.rounds[id]
	if !ok {
		return Round{}, fault.NotFound("round", id)
	}
	return rd, nil
}

func (m *memStore) RoundsBySession(_ context.Context, sessionID string) ([]Round, error) {
	var out []Round
	for _, rd := range m.rounds {
		if rd.SessionID == sessionID {
			out = append(out, rd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *memStore) UpdateRoundStatus(_ context.Context, id string, status RoundStatus) error {
	rd := m.rounds[id]
	rd.Status = status
	m.rounds[id] = rd
	return nil
}

func (m *memStore) ElapsedActiveRounds(_ context.Context, now time.Time) ([]Round, error) {
	var out []Round
	for _, rd := range m.rounds {
		if rd.Status == RoundActive && !rd.EndTime.IsZero() && !rd.EndTime.After(now) {
			out = append(out, rd)
		}
	}
	return out, nil
}

func (m *memStore) ExpiredActiveSessions(_ context.Context, now time.Time) ([]Session, error) {
	var out []Session
	for _, s := range m.sessions {
		if s.Status == SessionActive && !s.EndTime.After(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

type noopPrimer struct{ primed []string }

func (p *noopPrimer) Prime(_ context.Context, sessionID string, _ time.Duration) error {
	p.primed = append(p.primed, sessionID)
	return nil
}

func newTestService(store *memStore, now time.Time) (*Service, *cache.Memory, *noopPrimer) {
	kv := cache.NewMemory()
	primer := &noopPrimer{}
	resolver := settings.NewResolver(settings.StaticSource{}, settings.Defaults{
		AttendanceWindowMinutes: 15,
		TotalAttendanceRounds:   3,
	})
	svc := NewService(store, kv, primer, resolver)
	svc.now = func() time.Time { return now }
	return svc, kv, primer
}

func seedSession(store *memStore, status SessionStatus, start time.Time) Session {
	sess, _ := NewSession("sched-1", "lect-1", start, start.Add(time.Hour), settings.Snapshot{
		AttendanceWindowMinutes: 15,
		TotalAttendanceRounds:   3,
	})
	sess.Status = status
	store.sessions[sess.ID] = sess
	for _, rd := range SliceRounds(sess.ID, 3, sess.StartTime, sess.EndTime, 0) {
		store.rounds[rd.ID] = rd
	}
	return sess
}

func TestStartActivatesSessionAndFirstRound(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := newMemStore()
	sess := seedSession(store, SessionPending, start)
	svc, kv, primer := newTestService(store, start.Add(time.Minute))
	ctx := context.Background()

	got, err := svc.Start(ctx, sess.ID, "lect-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got.Status != SessionActive {
		t.Fatalf("expected Active, got %s", got.Status)
	}

	rounds, _ := store.RoundsBySession(ctx, sess.ID)
	if rounds[0].Status != RoundActive {
		t.Fatalf("round 1 is %s, want Active", rounds[0].Status)
	}
	if rounds[1].Status != RoundPending {
		t.Fatalf("round 2 is %s, want Pending", rounds[1].Status)
	}

	if len(primer.primed) != 1 || primer.primed[0] != sess.ID {
		t.Fatalf("whitelist not primed: %v", primer.primed)
	}
	if ok, _ := kv.Exists(ctx, cache.SessionActiveKey(sess.ID)); !ok {
		t.Fatal("active session marker missing")
	}
	if ok, _ := kv.Exists(ctx, cache.ActiveScheduleKey(sess.ScheduleID)); !ok {
		t.Fatal("active schedule marker missing")
	}
}

func TestStartRejections(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		status    SessionStatus
		requester string
		at        time.Time
		wantCode  string
	}{
		{name: "wrong lecturer", status: SessionPending, requester: "intruder", at: start, wantCode: CodeLecturerNotAssigned},
		{name: "already active", status: SessionActive, requester: "lect-1", at: start, wantCode: CodeSessionNotPending},
		{name: "completed", status: SessionCompleted, requester: "lect-1", at: start, wantCode: CodeSessionNotPending},
		{name: "too early", status: SessionPending, requester: "lect-1", at: start.Add(-time.Hour), wantCode: CodeOutOfTimeWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			sess := seedSession(store, tt.status, start)
			svc, _, _ := newTestService(store, tt.at)

			_, err := svc.Start(context.Background(), sess.ID, tt.requester)
			if fault.Code(err) != tt.wantCode {
				t.Fatalf("expected code %s, got %v", tt.wantCode, err)
			}
			if fault.Retryable(err) {
				t.Fatal("start rejections must not retry")
			}
		})
	}
}

func TestStartBlocksSecondSessionOfSchedule(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := newMemStore()
	sess := seedSession(store, SessionPending, start)
	svc, kv, _ := newTestService(store, start)

	ctx := context.Background()
	// Another session of the same schedule already holds the marker.
	if _, err := kv.SetNX(ctx, cache.ActiveScheduleKey(sess.ScheduleID), "other-session", time.Hour); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	_, err := svc.Start(ctx, sess.ID, "lect-1")
	if fault.Code(err) != CodeSessionAlreadyActive {
		t.Fatalf("expected %s, got %v", CodeSessionAlreadyActive, err)
	}
}

func TestStartUnknownSession(t *testing.T) {
	svc, _, _ := newTestService(newMemStore(), time.Now())
	_, err := svc.Start(context.Background(), "missing", "lect-1")
	if !fault.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestAssignRoundPicksLatestOverlapping(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := newMemStore()
	sess := seedSession(store, SessionActive, start)
	svc, _, _ := newTestService(store, start)
	ctx := context.Background()

	// 10:25 falls inside round 2 (10:20 - 10:40) only.
	rd, err := svc.AssignRound(ctx, sess.ID, start.Add(25*time.Minute))
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if rd == nil || rd.Number != 2 {
		t.Fatalf("expected round 2, got %+v", rd)
	}
	if rd.Status != RoundActive {
		t.Fatalf("matched pending round must be promoted, got %s", rd.Status)
	}

	// A scan outside every round window stays unattributed.
	rd, err = svc.AssignRound(ctx, sess.ID, start.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("assign out of window: %v", err)
	}
	if rd != nil {
		t.Fatalf("expected no round, got %+v", rd)
	}
}

func TestAssignRoundSkipsClosedRounds(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := newMemStore()
	sess := seedSession(store, SessionActive, start)
	svc, _, _ := newTestService(store, start)
	ctx := context.Background()

	rounds, _ := store.RoundsBySession(ctx, sess.ID)
	if err := store.UpdateRoundStatus(ctx, rounds[0].ID, RoundCompleted); err != nil {
		t.Fatalf("close round: %v", err)
	}

	rd, err := svc.AssignRound(ctx, sess.ID, start.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if rd != nil {
		t.Fatalf("completed round must not accept scans, got round %d", rd.Number)
	}
}

func TestCreateSessionsForSchedule(t *testing.T) {
	store := newMemStore()
	svc, _, _ := newTestService(store, time.Now())

	sessions, err := svc.CreateSessionsForSchedule(context.Background(), ScheduleSlot{
		ScheduleID:     "sched-1",
		LecturerID:     "lect-1",
		ClassSectionID: "sec-1",
		Weekday:        "Monday",
		StartDate:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), // a Sunday
		EndDate:        time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		StartTime:      "10:00",
		EndTime:        "12:00",
	})
	if err != nil {
		t.Fatalf("create sessions: %v", err)
	}
	// March 2026 Mondays: 2, 9, 16, 23, 30.
	if len(sessions) != 5 {
		t.Fatalf("expected 5 sessions, got %d", len(sessions))
	}
	for _, sess := range sessions {
		if sess.StartTime.Weekday() != time.Monday {
			t.Fatalf("session on %s, want Monday", sess.StartTime.Weekday())
		}
		if sess.Status != SessionPending {
			t.Fatalf("session is %s, want Pending", sess.Status)
		}
		if sess.Config.TotalAttendanceRounds != 3 {
			t.Fatalf("config not snapshotted: %+v", sess.Config)
		}
	}
}

func TestCreateSessionsForScheduleOvernight(t *testing.T) {
	store := newMemStore()
	svc, _, _ := newTestService(store, time.Now())

	sessions, err := svc.CreateSessionsForSchedule(context.Background(), ScheduleSlot{
		ScheduleID: "sched-night",
		LecturerID: "lect-1",
		Weekday:    "friday",
		StartDate:  time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC),
		StartTime:  "23:00",
		EndTime:    "01:00",
	})
	if err != nil {
		t.Fatalf("create sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if !sessions[0].EndTime.After(sessions[0].StartTime) {
		t.Fatal("overnight session must roll its end to the next day")
	}
	if got := sessions[0].EndTime.Sub(sessions[0].StartTime); got != 2*time.Hour {
		t.Fatalf("expected 2h duration, got %s", got)
	}
}

func TestCreateSessionsForScheduleBadSlot(t *testing.T) {
	svc, _, _ := newTestService(newMemStore(), time.Now())

	tests := []struct {
		name string
		slot ScheduleSlot
	}{
		{name: "unknown weekday", slot: ScheduleSlot{Weekday: "Blursday", StartTime: "10:00", EndTime: "11:00"}},
		{name: "bad start time", slot: ScheduleSlot{Weekday: "Monday", StartTime: "25:99", EndTime: "11:00"}},
		{name: "bad end time", slot: ScheduleSlot{Weekday: "Monday", StartTime: "10:00", EndTime: "noonish"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateSessionsForSchedule(context.Background(), tt.slot)
			if fault.Code(err) != CodeInvalidConfig {
				t.Fatalf("expected %s, got %v", CodeInvalidConfig, err)
			}
		})
	}
}

func TestCompleteIdempotent(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := newMemStore()
	sess := seedSession(store, SessionActive, start)
	svc, _, _ := newTestService(store, start)
	ctx := context.Background()

	if err := svc.Complete(ctx, sess.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := svc.Complete(ctx, sess.ID); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	got, _ := store.SessionByID(ctx, sess.ID)
	if got.Status != SessionCompleted {
		t.Fatalf("expected Completed, got %s", got.Status)
	}
}
