package handler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"rollcall/internal/cache"
	"rollcall/internal/event"
	"rollcall/internal/fault"
	"rollcall/internal/queue"
	"rollcall/internal/session"
	"rollcall/internal/settings"
)

// fakeStore is the minimal session.Store used by watcher and scan tests.
type fakeStore struct {
	sessions map[string]session.Session
	rounds   map[string]session.Round
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]session.Session{}, rounds: map[string]session.Round{}}
}

func (f *fakeStore) InsertSessions(_ context.Context, sessions []session.Session) error {
	for _, s := range sessions {
		f.sessions[s.ID] = s
	}
	return nil
}

func (f *fakeStore) SessionByID(_ context.Context, id string) (session.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return session.Session{}, fault.NotFound("session", id)
	}
	return s, nil
}

func (f *fakeStore) SessionsBySchedules(context.Context, []string) ([]session.Session, error) {
	return nil, nil
}

func (f *fakeStore) UpdateSessionStatus(_ context.Context, id string, status session.SessionStatus) error {
	s := f.sessions[id]
	s.Status = status
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) UpdateSessionLecturer(context.Context, string, string) error { return nil }

func (f *fakeStore) DeleteBySchedule(context.Context, string) (int, error) { return 0, nil }

func (f *fakeStore) InsertRounds(_ context.Context, rounds []session.Round) error {
	for _, rd := range rounds {
		f.rounds[rd.ID] = rd
	}
	return nil
}

func (f *fakeStore) RoundByID(_ context.Context, id string) (session.Round, error) {
	rd, ok := f.rounds[id]
	if !ok {
		return session.Round{}, fault.NotFound("round", id)
	}
	return rd, nil
}

func (f *fakeStore) RoundsBySession(_ context.Context, sessionID string) ([]session.Round, error) {
	var out []session.Round
	for _, rd := range f.rounds {
		if rd.SessionID == sessionID {
			out = append(out, rd)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateRoundStatus(_ context.Context, id string, status session.RoundStatus) error {
	rd := f.rounds[id]
	rd.Status = status
	f.rounds[id] = rd
	return nil
}

func (f *fakeStore) ElapsedActiveRounds(_ context.Context, now time.Time) ([]session.Round, error) {
	var out []session.Round
	for _, rd := range f.rounds {
		if rd.Status == session.RoundActive && !rd.EndTime.IsZero() && !rd.EndTime.After(now) {
			out = append(out, rd)
		}
	}
	return out, nil
}

func (f *fakeStore) ExpiredActiveSessions(_ context.Context, now time.Time) ([]session.Session, error) {
	var out []session.Session
	for _, s := range f.sessions {
		if s.Status == session.SessionActive && !s.EndTime.After(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

type nopPrimer struct{}

func (nopPrimer) Prime(context.Context, string, time.Duration) error { return nil }

func drain(t *testing.T, q *queue.InMemory) []queue.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	var out []queue.Message
	for {
		select {
		case msg := <-msgs:
			out = append(out, msg)
		case <-ctx.Done():
			return out
		}
	}
}

func TestWatcherQueuesElapsedRounds(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 45, 0, 0, time.UTC)
	store := newFakeStore()
	store.sessions["sess-1"] = session.Session{
		ID:      "sess-1",
		Status:  session.SessionActive,
		EndTime: now.Add(15 * time.Minute),
		Config:  settings.Snapshot{TotalAttendanceRounds: 3, AttendanceWindowMinutes: 15},
	}
	store.rounds["r2"] = session.Round{
		ID: "r2", SessionID: "sess-1", Number: 2, Status: session.RoundActive,
		StartTime: now.Add(-25 * time.Minute), EndTime: now.Add(-5 * time.Minute),
	}
	store.rounds["r3"] = session.Round{
		ID: "r3", SessionID: "sess-1", Number: 3, Status: session.RoundActive,
		StartTime: now.Add(-5 * time.Minute), EndTime: now.Add(15 * time.Minute),
	}

	q := queue.NewInMemory(8)
	w := NewWatcher(store, q, cache.NewMemory(), 15*time.Second)
	w.now = func() time.Time { return now }

	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	msgs := drain(t, q)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 calculation request, got %d", len(msgs))
	}
	var ev event.CalculateRound
	if err := event.Unwrap(msgs[0], &ev); err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if ev.RoundID != "r2" || ev.IsFinalRound {
		t.Fatalf("unexpected request: %+v", ev)
	}
}

func TestWatcherFlagsFinalRound(t *testing.T) {
	now := time.Date(2026, 3, 2, 11, 5, 0, 0, time.UTC)
	store := newFakeStore()
	store.sessions["sess-1"] = session.Session{
		ID:      "sess-1",
		Status:  session.SessionActive,
		EndTime: now.Add(-5 * time.Minute),
		Config:  settings.Snapshot{TotalAttendanceRounds: 3, AttendanceWindowMinutes: 15},
	}
	store.rounds["r3"] = session.Round{
		ID: "r3", SessionID: "sess-1", Number: 3, Status: session.RoundActive,
		StartTime: now.Add(-25 * time.Minute), EndTime: now.Add(-5 * time.Minute),
	}

	q := queue.NewInMemory(8)
	w := NewWatcher(store, q, cache.NewMemory(), 15*time.Second)
	w.now = func() time.Time { return now }

	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	msgs := drain(t, q)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(msgs))
	}
	var ev event.CalculateRound
	_ = event.Unwrap(msgs[0], &ev)
	if !ev.IsFinalRound {
		t.Fatal("round 3 of 3 must be flagged final")
	}
}

func TestWatcherSuppressesDuplicateRequests(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 45, 0, 0, time.UTC)
	store := newFakeStore()
	store.sessions["sess-1"] = session.Session{
		ID: "sess-1", Status: session.SessionActive,
		EndTime: now.Add(35 * time.Minute),
		Config:  settings.Snapshot{TotalAttendanceRounds: 3, AttendanceWindowMinutes: 15},
	}
	store.rounds["r1"] = session.Round{
		ID: "r1", SessionID: "sess-1", Number: 1, Status: session.RoundActive,
		StartTime: now.Add(-25 * time.Minute), EndTime: now.Add(-5 * time.Minute),
	}

	q := queue.NewInMemory(8)
	w := NewWatcher(store, q, cache.NewMemory(), 15*time.Second)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	if err := w.Sweep(ctx); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if err := w.Sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if msgs := drain(t, q); len(msgs) != 1 {
		t.Fatalf("back-to-back sweeps duplicated requests: %d", len(msgs))
	}
}

func TestWatcherEndsExpiredSessions(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	// Ended 40 minutes ago with a 30 minute grace: needs a forced close.
	store.sessions["stale"] = session.Session{
		ID:      "stale",
		Status:  session.SessionActive,
		EndTime: now.Add(-40 * time.Minute),
		Config:  settings.Snapshot{TotalAttendanceRounds: 2, AttendanceWindowMinutes: 15},
	}
	store.rounds["s-r1"] = session.Round{
		ID: "s-r1", SessionID: "stale", Number: 1, Status: session.RoundCompleted,
		StartTime: now.Add(-100 * time.Minute), EndTime: now.Add(-70 * time.Minute),
	}
	store.rounds["s-r2"] = session.Round{
		ID: "s-r2", SessionID: "stale", Number: 2, Status: session.RoundCompleted,
		StartTime: now.Add(-70 * time.Minute), EndTime: now.Add(-40 * time.Minute),
	}
	// Ended 10 minutes ago: still inside the grace, left alone.
	store.sessions["fresh"] = session.Session{
		ID:      "fresh",
		Status:  session.SessionActive,
		EndTime: now.Add(-10 * time.Minute),
		Config:  settings.Snapshot{TotalAttendanceRounds: 2, AttendanceWindowMinutes: 15},
	}

	q := queue.NewInMemory(8)
	w := NewWatcher(store, q, cache.NewMemory(), 15*time.Second)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	if err := w.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if err := w.Sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	msgs := drain(t, q)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 early-end request, got %d", len(msgs))
	}
	if msgs[0].Type != event.TypeSessionEndingEarly {
		t.Fatalf("unexpected message type %q", msgs[0].Type)
	}
	var ev event.SessionEndingEarly
	if err := event.Unwrap(msgs[0], &ev); err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if ev.SessionID != "stale" || ev.ActiveRoundID != "" {
		t.Fatalf("unexpected request: %+v", ev)
	}
}

func TestDispatcherParksUnknownType(t *testing.T) {
	q := queue.NewInMemory(8)
	d := NewDispatcher(q, &Handlers{}, 3)

	d.Handle(context.Background(), queue.Message{Type: "nonsense"})

	select {
	case msg := <-q.DeadLetters():
		if msg.Type != "nonsense" {
			t.Fatalf("unexpected dead letter: %+v", msg)
		}
	default:
		t.Fatal("unknown type must be parked")
	}
}

func TestDispatcherParksMalformedPayload(t *testing.T) {
	q := queue.NewInMemory(8)
	d := NewDispatcher(q, &Handlers{}, 3)

	d.Handle(context.Background(), queue.Message{Type: event.TypeCreateRounds, Body: []byte("{not json")})

	select {
	case <-q.DeadLetters():
	default:
		t.Fatal("malformed payloads must park, not retry")
	}
}

func TestDispatcherRetriesThenParks(t *testing.T) {
	store := newFakeStore()
	kv := cache.NewMemory()
	resolver := settings.NewResolver(settings.StaticSource{}, settings.Defaults{})
	sessions := session.NewService(store, kv, nopPrimer{}, resolver)
	h := New(sessions, nil, nil, nil, nil, nil, nil, kv, nil, 75.0)

	q := queue.NewInMemory(8)
	d := NewDispatcher(q, h, 3)
	ctx := context.Background()

	// A scan for a session that does not exist yet is retryable.
	body, _ := json.Marshal(event.ScanSubmitted{SessionID: "ghost", DeviceID: "dev-a", Timestamp: time.Now()})
	msg := queue.Message{Type: event.TypeScanSubmitted, Body: body}

	d.Handle(ctx, msg)
	retried := drain(t, q)
	if len(retried) != 1 || retried[0].Attempt != 1 {
		t.Fatalf("expected one retried message with attempt 1, got %+v", retried)
	}

	// At the attempt ceiling the message parks instead.
	msg.Attempt = 2
	d.Handle(ctx, msg)
	select {
	case parked := <-q.DeadLetters():
		if parked.Type != event.TypeScanSubmitted {
			t.Fatalf("unexpected dead letter: %+v", parked)
		}
	default:
		t.Fatal("exhausted message must park")
	}
}

func TestScanForInactiveSessionIsDropped(t *testing.T) {
	store := newFakeStore()
	store.sessions["sess-1"] = session.Session{ID: "sess-1", Status: session.SessionCompleted}
	kv := cache.NewMemory()
	resolver := settings.NewResolver(settings.StaticSource{}, settings.Defaults{})
	sessions := session.NewService(store, kv, nopPrimer{}, resolver)
	h := New(sessions, nil, nil, nil, nil, nil, nil, kv, nil, 75.0)

	body, _ := json.Marshal(event.ScanSubmitted{SessionID: "sess-1", DeviceID: "dev-a", Timestamp: time.Now()})
	err := h.ScanSubmitted(context.Background(), queue.Message{Type: event.TypeScanSubmitted, Body: body})
	if err != nil {
		t.Fatalf("dropping a stale scan must not error: %v", err)
	}
}

func TestEndEarlyFinalizesPendingRounds(t *testing.T) {
	store := newFakeStore()
	store.sessions["sess-1"] = session.Session{ID: "sess-1", ScheduleID: "sched-1", Status: session.SessionActive}
	store.rounds["r1"] = session.Round{ID: "r1", SessionID: "sess-1", Number: 1, Status: session.RoundCompleted}
	store.rounds["r2"] = session.Round{ID: "r2", SessionID: "sess-1", Number: 2, Status: session.RoundPending}
	store.rounds["r3"] = session.Round{ID: "r3", SessionID: "sess-1", Number: 3, Status: session.RoundPending}

	kv := cache.NewMemory()
	resolver := settings.NewResolver(settings.StaticSource{}, settings.Defaults{})
	sessions := session.NewService(store, kv, nopPrimer{}, resolver)
	q := queue.NewInMemory(8)
	h := New(sessions, nil, nil, nil, nil, nil, q, kv, nil, 75.0)

	body, _ := json.Marshal(event.SessionEndingEarly{SessionID: "sess-1", PendingRoundIDs: []string{"r2", "r3"}})
	if err := h.SessionEndingEarly(context.Background(), queue.Message{Type: event.TypeSessionEndingEarly, Body: body}); err != nil {
		t.Fatalf("end early: %v", err)
	}

	if store.rounds["r2"].Status != session.RoundFinalized || store.rounds["r3"].Status != session.RoundFinalized {
		t.Fatalf("pending rounds must finalize, got %s and %s", store.rounds["r2"].Status, store.rounds["r3"].Status)
	}
	if store.sessions["sess-1"].Status != session.SessionCompleted {
		t.Fatalf("session must complete, got %s", store.sessions["sess-1"].Status)
	}

	msgs := drain(t, q)
	if len(msgs) != 1 || msgs[0].Type != event.TypeFinalAttendance {
		t.Fatalf("expected one finalize request, got %+v", msgs)
	}
	var fin event.FinalAttendance
	if err := event.Unwrap(msgs[0], &fin); err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	// Only the round that actually completed counts; finalized rounds do not.
	if fin.ActualRoundCount != 1 {
		t.Fatalf("actual round count = %d, want 1", fin.ActualRoundCount)
	}
}
