package session

import (
	"testing"
	"time"

	"rollcall/internal/settings"
)

func TestNewSessionRejectsInvertedWindow(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	_, err := NewSession("sched-1", "lect-1", start, start, settings.Snapshot{})
	if err == nil {
		t.Fatal("expected invalid-config error for zero-length session")
	}
	_, err = NewSession("sched-1", "lect-1", start, start.Add(-time.Hour), settings.Snapshot{})
	if err == nil {
		t.Fatal("expected invalid-config error for inverted window")
	}
}

func TestSessionLifecycle(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	sess, err := NewSession("sched-1", "lect-1", start, start.Add(time.Hour), settings.Snapshot{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if sess.Status != SessionPending {
		t.Fatalf("expected Pending, got %s", sess.Status)
	}

	if err := sess.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := sess.Activate(); err == nil {
		t.Fatal("expected second activation to fail")
	}

	sess.Complete()
	if sess.Status != SessionCompleted {
		t.Fatalf("expected Completed, got %s", sess.Status)
	}
	// Completing again must leave the terminal state alone.
	sess.Complete()
	if sess.Status != SessionCompleted {
		t.Fatalf("expected Completed to stick, got %s", sess.Status)
	}
}

func TestWithinWindow(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	sess := Session{
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Config:    settings.Snapshot{AttendanceWindowMinutes: 15},
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{name: "just inside early window", at: start.Add(-15 * time.Minute), want: true},
		{name: "too early", at: start.Add(-16 * time.Minute), want: false},
		{name: "mid session", at: start.Add(30 * time.Minute), want: true},
		{name: "just inside late window", at: start.Add(75 * time.Minute), want: true},
		{name: "too late", at: start.Add(76 * time.Minute), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sess.WithinWindow(tt.at); got != tt.want {
				t.Fatalf("WithinWindow(%s) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestMarkerTTLCoversRemainderPlusBuffer(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	sess := Session{
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Config:    settings.Snapshot{AttendanceWindowMinutes: 15},
	}

	ttl := sess.MarkerTTL(start.Add(20 * time.Minute))
	if want := 40*time.Minute + 30*time.Minute; ttl != want {
		t.Fatalf("expected ttl %s, got %s", want, ttl)
	}

	// A session past its end still gets the buffer.
	ttl = sess.MarkerTTL(start.Add(2 * time.Hour))
	if want := 30 * time.Minute; ttl != want {
		t.Fatalf("expected ttl %s, got %s", want, ttl)
	}
}

func TestRoundContains(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	rd := Round{StartTime: start, EndTime: start.Add(20 * time.Minute)}

	if rd.Contains(start.Add(-time.Second)) {
		t.Fatal("before start must not be contained")
	}
	if !rd.Contains(start) {
		t.Fatal("start is inclusive")
	}
	if rd.Contains(start.Add(20 * time.Minute)) {
		t.Fatal("end is exclusive")
	}

	open := Round{StartTime: start}
	if !open.Contains(start.Add(24 * time.Hour)) {
		t.Fatal("zero end time means open-ended")
	}
}

func TestSliceRounds(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	rounds := SliceRounds("sess-1", 3, start, end, 0)
	if len(rounds) != 3 {
		t.Fatalf("expected 3 rounds, got %d", len(rounds))
	}
	for i, rd := range rounds {
		if rd.Number != i+1 {
			t.Fatalf("round %d has number %d", i, rd.Number)
		}
		if rd.Status != RoundPending {
			t.Fatalf("round %d is %s, want Pending", i, rd.Status)
		}
	}
	if !rounds[0].StartTime.Equal(start) {
		t.Fatalf("first round starts at %s", rounds[0].StartTime)
	}
	if !rounds[1].StartTime.Equal(rounds[0].EndTime) {
		t.Fatal("rounds must tile without gaps")
	}
	if !rounds[2].EndTime.Equal(end) {
		t.Fatalf("last round must clamp to session end, got %s", rounds[2].EndTime)
	}
}

func TestSliceRoundsResumesAfterPartialCreate(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	rounds := SliceRounds("sess-1", 3, start, end, 2)
	if len(rounds) != 1 {
		t.Fatalf("expected 1 remaining round, got %d", len(rounds))
	}
	if rounds[0].Number != 3 {
		t.Fatalf("expected round number 3, got %d", rounds[0].Number)
	}

	if got := SliceRounds("sess-1", 3, start, end, 3); got != nil {
		t.Fatalf("expected nothing left to create, got %d rounds", len(got))
	}
}
