package handler

import (
	"context"
	"log"
	"time"

	"rollcall/internal/cache"
	"rollcall/internal/event"
	"rollcall/internal/queue"
	"rollcall/internal/session"
)

// Watcher turns elapsed rounds into calculation requests. Rounds stay
// Active until their calculation persists, so the watcher suppresses
// duplicate requests with a short-lived marker rather than by status.
type Watcher struct {
	store    session.Store
	queue    queue.Queue
	cache    cache.Cache
	interval time.Duration
	now      func() time.Time
}

// NewWatcher builds a round watcher.
func NewWatcher(store session.Store, q queue.Queue, c cache.Cache, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Watcher{
		store:    store,
		queue:    q,
		cache:    c,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				log.Printf("watcher: sweep failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep publishes a calculation request for every Active round whose window
// has closed. Returns how publishing went; individual rounds failing to
// enqueue are logged and retried on the next tick.
func (w *Watcher) Sweep(ctx context.Context) error {
	rounds, err := w.store.ElapsedActiveRounds(ctx, w.now())
	if err != nil {
		return err
	}

	sessions := map[string]session.Session{}
	for _, rd := range rounds {
		marker := "round_calc_requested:" + rd.ID
		fresh, err := w.cache.SetNX(ctx, marker, true, 2*w.interval)
		if err != nil {
			log.Printf("watcher: marker for round %s: %v", rd.ID, err)
		} else if !fresh {
			continue
		}

		sess, ok := sessions[rd.SessionID]
		if !ok {
			sess, err = w.store.SessionByID(ctx, rd.SessionID)
			if err != nil {
				log.Printf("watcher: session %s for round %s: %v", rd.SessionID, rd.ID, err)
				continue
			}
			sessions[rd.SessionID] = sess
		}

		total := sess.Config.TotalAttendanceRounds
		msg, err := event.Wrap(event.TypeCalculateRound, event.CalculateRound{
			SessionID:    rd.SessionID,
			RoundID:      rd.ID,
			IsFinalRound: total > 0 && rd.Number >= total,
			TotalRounds:  total,
		})
		if err != nil {
			log.Printf("watcher: wrap calculate for round %s: %v", rd.ID, err)
			continue
		}
		if err := w.queue.Publish(ctx, msg); err != nil {
			log.Printf("watcher: publish calculate for round %s: %v", rd.ID, err)
			continue
		}
		log.Printf("watcher: round %d of session %s elapsed, calculation queued", rd.Number, rd.SessionID)
	}

	return w.sweepExpiredSessions(ctx)
}

// sweepExpiredSessions ends Active sessions whose window passed long ago and
// that nothing else closed, usually because the lecturer never ended them.
// The grace of twice the attendance window matches the active markers' TTL
// buffer, so a session is only force-ended after its markers lapse.
func (w *Watcher) sweepExpiredSessions(ctx context.Context) error {
	now := w.now()
	sessions, err := w.store.ExpiredActiveSessions(ctx, now)
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		grace := 2 * time.Duration(sess.Config.AttendanceWindowMinutes) * time.Minute
		if now.Before(sess.EndTime.Add(grace)) {
			continue
		}
		marker := "session_expire_requested:" + sess.ID
		fresh, err := w.cache.SetNX(ctx, marker, true, 2*w.interval)
		if err != nil {
			log.Printf("watcher: expire marker for session %s: %v", sess.ID, err)
		} else if !fresh {
			continue
		}

		rounds, err := w.store.RoundsBySession(ctx, sess.ID)
		if err != nil {
			log.Printf("watcher: rounds for expired session %s: %v", sess.ID, err)
			continue
		}
		ev := event.SessionEndingEarly{SessionID: sess.ID}
		for _, rd := range rounds {
			switch rd.Status {
			case session.RoundActive:
				ev.ActiveRoundID = rd.ID
			case session.RoundPending:
				ev.PendingRoundIDs = append(ev.PendingRoundIDs, rd.ID)
			}
		}
		msg, err := event.Wrap(event.TypeSessionEndingEarly, ev)
		if err != nil {
			log.Printf("watcher: wrap expiry for session %s: %v", sess.ID, err)
			continue
		}
		if err := w.queue.Publish(ctx, msg); err != nil {
			log.Printf("watcher: publish expiry for session %s: %v", sess.ID, err)
			continue
		}
		log.Printf("watcher: session %s expired unclosed, early end queued", sess.ID)
	}
	return nil
}
