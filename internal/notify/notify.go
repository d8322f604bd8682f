// Package notify publishes fire-and-forget progress events over redis
// pub/sub for dashboards. Delivery is best effort; failures are logged and
// swallowed so notifications never block the pipeline.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel names.
const (
	ChannelSessions = "rollcall:sessions"
	ChannelRounds   = "rollcall:rounds"
)

// Notifier publishes session and round progress.
type Notifier struct {
	client *redis.Client
}

// New wraps an existing redis client.
func New(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

type envelope struct {
	Event     string    `json:"event"`
	SessionID string    `json:"session_id"`
	RoundID   string    `json:"round_id,omitempty"`
	Detail    any       `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// SessionStarted announces a session going Active.
func (n *Notifier) SessionStarted(ctx context.Context, sessionID string) {
	n.publish(ctx, ChannelSessions, envelope{Event: "session.started", SessionID: sessionID})
}

// SessionEnded announces a session reaching Completed.
func (n *Notifier) SessionEnded(ctx context.Context, sessionID string) {
	n.publish(ctx, ChannelSessions, envelope{Event: "session.ended", SessionID: sessionID})
}

// RoundCalculated announces one round's attendance result.
func (n *Notifier) RoundCalculated(ctx context.Context, sessionID, roundID string, attended int) {
	n.publish(ctx, ChannelRounds, envelope{
		Event:     "round.calculated",
		SessionID: sessionID,
		RoundID:   roundID,
		Detail:    map[string]int{"attended": attended},
	})
}

// AttendanceFinalized announces the terminal reconciliation for a session.
func (n *Notifier) AttendanceFinalized(ctx context.Context, sessionID string) {
	n.publish(ctx, ChannelSessions, envelope{Event: "attendance.finalized", SessionID: sessionID})
}

func (n *Notifier) publish(ctx context.Context, channel string, ev envelope) {
	if n == nil || n.client == nil {
		return
	}
	ev.At = time.Now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("notify: marshal %s: %v", ev.Event, err)
		return
	}
	if err := n.client.Publish(ctx, channel, data).Err(); err != nil {
		log.Printf("notify: publish %s: %v", ev.Event, err)
	}
}
