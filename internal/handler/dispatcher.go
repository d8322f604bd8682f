package handler

import (
	"context"
	"log"
	"time"

	"rollcall/internal/event"
	"rollcall/internal/fault"
	"rollcall/internal/metrics"
	"rollcall/internal/queue"
)

// HandlerFunc processes one queue message.
type HandlerFunc func(ctx context.Context, msg queue.Message) error

// Dispatcher routes queue messages to handlers and owns the retry and
// dead-letter decisions.
type Dispatcher struct {
	queue       queue.Queue
	routes      map[string]HandlerFunc
	maxAttempts int
}

// NewDispatcher builds the routing table over a handler set.
func NewDispatcher(q queue.Queue, h *Handlers, maxAttempts int) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Dispatcher{
		queue:       q,
		maxAttempts: maxAttempts,
		routes: map[string]HandlerFunc{
			event.TypeScheduleMaterialized: h.ScheduleMaterialized,
			event.TypeSessionCreated:       h.SessionCreated,
			event.TypeCreateRounds:         h.CreateRounds,
			event.TypeGenerateWhitelist:    h.GenerateWhitelist,
			event.TypeScanSubmitted:        h.ScanSubmitted,
			event.TypeCalculateRound:       h.CalculateRound,
			event.TypeSessionEndingEarly:   h.SessionEndingEarly,
			event.TypeFinalAttendance:      h.FinalAttendance,
			event.TypeLecturerAssigned:     h.LecturerAssigned,
			event.TypeScheduleDeleted:      h.ScheduleDeleted,
		},
	}
}

// Handle processes one message end to end: route, run, then decide between
// ack, retry with backoff, or dead-letter. Retryable faults get another
// delivery until maxAttempts; terminal faults park immediately.
func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) {
	handle, ok := d.routes[msg.Type]
	if !ok {
		log.Printf("dispatch: no handler for message type %q, parking", msg.Type)
		metrics.EventsHandled.WithLabelValues(msg.Type, "dead").Inc()
		if err := d.queue.Dead(ctx, msg, "unknown message type"); err != nil {
			log.Printf("dispatch: dead-letter failed: %v", err)
		}
		return
	}

	started := time.Now()
	err := handle(ctx, msg)
	metrics.HandlerDuration.WithLabelValues(msg.Type).Observe(time.Since(started).Seconds())

	if err == nil {
		metrics.EventsHandled.WithLabelValues(msg.Type, "ok").Inc()
		return
	}

	if fault.Retryable(err) && msg.Attempt+1 < d.maxAttempts {
		log.Printf("dispatch: %s attempt %d failed, retrying: %v", msg.Type, msg.Attempt+1, err)
		metrics.EventsHandled.WithLabelValues(msg.Type, "retry").Inc()
		if rerr := d.queue.Retry(ctx, msg); rerr != nil {
			log.Printf("dispatch: retry of %s failed: %v", msg.Type, rerr)
		}
		return
	}

	log.Printf("dispatch: %s parked after %d attempts: %v", msg.Type, msg.Attempt+1, err)
	metrics.EventsHandled.WithLabelValues(msg.Type, "dead").Inc()
	if derr := d.queue.Dead(ctx, msg, err.Error()); derr != nil {
		log.Printf("dispatch: dead-letter of %s failed: %v", msg.Type, derr)
	}
}

// Run consumes the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	msgs, err := d.queue.Consume(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			d.Handle(ctx, msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
