// Package queue carries domain events between the API and the worker with
// at-least-once delivery, bounded retry and a dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message represents work to be processed. Attempt counts deliveries that
// already failed; it travels with the message so retries survive restarts.
type Message struct {
	Type    string `json:"type"`
	Attempt int    `json:"attempt"`
	Body    []byte `json:"body"`
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
	// Retry republishes msg with its attempt counter bumped, after backoff.
	Retry(ctx context.Context, msg Message) error
	// Dead parks msg on the dead-letter path for manual inspection.
	Dead(ctx context.Context, msg Message, reason string) error
}

// Backoff computes the delay before redelivering a message that failed
// attempt times: base doubled per attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// InMemory is a minimal channel-backed queue for dev/testing.
type InMemory struct {
	ch      chan Message
	dead    chan Message
	base    time.Duration
	maxWait time.Duration
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{
		ch:      make(chan Message, size),
		dead:    make(chan Message, size),
		base:    time.Millisecond,
		maxWait: 10 * time.Millisecond,
	}
}

// Publish enqueues a message.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Retry requeues msg after a short delay.
func (q *InMemory) Retry(ctx context.Context, msg Message) error {
	msg.Attempt++
	wait := Backoff(q.base, q.maxWait, msg.Attempt)
	go func() {
		select {
		case <-time.After(wait):
			_ = q.Publish(context.Background(), msg)
		case <-ctx.Done():
		}
	}()
	return nil
}

// Dead moves msg to the in-memory dead-letter channel.
func (q *InMemory) Dead(_ context.Context, msg Message, _ string) error {
	select {
	case q.dead <- msg:
	default:
	}
	return nil
}

// DeadLetters exposes parked messages to tests.
func (q *InMemory) DeadLetters() <-chan Message { return q.dead }

// RedisQueue implements a Redis list-backed queue with a companion
// dead-letter list.
type RedisQueue struct {
	client  *redis.Client
	key     string
	deadKey string
	base    time.Duration
	maxWait time.Duration
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key, deadKey string, base, maxWait time.Duration) *RedisQueue {
	if key == "" {
		key = "rollcall:events"
	}
	if deadKey == "" {
		deadKey = "rollcall:dead"
	}
	if base <= 0 {
		base = 2 * time.Second
	}
	if maxWait <= 0 {
		maxWait = time.Minute
	}
	return &RedisQueue{client: client, key: key, deadKey: deadKey, base: base, maxWait: maxWait}
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Consume streams messages using BRPOP.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) == 2 {
				var msg Message
				if err := json.Unmarshal([]byte(res[1]), &msg); err == nil {
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// Retry requeues msg with backoff. The delay runs off the handler goroutine
// so a slow retry never blocks consumption.
func (q *RedisQueue) Retry(ctx context.Context, msg Message) error {
	msg.Attempt++
	wait := Backoff(q.base, q.maxWait, msg.Attempt)
	go func() {
		select {
		case <-time.After(wait):
			bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = q.Publish(bg, msg)
		case <-ctx.Done():
		}
	}()
	return nil
}

// Dead parks msg on the dead-letter list together with the failure reason.
func (q *RedisQueue) Dead(ctx context.Context, msg Message, reason string) error {
	envelope := struct {
		Message
		Reason   string    `json:"reason"`
		ParkedAt time.Time `json:"parked_at"`
	}{Message: msg, Reason: reason, ParkedAt: time.Now().UTC()}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.deadKey, data).Err()
}
