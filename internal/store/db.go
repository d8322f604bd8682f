// Package store owns the connections to the three backends the pipeline
// uses: Postgres for sessions, rounds and attendance records, Mongo for
// scan logs, whitelists and tracks, and Redis for cache, markers and the
// queue.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB is the relational store holding the session and round state machines
// and the final attendance records.
type DB struct {
	Client *sql.DB
}

// NewDB opens the Postgres pool via pgx and pings it within a bounded
// startup window. On ping failure the pool is still returned alongside the
// error: the API runs degraded without Postgres, the worker treats it as
// fatal.
func NewDB(connString string) (*DB, error) {
	pool, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pool.SetMaxOpenConns(16)
	pool.SetMaxIdleConns(4)
	pool.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		return &DB{Client: pool}, fmt.Errorf("ping postgres: %w", err)
	}
	return &DB{Client: pool}, nil
}

// Close releases the pool. Safe on a nil receiver.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
