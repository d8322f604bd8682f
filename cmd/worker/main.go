package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rollcall/internal/cache"
	"rollcall/internal/config"
	"rollcall/internal/detect"
	"rollcall/internal/handler"
	"rollcall/internal/notify"
	"rollcall/internal/queue"
	"rollcall/internal/roster"
	"rollcall/internal/scan"
	"rollcall/internal/session"
	"rollcall/internal/settings"
	"rollcall/internal/store"
	"rollcall/internal/track"
	"rollcall/internal/whitelist"
)

// Worker consumes pipeline events: session materialization, round slicing,
// whitelist generation, scan intake, attendance calculation and the final
// reconciliation. It also runs the watcher that closes elapsed rounds.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()
	if err := store.Migrate(ctx, db.Client); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}

	docs, err := store.NewMongo(cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		log.Fatalf("mongo connect failed: %v", err)
	}
	defer func() { _ = docs.Close(context.Background()) }()

	redisClient := store.NewRedis(cfg.RedisAddr)
	kv := cache.NewRedisCache(redisClient.Client)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey, cfg.DeadLetterKey, cfg.RetryBackoff, cfg.MaxRetryBackoff)
	}

	ros := roster.New(cfg.RosterServiceURL, cfg.RosterSkip)
	if !cfg.RosterSkip {
		if err := ros.Health(ctx); err != nil {
			log.Printf("WARNING: roster service not available: %v", err)
			log.Println("worker will retry roster lookups when events arrive")
		} else {
			log.Println("roster service connected")
		}
	}

	resolver := settings.NewResolver(settings.StaticSource{}, settings.Defaults{
		AttendanceWindowMinutes: cfg.AttendanceWindowMinutes,
		TotalAttendanceRounds:   cfg.TotalAttendanceRounds,
	})

	repo := session.NewRepository(db.Client)
	whitelists := whitelist.NewResolver(whitelist.NewStore(docs.DB), kv, ros)
	sessions := session.NewService(repo, kv, whitelists, resolver)
	scans := scan.NewRepository(docs.DB)
	engine := detect.NewEngine(whitelists, scans, ros)
	tracks := track.NewService(
		track.NewRoundTrackStore(docs.DB),
		track.NewStudentTrackStore(docs.DB),
		track.NewRecordStore(db.Client),
		ros, ros, kv,
	)
	notifier := notify.New(redisClient.Client)

	handlers := handler.New(sessions, whitelists, scans, engine, tracks, ros, q, kv, notifier, cfg.AttendanceThreshold)
	dispatcher := handler.NewDispatcher(q, handlers, cfg.MaxAttempts)
	watcher := handler.NewWatcher(repo, q, kv, cfg.RoundWatchInterval)

	go watcher.Run(ctx)

	log.Println("worker started, waiting for messages...")
	if err := dispatcher.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("dispatcher stopped: %v", err)
	}
	log.Println("worker stopped")
}
