package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/auth"
	"rollcall/internal/cache"
	"rollcall/internal/config"
	"rollcall/internal/event"
	"rollcall/internal/fault"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/notify"
	"rollcall/internal/queue"
	"rollcall/internal/roster"
	"rollcall/internal/session"
	"rollcall/internal/settings"
	"rollcall/internal/store"
	"rollcall/internal/track"
	"rollcall/internal/whitelist"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() { _ = db.Close() }()
	if db != nil {
		if err := store.Migrate(context.Background(), db.Client); err != nil {
			log.Printf("warning: migrate failed: %v", err)
		}
	}

	docs, err := store.NewMongo(cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return err
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
	resolver := settings.NewResolver(settings.StaticSource{}, settings.Defaults{
		AttendanceWindowMinutes: cfg.AttendanceWindowMinutes,
		TotalAttendanceRounds:   cfg.TotalAttendanceRounds,
	})

	repo := session.NewRepository(db.Client)
	whitelists := whitelist.NewResolver(whitelist.NewStore(docs.DB), kv, ros)
	sessions := session.NewService(repo, kv, whitelists, resolver)
	records := track.NewRecordStore(db.Client)
	roundTracks := track.NewRoundTrackStore(docs.DB)
	notifier := notify.New(redisClient.Client)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware()

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil && db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/devices/register", limiter, func(c *gin.Context) {
		var req struct {
			UserID   string `json:"user_id" binding:"required"`
			DeviceID string `json:"device_id" binding:"required"`
			Role     string `json:"role"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Role == "" {
			req.Role = "Student"
		}

		// The roster service owns device registration; reject tokens for
		// devices it does not know.
		known, err := ros.DeviceForUser(c.Request.Context(), req.UserID)
		if err != nil && !fault.IsNotFound(err) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "roster lookup failed"})
			return
		}
		if known != "" && known != req.DeviceID {
			c.JSON(http.StatusForbidden, gin.H{"error": "device not registered to user"})
			return
		}

		tokens, err := auth.Issue(req.UserID, req.Role, req.DeviceID, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/auth/refresh", limiter, func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, err := auth.Parse(req.RefreshToken, cfg.JWTSigningKey, cfg.JWTIssuer)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		tokens, err := auth.Issue(claims.Subject, claims.Role, claims.DeviceID, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	// The limiter sits behind auth so device claims key the buckets.
	authGroup := r.Group("/v1", auth.DeviceAuth(cfg.JWTSigningKey, cfg.JWTIssuer), limiter)

	authGroup.POST("/sessions/:id/start", func(c *gin.Context) {
		claims, _ := auth.ClaimsFrom(c)
		sess, err := sessions.Start(c.Request.Context(), c.Param("id"), claims.Subject)
		if err != nil {
			respondFault(c, err)
			return
		}
		notifier.SessionStarted(c.Request.Context(), sess.ID)
		c.JSON(http.StatusOK, gin.H{
			"session_id": sess.ID,
			"status":     sess.Status,
			"start_time": sess.StartTime,
			"end_time":   sess.EndTime,
		})
	})

	authGroup.POST("/sessions/:id/end", func(c *gin.Context) {
		ctx := c.Request.Context()
		sessionID := c.Param("id")

		claims, _ := auth.ClaimsFrom(c)
		sess, err := repo.SessionByID(ctx, sessionID)
		if err != nil {
			respondFault(c, err)
			return
		}
		if sess.LecturerID != claims.Subject {
			c.JSON(http.StatusForbidden, gin.H{"error": "only the session's lecturer may end it"})
			return
		}

		rounds, err := repo.RoundsBySession(ctx, sessionID)
		if err != nil {
			respondFault(c, err)
			return
		}
		ev := event.SessionEndingEarly{SessionID: sessionID}
		for _, rd := range rounds {
			switch rd.Status {
			case session.RoundActive:
				ev.ActiveRoundID = rd.ID
			case session.RoundPending:
				ev.PendingRoundIDs = append(ev.PendingRoundIDs, rd.ID)
			}
		}

		if err := publish(ctx, q, event.TypeSessionEndingEarly, ev); err != nil {
			respondFault(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "status": "ending"})
	})

	authGroup.POST("/scans", func(c *gin.Context) {
		var req struct {
			SessionID      string    `json:"session_id" binding:"required"`
			Timestamp      time.Time `json:"timestamp"`
			ScannedDevices []struct {
				DeviceID string `json:"device_id" binding:"required"`
				RSSI     int    `json:"rssi"`
			} `json:"scanned_devices"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := auth.ClaimsFrom(c)
		if claims.DeviceID == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "token carries no device"})
			return
		}
		if req.Timestamp.IsZero() {
			req.Timestamp = time.Now().UTC()
		}

		ev := event.ScanSubmitted{
			SessionID:       req.SessionID,
			DeviceID:        claims.DeviceID,
			SubmitterUserID: claims.Subject,
			Timestamp:       req.Timestamp,
		}
		for _, d := range req.ScannedDevices {
			ev.ScannedDevices = append(ev.ScannedDevices, event.ScannedDevice{DeviceID: d.DeviceID, RSSI: d.RSSI})
		}

		if err := publish(c.Request.Context(), q, event.TypeScanSubmitted, ev); err != nil {
			respondFault(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"session_id": req.SessionID, "received_at": time.Now().UTC()})
	})

	authGroup.GET("/sessions/:id", func(c *gin.Context) {
		ctx := c.Request.Context()
		sess, err := repo.SessionByID(ctx, c.Param("id"))
		if err != nil {
			respondFault(c, err)
			return
		}
		rounds, err := repo.RoundsBySession(ctx, sess.ID)
		if err != nil {
			respondFault(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": sess, "rounds": rounds})
	})

	authGroup.GET("/sessions/:id/attendance", func(c *gin.Context) {
		recs, err := records.BySession(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondFault(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recs})
	})

	authGroup.GET("/rounds/:id/track", func(c *gin.Context) {
		rt, found, err := roundTracks.ByRoundPublic(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondFault(c, err)
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "round not calculated yet"})
			return
		}
		c.JSON(http.StatusOK, rt)
	})

	// Integration surface for the scheduling service. These only enqueue;
	// the worker does the real work.
	authGroup.POST("/schedules/materialize", func(c *gin.Context) {
		var ev event.ScheduleMaterialized
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := publish(c.Request.Context(), q, event.TypeScheduleMaterialized, ev); err != nil {
			respondFault(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"schedule_id": ev.ScheduleID})
	})

	authGroup.DELETE("/schedules/:id", func(c *gin.Context) {
		ev := event.ScheduleDeleted{ScheduleID: c.Param("id")}
		if err := publish(c.Request.Context(), q, event.TypeScheduleDeleted, ev); err != nil {
			respondFault(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"schedule_id": ev.ScheduleID})
	})

	authGroup.POST("/class-sections/:id/lecturer", func(c *gin.Context) {
		var req struct {
			LecturerID string `json:"lecturer_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ev := event.LecturerAssigned{ClassSectionID: c.Param("id"), LecturerID: req.LecturerID}
		if err := publish(c.Request.Context(), q, event.TypeLecturerAssigned, ev); err != nil {
			respondFault(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"class_section_id": ev.ClassSectionID})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}
	log.Println("server exited")
	return nil
}

func publish(ctx context.Context, q queue.Queue, msgType string, payload any) error {
	msg, err := event.Wrap(msgType, payload)
	if err != nil {
		return err
	}
	return q.Publish(ctx, msg)
}

// respondFault maps the error taxonomy onto HTTP statuses.
func respondFault(c *gin.Context, err error) {
	switch {
	case fault.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case fault.Code(err) != "":
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": fault.Code(err)})
	default:
		log.Printf("api: internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// CORS middleware for browser dashboards.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Security headers middleware.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
