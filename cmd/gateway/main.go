package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/showtimehq/showtime/internal/api"
	"github.com/showtimehq/showtime/internal/catalog"
	"github.com/showtimehq/showtime/internal/circuitbreaker"
	"github.com/showtimehq/showtime/internal/config"
	"github.com/showtimehq/showtime/internal/db"
	"github.com/showtimehq/showtime/internal/directory"
	"github.com/showtimehq/showtime/internal/dispatch"
	"github.com/showtimehq/showtime/internal/metrics"
	"github.com/showtimehq/showtime/internal/notify"
	"github.com/showtimehq/showtime/internal/observ"
	"github.com/showtimehq/showtime/internal/push"
	"github.com/showtimehq/showtime/internal/queue"
	"github.com/showtimehq/showtime/internal/redis"
	"github.com/showtimehq/showtime/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting showtime gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Redis backs the job queue and the recipient directory, so unlike
	// a cache it is a hard dependency here.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	rateLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.RateLimitPerMinute,
		Window: 1 * time.Minute,
	})

	dir := directory.NewStore(redisClient, logger)

	// Push transport, wrapped in a circuit breaker so a platform outage
	// stops hammering the endpoint instead of burning every send.
	var sender push.Sender
	switch cfg.PushDriver {
	case "sns":
		snsSender, err := push.NewSNSSender(ctx, push.SNSConfig{Region: cfg.SNSRegion}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SNS push sender: %w", err)
		}
		sender = snsSender
	default:
		sender = push.NewLogSender(logger)
	}
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("push"), logger)
	sender = circuitbreaker.NewProtectedSender(sender, breaker, logger)

	dispatcher := dispatch.New(repo, dir, sender, dispatch.Config{
		Concurrency: cfg.DispatchConcurrency,
		HistoryTTL:  time.Duration(cfg.HistoryTTLDays) * 24 * time.Hour,
	}, logger)

	// Delay queue: fired jobs flow into the dispatcher, and any tokens
	// the transport rejected get purged from the directory afterwards.
	jobQueue := queue.NewRedisQueue(redisClient, queue.RedisQueueConfig{}, logger)

	queueCtx, queueCancel := context.WithCancel(context.Background())
	defer queueCancel()

	go jobQueue.Start(queueCtx, func(ctx context.Context, p queue.Payload) error {
		report, err := dispatcher.Dispatch(ctx, p)
		if err != nil {
			return err
		}
		if len(report.InvalidTokens) > 0 {
			if err := dir.RemoveTokens(ctx, report.InvalidTokens); err != nil {
				logger.Error("failed to purge invalid tokens", zap.Error(err))
			} else {
				metrics.RecordTokensInvalidated(len(report.InvalidTokens))
			}
		}
		return nil
	})
	defer jobQueue.Close()

	logger.Info("job queue poller started")

	service := notify.NewService(repo, jobQueue, logger)

	// Sweep up notifications abandoned in PENDING by a crash mid-create,
	// once at startup and then periodically.
	go func() {
		sweep := func() {
			if n, err := service.RecoverStuck(queueCtx, 5*time.Minute, 100); err != nil {
				logger.Error("stuck notification recovery failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("stuck notifications recovered", zap.Int("count", n))
			}
		}
		sweep()
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-queueCtx.Done():
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()

	// Daily reminder sweep, with a catch-up sweep at startup.
	catalogStore := catalog.NewStore(database, logger)
	generator := scheduler.NewGenerator(catalogStore, jobQueue, scheduler.Config{}, logger)
	sweepTask := scheduler.NewTask(generator, cfg.SweepHour, logger)
	sweepTask.Start(queueCtx)
	defer sweepTask.Stop()

	// History janitor: prune expired delivery history once an hour.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-queueCtx.Done():
				return
			case <-ticker.C:
				if n, err := repo.DeleteExpiredHistory(queueCtx); err != nil {
					logger.Error("history cleanup failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("expired history pruned", zap.Int64("rows", n))
				}
			}
		}
	}()

	handler := api.NewHandler(logger, service, dir, repo, dispatcher)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, req)
			logger.Info("request",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Duration("duration", time.Since(start)),
			)
		})
	})

	r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		r.Post("/notifications", handler.CreateNotification)
		r.Get("/notifications", handler.ListNotifications)
		r.Get("/notifications/stats", handler.GetStats)
		r.Post("/notifications/bulk", handler.BulkCreateNotifications)
		r.Post("/notifications/bulk/cancel", handler.BulkCancelNotifications)
		r.Get("/notifications/{id}", handler.GetNotification)
		r.Post("/notifications/{id}/cancel", handler.CancelNotification)

		r.Post("/devices", handler.RegisterDevice)
		r.Post("/concerts/{id}/like", handler.LikeConcert)
		r.Delete("/concerts/{id}/like", handler.UnlikeConcert)

		r.Get("/history", handler.ListHistory)
		r.Post("/history/{id}/read", handler.MarkHistoryRead)

		r.Post("/admin/dispatch", handler.DispatchJob)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
