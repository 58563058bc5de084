/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the academy ledger server: the RPC surface and
  the scheduled consistency jobs. Handles configuration, dependency
  injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (dotenv file, then environment)
  2. Build the logger
  3. Open the document store (memory, sqlite or mongo)
  4. Connect Redis when configured (counter cache, job lease)
  5. Wire services, handler and router
  6. Register and start the scheduled jobs
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -env     dotenv file to load before reading the environment (default: .env)

ENVIRONMENT:
  See config/config.go. The most common:
    STORE_DRIVER=sqlite SQLITE_PATH=./academy.db
    JWT_SECRET=...                  required for any authenticated call
    TIME_ZONE=America/Bogota        reference calendar
    REDIS_ADDRESS=localhost:6379    enables the job lease

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop scheduling new job runs and wait for running ones
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store and Redis
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - jobs/scheduler.go: Scheduled jobs
  - config/config.go: Configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/academy-ledger/academy"
	"github.com/warp/academy-ledger/api"
	"github.com/warp/academy-ledger/calendar"
	"github.com/warp/academy-ledger/config"
	"github.com/warp/academy-ledger/docstore"
	"github.com/warp/academy-ledger/docstore/memory"
	"github.com/warp/academy-ledger/jobs"
	"github.com/warp/academy-ledger/ledger"
	"github.com/warp/academy-ledger/logger"
	"github.com/warp/academy-ledger/sequence"
	"github.com/warp/academy-ledger/store/mongo"
	"github.com/warp/academy-ledger/store/sqlite"
)

func main() {
	envFile := flag.String("env", ".env", "dotenv file to load")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, closeLog, err := logger.New(logger.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer closeLog.Close()

	if err := run(cfg, log); err != nil {
		logger.LogError(log, "main", "run", "server stopped with error", nil, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	log.WithField("driver", cfg.StoreDriver).Info("document store ready")

	// Redis
	var rdb *redis.Client
	if cfg.RedisAddress != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable at startup, continuing")
		}
	}

	cal, err := calendar.New(cfg.TimeZone)
	if err != nil {
		return fmt.Errorf("calendar: %w", err)
	}

	// Sequences
	scope, err := sequence.ParseScope(cfg.CounterScope)
	if err != nil {
		return err
	}
	counter := &sequence.Counter{Store: store, Scope: scope, MaxAttempts: cfg.CounterMaxAttempts, Logger: log}
	var numbers sequence.Generator = counter
	if cfg.CounterBackend == "redis" {
		numbers = &sequence.RedisCounter{Client: rdb, Counter: counter, Logger: log}
	}

	// Handler
	h := api.NewHandler(store)
	h.Logger = log
	h.Numbers = numbers
	h.Attendance = &academy.Attendance{Store: store, Calendar: cal, Logger: log}
	h.Payments = &ledger.PaymentService{
		Store:   store,
		Builder: ledger.Builder{Calendar: cal},
		Numbers: numbers,
		Logger:  log,
	}

	// Scheduler
	fanout := &jobs.FanOut{Store: store, Logger: log, Limit: cfg.FanOutConcurrency}
	scheduler := jobs.NewScheduler(fanout, h.Runs, cfg.Location())
	scheduler.Logger = log
	scheduler.Timeout = cfg.JobTimeout
	scheduler.Enabled = cfg.SchedulerEnabled
	if rdb != nil {
		scheduler.Locker = redislock.New(rdb)
	}
	if err := scheduler.Register(cfg.AttendanceSchedule, &jobs.AutoAttendance{Store: store, Calendar: cal, Logger: log}); err != nil {
		return err
	}
	if err := scheduler.Register(cfg.ExpirationSchedule, &jobs.ExpirationScanner{Store: store, Calendar: cal, Logger: log}); err != nil {
		return err
	}
	h.Scheduler = scheduler

	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET is empty, every authenticated call will be rejected")
	}
	auth := &api.Authenticator{Secret: []byte(cfg.JWTSecret), Logger: log}
	router := api.NewRouter(h, auth, api.RouterOptions{AllowedOrigins: cfg.Origins()})

	server := &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()

	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"address":  cfg.Address,
			"timeZone": cfg.TimeZone,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		scheduler.Stop()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

// openStore opens the configured document store and returns its closer.
func openStore(ctx context.Context, cfg *config.Config) (docstore.Store, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		return memory.New(), func() {}, nil
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		s, err := mongo.Connect(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		return s, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.Close(closeCtx)
		}, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return s, func() { s.Close() }, nil
	}
}
