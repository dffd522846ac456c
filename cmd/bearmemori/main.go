// bearmemori runs the core service: the HTTP API, the SQLite store,
// and the housekeeping scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bearmemori/bearmemori"
	"github.com/bearmemori/bearmemori/api"
	"github.com/bearmemori/bearmemori/bus/redis"
	"github.com/bearmemori/bearmemori/internal/config"
	"github.com/bearmemori/bearmemori/media"
	"github.com/bearmemori/bearmemori/store/sqlite"
)

func main() {
	// 1. Load config
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file loaded", "error", err)
	}
	cfg := config.Load(os.Getenv("BEARMEMORI_CONFIG"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open store
	store := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	if err := store.Init(ctx); err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	// 3. Media storage
	images, err := media.New(cfg.Media.Path)
	if err != nil {
		log.Fatalf("open media storage: %v", err)
	}

	// 4. Connect bus
	bus, err := redis.New(cfg.Redis.URL, redis.WithLogger(logger))
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer bus.Close()
	if err := bus.Ping(ctx); err != nil {
		log.Fatalf("ping redis: %v", err)
	}

	// 5. Dispatcher + API server
	dispatcher := bearmemori.NewDispatcher(store, bus, bearmemori.DispatcherLogger(logger))
	server := api.New(store, dispatcher,
		api.WithMedia(images),
		api.WithPendingTTLDays(cfg.Retention.MemoryPendingDays),
		api.WithLogger(logger),
	)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Core.Host, cfg.Core.Port),
		Handler: server.Router(),
	}

	// 6. Housekeeping scheduler
	sched := bearmemori.NewScheduler(store, bus, dispatcher,
		bearmemori.WithSchedulerInterval(time.Duration(cfg.Scheduler.IntervalSeconds)*time.Second),
		bearmemori.WithTagTTL(time.Duration(cfg.Retention.SuggestedTagDays)*24*time.Hour),
		bearmemori.WithEventRequeueAfter(time.Duration(cfg.Retention.EventRequeueHours)*time.Hour),
		bearmemori.WithMediaRemover(images),
	)
	schedCtx, stopSched := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Start(schedCtx); err != nil {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	// 7. Serve until interrupted
	go func() {
		logger.Info("core listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Drain in-flight requests first, then stop housekeeping, then close the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	stopSched()
	<-schedDone
}
