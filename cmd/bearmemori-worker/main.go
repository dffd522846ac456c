// bearmemori-worker consumes LLM job streams and runs the handlers
// against an OpenAI-compatible endpoint.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bearmemori/bearmemori"
	"github.com/bearmemori/bearmemori/bus/redis"
	"github.com/bearmemori/bearmemori/client"
	"github.com/bearmemori/bearmemori/internal/config"
	"github.com/bearmemori/bearmemori/media"
	"github.com/bearmemori/bearmemori/observer"
	"github.com/bearmemori/bearmemori/provider/openaicompat"
	"github.com/bearmemori/bearmemori/worker"
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

	// 2. Connect bus
	bus, err := redis.New(cfg.Redis.URL, redis.WithLogger(logger))
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer bus.Close()
	if err := bus.Ping(ctx); err != nil {
		log.Fatalf("ping redis: %v", err)
	}

	// 3. Core API client
	core := client.New(cfg.CoreBaseURL(), client.WithLogger(logger))

	// 4. Media storage (shared volume with the core service)
	images, err := media.New(cfg.Media.Path)
	if err != nil {
		log.Fatalf("open media storage: %v", err)
	}

	// 5. Providers
	var text bearmemori.Provider = openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.TextModel, cfg.LLM.BaseURL)
	var vision bearmemori.Provider = openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.VisionModel, cfg.LLM.BaseURL)

	// 6. Optional observability
	var metrics worker.JobMetrics
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("init observer: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("observer shutdown", "error", err)
			}
		}()
		text = observer.WrapProvider(text, cfg.LLM.TextModel, inst)
		vision = observer.WrapProvider(vision, cfg.LLM.VisionModel, inst)
		metrics = inst
	}
	if cfg.LLM.RPM > 0 || cfg.LLM.TPM > 0 {
		limits := []bearmemori.RateLimitOption{bearmemori.RPM(cfg.LLM.RPM), bearmemori.TPM(cfg.LLM.TPM)}
		text = bearmemori.WithRateLimit(text, limits...)
		vision = bearmemori.WithRateLimit(vision, limits...)
	}

	// 7. Build and run worker
	opts := []worker.Option{
		worker.WithConsumerName(cfg.Worker.ConsumerName),
		worker.WithMaxRetries(cfg.LLM.MaxRetries),
		worker.WithUnavailableHorizon(time.Duration(cfg.LLM.HorizonDays) * 24 * time.Hour),
		worker.WithStaleAfter(time.Duration(cfg.Worker.StaleSeconds) * time.Second),
		worker.WithBlock(time.Duration(cfg.Worker.BlockSeconds) * time.Second),
		worker.WithTimeouts(cfg.LLM.TimeoutDurations()),
		worker.WithDefaultTimeout(cfg.LLM.DefaultTimeout()),
		worker.WithReclaim(
			time.Duration(cfg.Worker.ReclaimMinIdleSeconds)*time.Second,
			time.Duration(cfg.Worker.ReclaimIntervalSeconds)*time.Second,
		),
		worker.WithLogger(logger),
	}
	if metrics != nil {
		opts = append(opts, worker.WithMetrics(metrics))
	}

	w := worker.New(bus, core, text, vision, images, opts...)

	logger.Info("worker starting", "consumer", cfg.Worker.ConsumerName)
	if err := w.Run(ctx); err != nil {
		log.Fatalf("worker: %v", err)
	}
}
