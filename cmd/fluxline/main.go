// Package main is the entry point for the fluxline control plane.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/fluxline/fluxline/internal/api"
	"github.com/fluxline/fluxline/internal/auth"
	"github.com/fluxline/fluxline/internal/budget"
	"github.com/fluxline/fluxline/internal/config"
	"github.com/fluxline/fluxline/internal/container"
	"github.com/fluxline/fluxline/internal/engine"
	"github.com/fluxline/fluxline/internal/gates"
	"github.com/fluxline/fluxline/internal/orchestrator"
	"github.com/fluxline/fluxline/internal/queue"
	"github.com/fluxline/fluxline/internal/registry"
	"github.com/fluxline/fluxline/internal/router"
	"github.com/fluxline/fluxline/internal/runstore"
	"github.com/fluxline/fluxline/internal/tracing"
	"github.com/fluxline/fluxline/pkg/types"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting fluxline",
		slog.String("port", cfg.Port),
		slog.String("store", cfg.StoreType),
		slog.String("queue", cfg.QueueType),
		slog.String("failure_policy", cfg.FailurePolicy),
	)

	ctx := context.Background()

	tracer, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:  "fluxline",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.TracingEnabled,
		SampleRate:   1.0,
	}, logger)
	if err != nil {
		logger.Error("tracing init failed", "error", err)
		os.Exit(1)
	}

	c := buildContainer(cfg, logger)

	store := c.MustResolve("store").(runstore.Store)
	defer store.Close()
	reg := c.MustResolve("registry").(registry.TaskRegistry)
	defer reg.Close()
	workQueue := c.MustResolve("queue").(queue.WorkQueue)
	defer workQueue.Close()
	orch := c.MustResolve("orchestrator").(*orchestrator.Orchestrator)

	handlers := api.NewHandlers(store, reg, orch, cfg, logger)

	extra := []mux.MiddlewareFunc{}
	if cfg.TracingEnabled {
		extra = append(extra, tracing.HTTPMiddleware)
	}
	if cfg.RateLimitRPS > 0 {
		rl := auth.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		extra = append(extra, rl.Handler)
	}
	if cfg.OIDCEnabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:   cfg.OIDCIssuer,
			ClientID: cfg.OIDCClientID,
		})
		if err != nil {
			logger.Error("oidc provider init failed", "error", err)
			os.Exit(1)
		}
		mw := auth.NewMiddleware(provider, &auth.MiddlewareConfig{Enabled: true})
		extra = append(extra, mw.Handler)
	}

	server := api.NewServer(handlers, extra...)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// buildContainer registers every collaborator so construction order and
// fallbacks live in one place.
func buildContainer(cfg *config.Config, logger *slog.Logger) *container.Container {
	c := container.New()

	c.RegisterInstance("config", cfg)
	c.RegisterInstance("logger", logger)

	c.RegisterSingleton("store", func() (interface{}, error) {
		if cfg.StoreType == "redis" {
			store, err := runstore.NewRedisStore(&runstore.RedisConfig{
				URL:         cfg.RedisURL,
				Password:    cfg.RedisPassword,
				DB:          cfg.RedisDB,
				TTL:         cfg.StoreTTL,
				EventMaxLen: cfg.EventMaxLen,
			})
			if err == nil {
				logger.Info("using redis store", slog.String("url", cfg.RedisURL))
				return store, nil
			}
			logger.Error("redis store unavailable, falling back to memory", "error", err)
		}
		logger.Info("using in-memory store")
		return runstore.NewMemoryStore(&runstore.Config{
			EventMaxLen: cfg.EventMaxLen,
			TTLSeconds:  int64(cfg.StoreTTL.Seconds()),
		}), nil
	})

	c.RegisterSingleton("registry", func() (interface{}, error) {
		if cfg.RegistryType == "redis" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, err
			}
			if cfg.RedisPassword != "" {
				opt.Password = cfg.RedisPassword
			}
			rr, err := registry.NewRedisRegistry(&registry.RedisConfig{
				Addr:     opt.Addr,
				Password: opt.Password,
				DB:       cfg.RedisDB,
			})
			if err == nil {
				cached := registry.NewCachedRegistry(rr)
				if herr := cached.Hydrate(context.Background()); herr != nil {
					logger.Warn("registry cache hydration failed", "error", herr)
				}
				logger.Info("using redis task registry")
				return cached, nil
			}
			logger.Error("redis registry unavailable, falling back to memory", "error", err)
		}
		logger.Info("using in-memory task registry")
		return registry.NewMemoryRegistry(), nil
	})

	c.RegisterSingleton("queue", func() (interface{}, error) {
		if cfg.QueueType == "redis" {
			q, err := queue.NewRedisQueue(&queue.RedisQueueConfig{
				URL:          cfg.RedisURL,
				Password:     cfg.RedisPassword,
				DB:           cfg.RedisDB,
				Prefix:       cfg.QueuePrefix,
				TTL:          cfg.QueueResultTTL,
				PollInterval: cfg.QueuePollEvery,
			})
			if err == nil {
				logger.Info("using redis work queue", slog.String("prefix", cfg.QueuePrefix))
				return q, nil
			}
			logger.Error("redis queue unavailable, falling back to memory", "error", err)
		}
		logger.Info("using in-memory work queue with loopback worker")
		return queue.NewMemoryQueue(loopbackWorker), nil
	})

	c.RegisterSingleton("budget", func() (interface{}, error) {
		return budget.NewLedger(cfg.BudgetPerRun, cfg.MaxTaskLatency), nil
	})

	c.RegisterSingleton("router", func() (interface{}, error) {
		b := c.MustResolve("budget").(budget.Service)
		return router.New(nil, router.LoadPriors(cfg.PriorsPath), b, logger), nil
	})

	c.RegisterSingleton("engine", func() (interface{}, error) {
		reg := c.MustResolve("registry").(registry.TaskRegistry)
		rtr := c.MustResolve("router").(*router.Router)
		q := c.MustResolve("queue").(queue.WorkQueue)
		store := c.MustResolve("store").(runstore.Store)
		return engine.New(reg, rtr, q, store, logger), nil
	})

	c.RegisterSingleton("orchestrator", func() (interface{}, error) {
		store := c.MustResolve("store").(runstore.Store)
		reg := c.MustResolve("registry").(registry.TaskRegistry)
		eng := c.MustResolve("engine").(*engine.Engine)

		policy := types.FailurePolicy(cfg.FailurePolicy)
		return orchestrator.New(store, reg, eng, gates.NewThresholdEvaluator(), &orchestrator.Config{
			FailurePolicy:     policy,
			DefaultMaxRetries: cfg.DefaultMaxRetries,
			BackoffBase:       cfg.BackoffBase,
			BackoffCap:        cfg.BackoffCap,
		}, logger), nil
	})

	return c
}

// loopbackWorker answers jobs in-process when no external worker fleet is
// configured. It echoes the job payload back as the artifact, which keeps
// local development and demos self-contained.
func loopbackWorker(ctx context.Context, job *queue.Job) (*queue.Outcome, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return &queue.Outcome{
		JobID:  job.ID,
		State:  queue.OutcomeSuccess,
		Score:  1.0,
		Output: job.Payload,
	}, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
