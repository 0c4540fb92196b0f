package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/computex/market-engine/internal/activation"
	"github.com/computex/market-engine/internal/admission"
	"github.com/computex/market-engine/internal/api"
	"github.com/computex/market-engine/internal/book"
	"github.com/computex/market-engine/internal/config"
	"github.com/computex/market-engine/internal/events"
	"github.com/computex/market-engine/internal/matching"
	"github.com/computex/market-engine/internal/metrics"
	"github.com/computex/market-engine/internal/model"
	"github.com/computex/market-engine/internal/pricing"
	"github.com/computex/market-engine/internal/reputation"
	"github.com/computex/market-engine/internal/settlement"
	"github.com/computex/market-engine/internal/sla"
	"github.com/computex/market-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	loader, err := config.Load(os.Getenv("COMPUTEX_CONFIG"), logger)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	gov := loader.Governance()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		pb, err := store.OpenPebble(cfg.DataDir)
		if err != nil {
			slog.Error("pebble open failed", "dir", cfg.DataDir, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { pb.Close() })
		st = pb
		slog.Info("using embedded pebble store", "dir", cfg.DataDir)
	}

	// Wrap with a Redis cache for public balance reads if configured.
	ledgerOpts := []settlement.Option{settlement.WithLogger(logger)}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis_url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		cached := store.NewCachedStore(st, rdb, cfg.CacheTTL, logger)
		st = cached
		ledgerOpts = append(ledgerOpts, settlement.WithBalanceCache(cached))
		slog.Info("Redis cache enabled")
	}

	// --- Outbound events ---
	hub := api.NewWSHub(logger)
	cleanup = append(cleanup, hub.Close)
	sinks := []events.Sink{hub}

	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
		cleanup = append(cleanup, func() { kp.Close() })
		sinks = append(sinks, kp)
		slog.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers)
	}

	completions := make(chan model.CompletionSignal, 256)
	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL, "market-engine", logger)
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)
		sinks = append(sinks, events.NewNATSPublisher(nc, cfg.NATSSubjectPrefix))
		if _, err := events.SubscribeCompletions(ctx, nc, cfg.CompletionSubject, completions, logger); err != nil {
			slog.Error("nats subscribe failed", "err", err)
			os.Exit(1)
		}
		slog.Info("nats enabled", "url", cfg.NATSURL)
	}

	relay := events.NewRelay(cfg.RelayBuffer, logger, sinks...)

	// --- Engine ---
	ctrl := activation.New(st, activation.WithPublisher(relay), activation.WithLogger(logger))
	if err := ctrl.Load(ctx); err != nil {
		slog.Error("activation load failed", "err", err)
		os.Exit(1)
	}
	metrics.SetActivationMode(ctrl.Mode())

	ledger, err := settlement.Open(ctx, st, ctrl, append(ledgerOpts, settlement.WithPublisher(relay))...)
	if err != nil {
		slog.Error("ledger open failed", "err", err)
		os.Exit(1)
	}

	rep := reputation.New(st, gov.ReputationDecayPerHour, reputation.WithPublisher(relay), reputation.WithLogger(logger))
	if err := rep.Load(ctx); err != nil {
		slog.Error("reputation load failed", "err", err)
		os.Exit(1)
	}

	books := book.New(gov.LaneSpecs(cfg.Lanes), book.WithEscrow(relay), book.WithLogger(logger))

	board, err := pricing.NewBoard(cfg.PriceWindow)
	if err != nil {
		slog.Error("price board", "err", err)
		os.Exit(1)
	}

	tracker := sla.New(st, ledger, gov.SLASweepInterval,
		sla.WithEscrow(relay),
		sla.WithReputation(rep),
		sla.WithLogger(logger),
	)

	matcher, err := matching.New(books, ledger, rep, gov.MatchingParams(),
		matching.WithSLA(tracker),
		matching.WithPriceBoard(board),
		matching.WithPublisher(relay),
		matching.WithLogger(logger),
	)
	if err != nil {
		slog.Error("matcher", "err", err)
		os.Exit(1)
	}

	admit := admission.New(books, gov.AdmissionLimits())

	// --- Governance hot reload ---
	loader.OnGovernanceChange(func(g config.Governance) {
		if err := matcher.SetParams(g.MatchingParams()); err != nil {
			slog.Warn("matching params rejected", "err", err)
		}
		books.SetCaps(g.LaneCaps)
		rep.SetDecay(g.ReputationDecayPerHour)
		tracker.SetInterval(g.SLASweepInterval)
		admit.SetLimits(g.AdmissionLimits())
	})
	loader.Watch()

	// --- Background loops ---
	var wg sync.WaitGroup
	loopCtx, stopLoops := context.WithCancel(ctx)
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(loopCtx)
		}()
	}
	start(relay.Run)
	start(matcher.Run)
	start(func(ctx context.Context) { tracker.Run(ctx, completions) })
	start(func(ctx context.Context) {
		ctrl.Run(ctx, cfg.ActivationTick)
	})
	start(func(ctx context.Context) {
		// Mirror the activation mode into the gauge.
		t := time.NewTicker(cfg.ActivationTick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				metrics.SetActivationMode(ctrl.Mode())
			}
		}
	})
	if len(cfg.KafkaBrokers) > 0 {
		start(func(ctx context.Context) {
			if err := events.ConsumeCompletions(ctx, cfg.KafkaBrokers, cfg.CompletionSubject, cfg.KafkaGroup, completions, logger); err != nil {
				slog.Error("kafka completion consumer stopped", "err", err)
			}
		})
	}

	// --- Service ---
	svc := api.NewService(api.Deps{
		Books:      books,
		Admission:  admit,
		Activation: ctrl,
		Ledger:     ledger,
		Reputation: rep,
		Board:      board,
		Tracker:    tracker,
		Matcher:    matcher,
		Hub:        hub,
		Logger:     logger,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for operator dashboards.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := ledger.Ping(r.Context()); err != nil || matcher.Halted() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"degraded","service":"market-engine"}`))
			return
		}
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "port", cfg.Port, "mode", ctrl.Mode(), "lanes", cfg.Lanes)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stopLoops()
	wg.Wait()
	fmt.Println("market-engine stopped")
}
