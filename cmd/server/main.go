// Command server runs the guardrail decision service: it ingests
// message-created events, evaluates them through the decision pipeline, and
// serves the owner-facing review API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-reply-guard/internal/budget"
	"github.com/tbourn/go-reply-guard/internal/config"
	"github.com/tbourn/go-reply-guard/internal/events"
	"github.com/tbourn/go-reply-guard/internal/guardrail"
	httpapi "github.com/tbourn/go-reply-guard/internal/http"
	"github.com/tbourn/go-reply-guard/internal/match"
	"github.com/tbourn/go-reply-guard/internal/notify"
	"github.com/tbourn/go-reply-guard/internal/observability"
	"github.com/tbourn/go-reply-guard/internal/ratelimit"
	"github.com/tbourn/go-reply-guard/internal/repo"
	"github.com/tbourn/go-reply-guard/internal/services"
	"github.com/tbourn/go-reply-guard/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// Local development convenience; real deployments set env directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}
	log.Info().Str("db_path", cfg.DBPath).Msg("database ready")

	// Matching: feature-hashing embedder over an in-memory vector index,
	// loaded from the saved-reply corpus at startup.
	embedder := match.NewHashingEmbedder(cfg.Guardrail.EmbeddingDims)
	index := match.NewMemoryIndex(cfg.Guardrail.EmbeddingDims)
	matcher := &match.Matcher{
		Embedder: embedder,
		Index:    index,
		Timeout:  cfg.Guardrail.MatcherTimeout,
	}

	reviewSvc := services.NewReviewService(db, embedder, index)
	if n, err := reviewSvc.ReloadIndex(ctx); err != nil {
		log.Fatal().Err(err).Msg("saved reply index load failed")
	} else {
		log.Info().Int("entries", n).Msg("saved reply index loaded")
	}

	// Idempotency: in-memory LRU cache with write-through persistence so
	// processed markers survive restarts.
	idemStore := repo.IdempotencyStore{DB: db, TTL: cfg.IdempotencyTTL}
	cache := guardrail.NewCache(
		guardrail.WithMaxSize(cfg.Guardrail.CacheSize),
		guardrail.WithTTL(cfg.Guardrail.CacheTTL),
		guardrail.WithSweepInterval(cfg.Guardrail.CacheSweep),
		guardrail.WithStore(idemStore),
	)
	defer cache.Close()

	// Notifications: log sender by default; provider SDK senders register here.
	notifier := notify.NewService(db, map[string]notify.Sender{
		"log": notify.LogSender{},
	})

	limiter := ratelimit.NewLimiter(db, ratelimit.WithWarningFunc(notifier.RateWarning))

	monitor := budget.NewMonitor(db, notifier, budget.WithInterval(cfg.Guardrail.BudgetSweep))
	go monitor.Start(ctx)

	decisionSvc := services.NewDecisionService(db, matcher, limiter, cache)
	decisionSvc.AutoThreshold = cfg.Guardrail.AutoThreshold
	decisionSvc.SuggestThreshold = cfg.Guardrail.SuggestThreshold
	decisionSvc.TopK = cfg.Guardrail.MatchTopK
	decisionSvc.Exec.Billing = services.Billing{
		AutoReplyCostCents:  cfg.Guardrail.AutoReplyCostCents,
		SuggestionCostCents: cfg.Guardrail.SuggestionCostCents,
		DailyBudgetCents:    cfg.Guardrail.DailyBudgetCents,
	}

	dispatcher := events.NewDispatcher()
	dispatcher.Subscribe(decisionSvc.HandleMessageCreated)

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:        db,
		Publisher: dispatcher,
		ReviewSvc: reviewSvc,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("server stopped")
}
