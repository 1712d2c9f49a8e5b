package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/solvia/usage-gateway/config"
	"github.com/solvia/usage-gateway/internal/auth"
	"github.com/solvia/usage-gateway/internal/budget"
	"github.com/solvia/usage-gateway/internal/chat"
	"github.com/solvia/usage-gateway/internal/conversation"
	"github.com/solvia/usage-gateway/internal/ledger"
	"github.com/solvia/usage-gateway/internal/pricing"
	"github.com/solvia/usage-gateway/internal/provider/gemini"
	"github.com/solvia/usage-gateway/internal/reconcile"
	"github.com/solvia/usage-gateway/internal/seeder"
	"github.com/solvia/usage-gateway/internal/session"
	"github.com/solvia/usage-gateway/internal/sweeper"
	"github.com/solvia/usage-gateway/internal/telemetry"
	"github.com/solvia/usage-gateway/internal/tokenizer"
	"github.com/solvia/usage-gateway/pkg/ratelimit"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("usage-gateway", cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping postgres")
	}
	log.Info().Msg("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping redis")
	}
	log.Info().Msg("Redis connected")

	// 5. Budget policy
	policy := budget.Policy{
		Rates: pricing.Rates{
			InputPerMTok:  cfg.PriceInputPer1M,
			OutputPerMTok: cfg.PriceOutputPer1M,
		},
		SoftLimitRatio:       cfg.SoftLimitRatio,
		MarginTarget:         cfg.BudgetMarginTarget,
		MaxOutputTokens:      cfg.MaxOutputTokens,
		SoftLimitTokenCap:    cfg.SoftLimitTokenCap,
		MinOutputTokens:      cfg.MinOutputTokens,
		PAYGHourlyRate:       cfg.PAYGHourlyRate,
		StarterMonthlyPrice:  cfg.StarterMonthlyPrice,
		StarterIncludedHours: cfg.StarterIncludedHours,
	}

	// 6. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)

	// 7. Init stores and services
	ledgerService := ledger.NewService(ledger.NewPostgresStore(pool, policy), policy)
	sessionTracker := session.NewTracker(session.NewPostgresStore(pool))
	convStore := conversation.NewPostgresStore(pool)

	// 8. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)

	// 9. Init provider
	prov := gemini.New(cfg.GeminiAPIKey, cfg.GeminiModel)
	upstream := chat.NewUpstream(prov, cfg.UpstreamTimeout)

	// 10. Init billing reconciliation
	stripeClient := reconcile.NewStripeClient(cfg.StripeAPIKey, cfg.StripeMeterEventName)
	reconciler := reconcile.NewReconciler(stripeClient, reconcile.NewRedisQueue(rdb))

	// 11. Token estimator
	estimator, err := tokenizer.FromConfig(cfg.Tokenizer, cfg.TiktokenEncoding)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tokenizer")
	}

	// 12. Init handler
	tracer := otel.GetTracerProvider().Tracer("usage-gateway")
	handler := chat.NewHandler(chat.Deps{
		Ledger:        ledgerService,
		Sessions:      sessionTracker,
		Conversations: convStore,
		Profiles:      authStore,
		Upstream:      upstream,
		Reconciler:    reconciler,
		Policy:        policy,
		Estimator:     estimator,
		Limiter:       limiter,
		Tracer:        tracer,
	})

	// 13. Seed test profile if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestProfile(ctx, pool, authStore)
	}

	// 14. Background sweeps
	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	sw := sweeper.New(sessionTracker, authStore, reconciler, cfg.SessionMaxActive)
	if err := sw.Start(sweepCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to start sweeper")
	}

	// 15. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"usage-gateway"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat", handler.HandleChat)
		r.Post("/v1/usage/report", handler.HandleReportUsage)
		r.Get("/v1/budget", handler.HandleBudget)
	})

	// 16. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("usage gateway starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	log.Info().Msg("Shutting down gracefully...")

	stopSweeps()
	sw.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("Server stopped")
}
