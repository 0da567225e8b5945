package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/meetslot/meetslot-api/internal/config"
	"github.com/meetslot/meetslot-api/internal/domain/billing"
	"github.com/meetslot/meetslot-api/internal/domain/credit"
	"github.com/meetslot/meetslot-api/internal/domain/subscription"
	"github.com/meetslot/meetslot-api/internal/middleware"
	"github.com/meetslot/meetslot-api/internal/pkg/database"
	"github.com/meetslot/meetslot-api/internal/pkg/jwt"
	"github.com/meetslot/meetslot-api/internal/pkg/logger"
	pkgresponse "github.com/meetslot/meetslot-api/internal/pkg/response"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, Service: "meetslot-api"})

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Bool("billing_enabled", cfg.BillingEnabled).
		Msg("Starting MeetSlot API")

	ctx := context.Background()

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.PoolOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	redis, err := database.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		// the cost table falls back to Postgres
		log.Warn().Err(err).Msg("Redis unavailable, cost cache disabled")
	}
	defer database.CloseRedis(redis)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

	// ---------- Credits ----------
	creditRepo := credit.NewRepository(db)
	ledger := credit.NewLedger(creditRepo, credit.LedgerOptions{
		MaxAttempts: cfg.MaxCASAttempts,
		Backoff:     cfg.CASBackoff,
	})
	costs := credit.NewCostTable(creditRepo, redis, cfg.CostCacheTTL, defaultCosts(cfg))
	creditService := credit.NewService(creditRepo, ledger, costs)

	// ---------- Packages ----------
	packageService := subscription.NewService(subscription.NewRepository(db), creditService)

	// ---------- Reservation protocol ----------
	var guard billing.Guard = billing.NoopGuard{}
	if cfg.BillingEnabled {
		guard = billing.NewGuard(creditRepo, ledger, costs, packageService)
	} else {
		log.Warn().Msg("Billing disabled, notifications are sent free of charge")
	}
	if cfg.InternalServiceToken == "" {
		log.Warn().Msg("INTERNAL_SERVICE_TOKEN is empty, internal billing routes reject every call")
	}

	r := newRouter(routerDeps{
		cfg:            cfg,
		jwt:            jwtService,
		credits:        credit.NewHandler(creditService),
		packages:       subscription.NewHandler(packageService),
		billing:        billing.NewHandler(guard),
		readinessCheck: db.PingContext,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		return
	}

	log.Info().Msg("Server exited properly")
}

type routerDeps struct {
	cfg            *config.Config
	jwt            *jwt.Service
	credits        *credit.Handler
	packages       *subscription.Handler
	billing        *billing.Handler
	readinessCheck func(ctx context.Context) error
}

func newRouter(d routerDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(d.cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if d.readinessCheck != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := d.readinessCheck(ctx); err != nil {
				log.Error().Err(err).Msg("health check failed")
				pkgresponse.Error(w, http.StatusServiceUnavailable, "UNAVAILABLE", "database unreachable")
				return
			}
		}
		pkgresponse.OK(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	authMiddleware := middleware.Auth(d.jwt)

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/credits", d.credits.Routes(authMiddleware))
		r.Mount("/packages", d.packages.Routes(authMiddleware))
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Mount("/credits", d.credits.AdminRoutes(authMiddleware))
		r.Mount("/packages", d.packages.AdminRoutes(authMiddleware))
	})

	r.Mount("/internal/billing", d.billing.Routes(middleware.ServiceToken(d.cfg.InternalServiceToken)))

	return r
}

func defaultCosts(cfg *config.Config) map[credit.ServiceType]int {
	return map[credit.ServiceType]int{
		credit.ServiceEmail:    cfg.DefaultCostEmail,
		credit.ServiceSMS:      cfg.DefaultCostSMS,
		credit.ServiceWhatsApp: cfg.DefaultCostWhatsApp,
	}
}
