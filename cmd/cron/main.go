package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/meetslot/meetslot-api/internal/config"
	"github.com/meetslot/meetslot-api/internal/domain/credit"
	"github.com/meetslot/meetslot-api/internal/domain/subscription"
	"github.com/meetslot/meetslot-api/internal/pkg/database"
	"github.com/meetslot/meetslot-api/internal/pkg/logger"
)

const jobTimeout = 10 * time.Minute

type packageSweeper interface {
	RenewDue(ctx context.Context, batch int) (int, error)
	ExpireDue(ctx context.Context, batch int) (int, error)
}

type reservationAuditor interface {
	CountStaleReservations(ctx context.Context, olderThan time.Duration) (int, error)
}

type jobs struct {
	packages   packageSweeper
	audit      reservationAuditor
	batch      int
	staleAfter time.Duration
}

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, Service: "meetslot-cron"})

	ctx := context.Background()

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.PoolOptions{MaxOpen: 5})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	// sweeps never read costs, so no Redis here
	creditRepo := credit.NewRepository(db)
	ledger := credit.NewLedger(creditRepo, credit.LedgerOptions{
		MaxAttempts: cfg.MaxCASAttempts,
		Backoff:     cfg.CASBackoff,
	})
	creditService := credit.NewService(creditRepo, ledger, credit.NewCostTable(creditRepo, nil, 0, nil))
	packageService := subscription.NewService(subscription.NewRepository(db), creditService)

	j := &jobs{
		packages:   packageService,
		audit:      creditService,
		batch:      cfg.SweepBatchSize,
		staleAfter: cfg.StaleReservationAfter,
	}

	scheduler := cron.New(cron.WithSeconds(), cron.WithChain(jobWrappers()...))
	if err := j.register(scheduler, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cron jobs")
	}

	scheduler.Start()
	log.Info().
		Str("renewal", cfg.CronRenewalSpec).
		Str("expiry", cfg.CronExpirySpec).
		Str("stale_reservations", cfg.CronStaleSpec).
		Msg("Cron jobs started")

	// sweep and audit metrics live in this process, so it serves its own /metrics
	metricsServer := &http.Server{
		Addr:              ":" + cfg.CronMetricsPort,
		Handler:           newMetricsRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("port", cfg.CronMetricsPort).Msg("Cron metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Cron metrics server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down cron, waiting for running jobs...")
	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Cron metrics server forced to shutdown")
	}
	log.Info().Msg("Cron exited properly")
}

// jobWrappers recovers inside the skip guard so a panicking run still frees
// its slot for the next tick.
func jobWrappers() []cron.JobWrapper {
	l := cronLogger{}
	return []cron.JobWrapper{cron.SkipIfStillRunning(l), cron.Recover(l)}
}

func newMetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// cronLogger routes robfig/cron messages into zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("[CRON] " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("[CRON] " + msg)
}

func (j *jobs) register(c *cron.Cron, cfg *config.Config) error {
	specs := []struct {
		spec string
		run  func(ctx context.Context)
	}{
		{cfg.CronRenewalSpec, j.renewPackages},
		{cfg.CronExpirySpec, j.expirePackages},
		{cfg.CronStaleSpec, j.auditReservations},
	}
	for _, s := range specs {
		run := s.run
		if _, err := c.AddFunc(s.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			run(ctx)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (j *jobs) renewPackages(ctx context.Context) {
	n, err := j.packages.RenewDue(ctx, j.batch)
	if err != nil {
		log.Error().Err(err).Int("renewed", n).Msg("[CRON] package renewal sweep failed")
		return
	}
	log.Info().Int("renewed", n).Msg("[CRON] package renewal sweep finished")
}

func (j *jobs) expirePackages(ctx context.Context) {
	n, err := j.packages.ExpireDue(ctx, j.batch)
	if err != nil {
		log.Error().Err(err).Int("expired", n).Msg("[CRON] package expiry sweep failed")
		return
	}
	log.Info().Int("expired", n).Msg("[CRON] package expiry sweep finished")
}

func (j *jobs) auditReservations(ctx context.Context) {
	if _, err := j.audit.CountStaleReservations(ctx, j.staleAfter); err != nil {
		log.Error().Err(err).Msg("[CRON] stale reservation audit failed")
	}
}
