// Command server runs the payments HTTP API.
//
// Startup order: env + logging, config, database (SQLite + migrations + GORM
// tracing), OpenTelemetry, the payment service with its recovery scan, then
// the Gin engine behind an http.Server with graceful shutdown.
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
	"gorm.io/plugin/opentelemetry/tracing"

	_ "github.com/AndreyGorbachev97/medicalAiMiddle/docs"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/config"
	httpapi "github.com/AndreyGorbachev97/medicalAiMiddle/internal/http"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/observability"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/repo"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/services"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/sysutil"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/yookassa"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// @title           Payments API
// @version         1.0
// @description     Tariff purchases with dual-channel payment confirmation (gateway webhooks plus status polling) and exactly-once credit fulfillment.
// @BasePath        /api/v1
func main() {
	// Local development convenience; real deployments set env directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		log.Warn().Err(err).Msg("gorm tracing plugin not installed")
	}

	// Root context canceled on SIGINT/SIGTERM; pollers inherit it.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup")
	}

	paySvc := &services.PaymentService{
		DB:             db,
		Gateway:        yookassa.NewClient(yookassa.Config(cfg.YooKassa)),
		ReturnURL:      cfg.DefaultReturnURL,
		PollInterval:   cfg.Reconcile.PollInterval,
		PollMaxTicks:   cfg.Reconcile.PollMaxTicks,
		RecoveryWindow: cfg.Reconcile.RecoveryWindow,
		RootCtx:        ctx,
	}

	// Re-arm watchers for payments a previous run left pending. Runs off the
	// serving path so a slow gateway cannot delay startup.
	go func() {
		armed, err := paySvc.RecoverPending(ctx)
		if err != nil {
			log.Error().Err(err).Msg("pending payment recovery failed")
			return
		}
		log.Info().Int("armed", armed).Msg("pending payment recovery done")
	}()

	r := gin.New()
	httpapi.RegisterRoutes(r, db, paySvc, cfg)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown")
	}
	log.Info().Msg("server stopped")
}
