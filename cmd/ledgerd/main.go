package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/api"
	"github.com/jmerrifield20/auditledger/internal/app"
	"github.com/jmerrifield20/auditledger/internal/config"
	"github.com/jmerrifield20/auditledger/internal/health"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load(os.Getenv("LEDGER_CONFIG_FILE"))
	if err != nil {
		return err
	}
	if cfg.File != "" {
		logger.Info("loaded config", zap.String("file", cfg.File))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = a.Sink.Initialize(initCtx)
	cancel()
	if err != nil {
		if cfg.Ledger.Required {
			return fmt.Errorf("initialize ledger: %w", err)
		}
		logger.Error("ledger unavailable, serving in degraded mode", zap.Error(err))
	} else {
		h, _ := a.Sink.Height()
		logger.Info("ledger ready",
			zap.String("dir", cfg.Ledger.Dir),
			zap.Int("height", h),
			zap.String("signing_kid", a.Sink.SigningKeyID()),
		)
	}

	checker := health.New(a.Sink, health.Config{CheckInterval: cfg.Health.Interval}, logger)
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	checker.Check(checkCtx)
	cancel()

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(ctx, api.RouterConfig{
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
	}, a.Sink, a.Keys, checker, a.Backup, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	stopHealth := make(chan struct{})
	go checker.Start(stopHealth)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ledger HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down ledgerd...")
	close(stopHealth)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("ledgerd stopped")
	return nil
}
