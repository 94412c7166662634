package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/epic1st/optionstream/backend/internal/api"
	"github.com/epic1st/optionstream/backend/internal/config"
	"github.com/epic1st/optionstream/backend/internal/coordinator"
	"github.com/epic1st/optionstream/backend/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("load configuration", err)
	}
	if cfg.Environment == "development" {
		logging.SetLevel(logging.DEBUG)
	}

	coord := coordinator.New(cfg)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := coord.Boot(bootCtx); err != nil {
		bootCancel()
		logging.Fatal("boot coordinator", err)
	}
	bootCancel()

	apiServer := api.NewServer(api.Config{
		Addr:           ":" + cfg.Port,
		Environment:    cfg.Environment,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}, api.Dependencies{
		Subscriptions: coord.Store,
		Registry:      coord.Registry,
		SeedFile:      cfg.InstrumentSeedFile,
		Orders:        coord.Orders,
		DeadLetters:   coord.Orders,
		Sessions:      coord.Sessions,
		Reload:        coord.Reload,
		Verifier:      coord.Verifier,
		Admin:         coord.Admin,
		Health:        coord,
		ActiveCounter: coord.Store,
		Hub:           coord.Hub,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- apiServer.Run(ctx) }()

	select {
	case <-ctx.Done():
		logging.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logging.Error("api server stopped unexpectedly", err)
		}
	}

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logging.Error("coordinator shutdown", err)
	}

	logging.Info("server stopped")
}
