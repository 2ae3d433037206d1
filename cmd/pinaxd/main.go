// Command pinaxd runs the PINAX batch metadata engine: the Dispatcher and
// its HTTP surface (spec §4.5/§6).
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arke-institute/pinax/pkg/callback"
	"github.com/arke-institute/pinax/pkg/chunk"
	"github.com/arke-institute/pinax/pkg/config"
	"github.com/arke-institute/pinax/pkg/dispatcher"
	"github.com/arke-institute/pinax/pkg/extractor"
	"github.com/arke-institute/pinax/pkg/fetcher"
	"github.com/arke-institute/pinax/pkg/llmgateway"
	"github.com/arke-institute/pinax/pkg/objectstore"
	"github.com/arke-institute/pinax/pkg/store"
	"github.com/arke-institute/pinax/pkg/version"

	"github.com/arke-institute/pinax/pkg/api"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("starting", "version", version.Full())

	if err := run(); err != nil {
		logger.Error("pinaxd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	dbCfg, err := store.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	storeClient, err := store.NewClient(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := storeClient.Close(); err != nil {
			slog.Error("error closing store client", "error", err)
		}
	}()
	slog.Info("connected to database, migrations applied")

	objStore := objectstore.NewClient(cfg.ObjectStoreBaseURL, cfg.ObjectStoreToken)
	ctxFetcher := fetcher.New(objStore)
	gateway := llmgateway.NewClient(cfg.DeepInfraBaseURL, cfg.DeepInfraAPIKey, cfg.ModelName)
	ext := extractor.New(gateway)
	cb := callback.NewClient(cfg.OrchestratorBaseURL)

	workerCfg := chunk.Config{
		MaxRetriesPerPI:     cfg.MaxRetriesPerPI,
		MaxCallbackRetries:  cfg.MaxCallbackRetries,
		AlarmInterval:       cfg.AlarmInterval,
		ContentTokenTarget:  cfg.ContentTokenTarget(),
		DefaultAccessURL:    cfg.DefaultAccessURL,
		OrchestratorBaseURL: cfg.OrchestratorBaseURL,
	}

	disp := dispatcher.New(storeClient, func(chunkID string) *chunk.Worker {
		return chunk.New(ctx, chunkID, workerCfg, storeClient, ctxFetcher, ext, objStore, cb)
	})

	if err := disp.RecoverFromStartup(ctx); err != nil {
		return err
	}
	slog.Info("startup recovery sweep complete")

	server := api.NewServer(disp, ext, storeClient)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("pinaxd listening", "addr", cfg.ListenAddr)
		errCh <- server.Start(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutCtx)
}
