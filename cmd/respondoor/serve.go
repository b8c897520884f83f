package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/respondoor/pkg/api"
	"github.com/ethpandaops/respondoor/pkg/collector"
	"github.com/ethpandaops/respondoor/pkg/logparse"
	"github.com/ethpandaops/respondoor/pkg/query"
	"github.com/ethpandaops/respondoor/pkg/source"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve results and ingest build events",
	Long: `Start the HTTP API. Build events posted to /api/v1/events are
ingested as they arrive; with listener.enabled the same events are also
consumed from NATS.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.ValidateListener(); err != nil {
		return fmt.Errorf("validating listener config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop result store")
		}
	}()

	ing, err := newIngestor(cfg, store)
	if err != nil {
		return err
	}

	coll := collector.New(log, &cfg.Listener, cfg.Ingest.SpoolDir, ing,
		source.NewDownloader(log, cfg.Ingest.DownloadAttempts))

	svc := query.NewService(log, store, logparse.Mode(cfg.Ingest.Mode))

	srv := api.NewServer(log, &cfg.API, svc, coll)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	var conn *nats.Conn

	if cfg.Listener.Enabled {
		conn, err = collector.Connect(log, &cfg.Listener.NATS)
		if err != nil {
			_ = srv.Stop()

			return err
		}

		if _, err := coll.Subscribe(ctx, conn); err != nil {
			conn.Close()
			_ = srv.Stop()

			return err
		}
	}

	// Wait for shutdown signal.
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("Shutting down")
	case <-ctx.Done():
	}

	// Let in-flight bus events finish before their context is cancelled.
	if conn != nil {
		if err := collector.Drain(conn); err != nil {
			log.WithError(err).Warn("Failed to drain NATS connection")
		}
	}

	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
