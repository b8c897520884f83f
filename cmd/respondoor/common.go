package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/respondoor/pkg/config"
	"github.com/ethpandaops/respondoor/pkg/identcache"
	"github.com/ethpandaops/respondoor/pkg/logparse"
	"github.com/ethpandaops/respondoor/pkg/resultstore"
)

// loadConfig loads and validates the shared configuration. The config
// log level applies unless --log-level was given.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if logLevel == "" {
		if err := setLogLevel(cfg.Global.LogLevel); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// openStore starts the result store. The caller must stop it.
func openStore(ctx context.Context, cfg *config.Config) (resultstore.Store, error) {
	store := resultstore.NewStore(log, &cfg.Database)
	if err := store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting result store: %w", err)
	}

	return store, nil
}

// newIngestor creates an ingestor over store in the configured mode.
func newIngestor(cfg *config.Config, store resultstore.Store) (*logparse.Ingestor, error) {
	ing, err := logparse.NewIngestor(
		log, store, identcache.New(log, store), logparse.Mode(cfg.Ingest.Mode),
	)
	if err != nil {
		return nil, fmt.Errorf("creating ingestor: %w", err)
	}

	return ing, nil
}
