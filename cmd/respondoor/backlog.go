package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethpandaops/respondoor/pkg/backlog"
	"github.com/ethpandaops/respondoor/pkg/source"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var backlogCmd = &cobra.Command{
	Use:   "backlog <buildid | start [end]>",
	Short: "Ingest the logs of past builds",
	Long: `Ingest every harness log of the builds in a range from the
configured source. The range is either a single 14-digit build id, or a
start and optional end given as YYYY-MM-DD or YYYY-MM-DDTHH:MM:SS (UTC).
The end defaults to now. Results of re-ingested builds replace earlier ones.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runBacklog,
}

func init() {
	rootCmd.AddCommand(backlogCmd)
}

func runBacklog(cmd *cobra.Command, args []string) error {
	start, end, err := backlog.ParseRange(args, time.Now())
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.ValidateSource(); err != nil {
		return fmt.Errorf("validating source config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := source.New(log, &cfg.Source, cfg.Ingest.DownloadAttempts)
	if err != nil {
		return fmt.Errorf("creating log source: %w", err)
	}

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

	report, err := backlog.New(log, src, ing, cfg.Ingest.SpoolDir, cfg.Ingest.Concurrency).
		Run(ctx, start, end)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"found":        report.Found,
		"parsed":       report.Parsed,
		"records":      report.Records,
		"fetch_failed": report.FetchFailed,
		"parse_failed": report.ParseFailed,
	}).Info("Backlog complete")

	if ctx.Err() != nil {
		return fmt.Errorf("backlog interrupted: %w", ctx.Err())
	}

	if failed := report.FetchFailed + report.ParseFailed; failed > 0 {
		log.WithField("failed", failed).Warn("Some logs were skipped")
	}

	return nil
}
