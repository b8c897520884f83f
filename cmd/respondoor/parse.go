package main

import (
	"fmt"

	"github.com/ethpandaops/respondoor/pkg/logparse"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	parseBuildID  string
	parseRevision string
	parseClobber  bool
)

var parseCmd = &cobra.Command{
	Use:   "parse <file>...",
	Short: "Ingest local harness log files",
	Long: `Parse one or more local harness logs (plain or gzip) into the result
store. Build id and revision are read from the log header unless given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runParse,
}

func init() {
	rootCmd.AddCommand(parseCmd)
	parseCmd.Flags().StringVar(&parseBuildID, "build-id", "",
		"Build id (YYYYMMDDhhmmss) to use instead of the log header")
	parseCmd.Flags().StringVar(&parseRevision, "revision", "",
		"Revision to use instead of the log header")
	parseCmd.Flags().BoolVar(&parseClobber, "clobber", false,
		"Replace stored results for the same branch, platform and revision")
}

func runParse(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cmd.Flags().Changed("clobber") {
		parseClobber = cfg.Ingest.Clobber
	}

	store, err := openStore(cmd.Context(), cfg)
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

	opts := logparse.Options{
		BuildID:  parseBuildID,
		Revision: parseRevision,
		Clobber:  parseClobber,
	}

	var failed int

	for _, path := range args {
		summary, err := ing.ParseFile(cmd.Context(), path, opts)
		if err != nil {
			failed++

			log.WithError(err).WithField("file", path).Error("Failed to parse log")

			continue
		}

		log.WithFields(logrus.Fields{
			"file":      path,
			"branch":    summary.Branch,
			"platform":  summary.Platform,
			"build_id":  summary.BuildID,
			"revision":  summary.Revision,
			"records":   summary.Records,
			"clobbered": summary.Clobbered,
			"malformed": summary.Malformed,
			"anomalies": summary.Anomalies,
			"dangling":  summary.Dangling,
		}).Info("Parsed log")
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d logs failed to parse", failed, len(args))
	}

	return nil
}
