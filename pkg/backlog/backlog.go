// Package backlog ingests every harness log of a range of past builds.
package backlog

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/respondoor/pkg/logparse"
	"github.com/ethpandaops/respondoor/pkg/source"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// defaultConcurrency is the number of logs fetched in parallel when no
// explicit concurrency value is configured.
const defaultConcurrency = 4

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05"
)

var buildIDArg = regexp.MustCompile(`^\d{14}$`)

// Ingestor parses one local log file.
type Ingestor interface {
	ParseFile(
		ctx context.Context, path string, opts logparse.Options,
	) (*logparse.Summary, error)
}

// Report counts the outcome of a backlog run.
type Report struct {
	Found       int
	Parsed      int
	Records     int
	FetchFailed int
	ParseFailed int
}

// Backlog fetches and parses logs from a source.
type Backlog struct {
	log         logrus.FieldLogger
	src         source.Source
	ingest      Ingestor
	spoolDir    string
	concurrency int
}

// New creates a Backlog fetching into spoolDir. An empty spoolDir uses a
// fresh temporary directory per run.
func New(
	log logrus.FieldLogger,
	src source.Source,
	ingest Ingestor,
	spoolDir string,
	concurrency int,
) *Backlog {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Backlog{
		log:         log.WithField("component", "backlog"),
		src:         src,
		ingest:      ingest,
		spoolDir:    spoolDir,
		concurrency: concurrency,
	}
}

// Run ingests the logs of every build in [start, end] with clobber
// enabled. A log that cannot be fetched or parsed is logged and skipped;
// only a failure to list the source is returned.
func (b *Backlog) Run(ctx context.Context, start, end time.Time) (Report, error) {
	var report Report

	b.log.WithFields(logrus.Fields{
		"start": start.Format(time.RFC3339),
		"end":   end.Format(time.RFC3339),
	}).Info("Looking for logs")

	refs, err := b.src.ListLogs(ctx, start, end)
	if err != nil {
		return report, fmt.Errorf("listing logs: %w", err)
	}

	report.Found = len(refs)

	if len(refs) == 0 {
		b.log.Info("No logs found")

		return report, nil
	}

	dir, cleanup, err := b.workDir()
	if err != nil {
		return report, err
	}
	defer cleanup()

	var parsed, records, fetchFailed, parseFailed atomic.Int64

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for _, ref := range refs {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			refLog := b.log.WithField("log", ref.Key)

			// Logs of different builds may share a file name.
			fetchDir, err := os.MkdirTemp(dir, "log-")
			if err != nil {
				return fmt.Errorf("creating fetch dir: %w", err)
			}

			defer func() { _ = os.RemoveAll(fetchDir) }()

			path, err := b.src.Fetch(gCtx, ref, fetchDir)
			if err != nil {
				refLog.WithError(err).Error("Couldn't fetch log, skipping")
				fetchFailed.Add(1)

				return nil //nolint:nilerr // log and continue
			}

			summary, err := b.ingest.ParseFile(gCtx, path, logparse.Options{Clobber: true})
			if err != nil {
				entry := refLog.WithError(err)
				if logparse.IsFatal(err) {
					entry.Warn("Log rejected")
				} else {
					entry.Error("Failed to ingest log")
				}

				parseFailed.Add(1)

				return nil //nolint:nilerr // log and continue
			}

			parsed.Add(1)
			records.Add(int64(summary.Records))

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("ingesting logs: %w", err)
	}

	report.Parsed = int(parsed.Load())
	report.Records = int(records.Load())
	report.FetchFailed = int(fetchFailed.Load())
	report.ParseFailed = int(parseFailed.Load())

	b.log.WithFields(logrus.Fields{
		"found":        report.Found,
		"parsed":       report.Parsed,
		"records":      report.Records,
		"fetch_failed": report.FetchFailed,
		"parse_failed": report.ParseFailed,
	}).Info("Backlog complete")

	return report, nil
}

// workDir returns the directory fetched logs are written to.
func (b *Backlog) workDir() (string, func(), error) {
	if b.spoolDir != "" {
		if err := os.MkdirAll(b.spoolDir, 0o755); err != nil {
			return "", nil, fmt.Errorf("creating spool dir: %w", err)
		}

		return b.spoolDir, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "respondoor-backlog-")
	if err != nil {
		return "", nil, fmt.Errorf("creating temp dir: %w", err)
	}

	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// ParseRange turns command arguments into a build time range. A single
// 14-digit build id selects exactly that build. Otherwise the arguments
// are a start and optional end date or datetime; the end defaults to now.
func ParseRange(args []string, now time.Time) (time.Time, time.Time, error) {
	switch len(args) {
	case 1, 2:
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("expected 1 or 2 arguments, got %d", len(args))
	}

	if len(args) == 1 && buildIDArg.MatchString(args[0]) {
		t, err := logparse.ParseBuildID(args[0])
		if err != nil {
			return time.Time{}, time.Time{}, err
		}

		return t, t, nil
	}

	start, err := parseDateOrDateTime(args[0])
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	end := now.UTC()

	if len(args) == 2 {
		end, err = parseDateOrDateTime(args[1])
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end %s is before start %s",
			end.Format(dateTimeLayout), start.Format(dateTimeLayout))
	}

	return start, end, nil
}

func parseDateOrDateTime(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(dateTimeLayout, s, time.UTC); err == nil {
		return t, nil
	}

	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date or datetime %q", s)
	}

	return t, nil
}
