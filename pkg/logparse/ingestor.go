// Package logparse turns harness logs into stored results.
package logparse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/respondoor/pkg/identcache"
	"github.com/ethpandaops/respondoor/pkg/resultstore"
	"github.com/sirupsen/logrus"
)

var (
	buildIDHeader  = regexp.MustCompile(`^buildid: (\d+)`)
	revisionHeader = regexp.MustCompile(`^revision: (\w+)`)
)

// Store is the subset of the result store written during ingestion.
type Store interface {
	InsertResults(ctx context.Context, rs []*resultstore.Result) error
	InsertBuildResults(ctx context.Context, rs []*resultstore.BuildResult) error
	ReplaceResults(
		ctx context.Context, branchID, platformID uint, revision string,
		rs []*resultstore.Result,
	) (int64, error)
	ReplaceBuildResults(
		ctx context.Context, branchID, platformID uint, revision string,
		rs []*resultstore.BuildResult,
	) (int64, error)
}

// Options carry what the caller already knows about a log.
type Options struct {
	// BuildID and Revision, when set, are used instead of scanning the
	// log header.
	BuildID  string
	Revision string
	// Clobber replaces previously stored results for the log's branch,
	// platform and revision. The delete and this file's inserts commit
	// together.
	Clobber bool
}

// Summary describes the outcome of parsing one log.
type Summary struct {
	File      string
	Branch    string
	Platform  string
	BuildID   string
	Revision  string
	Records   int
	Clobbered int64
	Malformed int
	Anomalies int
	Dangling  int
}

// Ingestor parses one log at a time into the result store.
type Ingestor struct {
	log    logrus.FieldLogger
	store  Store
	ids    *identcache.Cache
	parser Parser

	mu sync.Mutex
}

// NewIngestor creates an ingestor using the grammar of mode.
func NewIngestor(
	log logrus.FieldLogger,
	store Store,
	ids *identcache.Cache,
	mode Mode,
) (*Ingestor, error) {
	parser, err := NewParser(mode)
	if err != nil {
		return nil, err
	}

	return &Ingestor{
		log:    log.WithField("component", "logparse"),
		store:  store,
		ids:    ids,
		parser: parser,
	}, nil
}

// Mode returns the ingest mode.
func (i *Ingestor) Mode() Mode {
	return i.parser.Mode()
}

// ParseFile parses the log at path to completion. Calls are serialized
// per Ingestor; separate Ingestors may share a store. Records parsed
// before a fatal error are still stored, and re-ingesting with clobber
// enabled supersedes them.
func (i *Ingestor) ParseFile(
	ctx context.Context, path string, opts Options,
) (*Summary, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	summary, err := i.parseFile(ctx, path, opts)
	if err != nil {
		filesTotal.WithLabelValues(outcomeFailed).Inc()

		return summary, err
	}

	filesTotal.WithLabelValues(outcomeParsed).Inc()

	return summary, nil
}

func (i *Ingestor) parseFile(
	ctx context.Context, path string, opts Options,
) (*Summary, error) {
	branch, platform, err := ParseFileName(path)
	if err != nil {
		return &Summary{File: path}, err
	}

	if err := i.ids.Rebuild(ctx); err != nil {
		return &Summary{File: path}, fmt.Errorf("rebuilding identifier cache: %w", err)
	}

	scanner, closeLog, err := openLog(path)
	if err != nil {
		return &Summary{File: path, Branch: branch, Platform: platform}, err
	}
	defer func() { _ = closeLog() }()

	s := &session{
		ing:     i,
		tracker: newTracker(),
		summary: &Summary{
			File:     path,
			Branch:   branch,
			Platform: platform,
		},
		log: i.log.WithFields(logrus.Fields{
			"file":     path,
			"branch":   branch,
			"platform": platform,
		}),
		clobber: opts.Clobber,
	}

	if opts.BuildID != "" {
		if err := s.setBuildID(opts.BuildID); err != nil {
			return s.summary, err
		}
	}

	if opts.Revision != "" {
		s.setRevision(opts.Revision)
	}

	if err := s.scan(ctx, scanner); err != nil {
		if flushErr := s.flush(ctx); flushErr != nil {
			s.log.WithError(flushErr).Error("Failed to store records parsed before error")
		}

		return s.summary, err
	}

	s.dropDangling()

	if err := s.flush(ctx); err != nil {
		return s.summary, err
	}

	s.log.WithFields(logrus.Fields{
		"records":   s.summary.Records,
		"clobbered": s.summary.Clobbered,
		"malformed": s.summary.Malformed,
		"anomalies": s.summary.Anomalies,
		"dangling":  s.summary.Dangling,
	}).Info("Parsed log")

	return s.summary, nil
}

// session is the state of one ParseFile call.
type session struct {
	ing     *Ingestor
	log     logrus.FieldLogger
	tracker *tracker
	summary *Summary
	clobber bool

	buildDate   time.Time
	revisionSet bool

	branchID, platformID uint
	resolved             bool

	// Records are held until the whole file is read so a clobber and the
	// inserts that follow it land in one transaction.
	results      []*resultstore.Result
	buildResults []*resultstore.BuildResult
}

func (s *session) scan(ctx context.Context, scanner *bufio.Scanner) error {
	for scanner.Scan() {
		if err := s.line(ctx, scanner.Text()); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading log: %w", err)
	}

	return nil
}

func (s *session) setBuildID(id string) error {
	t, err := ParseBuildID(id)
	if err != nil {
		return err
	}

	s.summary.BuildID = id
	s.buildDate = t
	s.log = s.log.WithField("build_id", id)

	return nil
}

// setRevision establishes the revision. Rows of this branch and platform
// already stored for it are superseded when clobber is enabled.
func (s *session) setRevision(rev string) {
	s.summary.Revision = rev
	s.revisionSet = true
	s.log = s.log.WithField("revision", rev)
}

// flush writes the buffered records. With clobber and a known revision it
// replaces the revision's stored rows even when the file yielded none.
func (s *session) flush(ctx context.Context) error {
	replace := s.clobber && s.revisionSet
	if !replace && len(s.results) == 0 && len(s.buildResults) == 0 {
		return nil
	}

	if err := s.resolveBuild(ctx); err != nil {
		return err
	}

	var (
		records int
		deleted int64
		err     error
	)

	mode := s.ing.Mode()
	store := s.ing.store
	rev := s.summary.Revision

	switch {
	case mode == ModeLegacy && replace:
		records = len(s.buildResults)
		deleted, err = store.ReplaceBuildResults(ctx, s.branchID, s.platformID, rev, s.buildResults)
	case mode == ModeLegacy:
		records = len(s.buildResults)
		err = store.InsertBuildResults(ctx, s.buildResults)
	case replace:
		records = len(s.results)
		deleted, err = store.ReplaceResults(ctx, s.branchID, s.platformID, rev, s.results)
	default:
		records = len(s.results)
		err = store.InsertResults(ctx, s.results)
	}

	if err != nil {
		return fmt.Errorf("storing %d records: %w", records, err)
	}

	s.results, s.buildResults = nil, nil

	s.summary.Records += records
	recordsTotal.WithLabelValues(string(mode)).Add(float64(records))

	s.summary.Clobbered += deleted
	clobberedRowsTotal.Add(float64(deleted))

	if deleted > 0 {
		s.log.WithField("rows", deleted).Info("Clobbered previous results")
	}

	return nil
}

// resolveBuild resolves the branch and platform identifiers once.
func (s *session) resolveBuild(ctx context.Context) error {
	if s.resolved {
		return nil
	}

	var err error

	s.branchID, _, err = s.ing.ids.Resolve(ctx, resultstore.KindBranch, s.summary.Branch)
	if err != nil {
		return fmt.Errorf("resolving branch: %w", err)
	}

	s.platformID, _, err = s.ing.ids.Resolve(ctx, resultstore.KindPlatform, s.summary.Platform)
	if err != nil {
		return fmt.Errorf("resolving platform: %w", err)
	}

	s.resolved = true

	return nil
}

// recordKeys returns the identifiers every stored record carries.
func (s *session) recordKeys(ctx context.Context, test string) (uint, error) {
	if s.summary.BuildID == "" {
		return 0, ErrMissingBuildID
	}

	if err := s.resolveBuild(ctx); err != nil {
		return 0, err
	}

	testID, _, err := s.ing.ids.Resolve(ctx, resultstore.KindTest, test)
	if err != nil {
		return 0, fmt.Errorf("resolving test: %w", err)
	}

	return testID, nil
}

func (s *session) line(ctx context.Context, line string) error {
	if err := s.header(line); err != nil {
		return err
	}

	ev, ok, err := s.ing.parser.ParseLine(line)
	if err != nil {
		s.summary.Malformed++
		anomaliesTotal.WithLabelValues(anomalyKind(err)).Inc()
		s.log.WithError(err).Warn("Skipping malformed line")

		return nil
	}

	if !ok {
		return nil
	}

	if s.ing.Mode() == ModeLegacy {
		return s.legacyEvent(ctx, ev)
	}

	return s.detailedEvent(ctx, ev)
}

// header captures the first buildid and revision markers not already
// supplied by the caller.
func (s *session) header(line string) error {
	trimmed := strings.TrimSpace(line)

	if s.summary.BuildID == "" {
		if m := buildIDHeader.FindStringSubmatch(trimmed); m != nil {
			if err := s.setBuildID(m[1]); err != nil {
				return err
			}

			s.log.Debug("Found build id")
		}
	}

	if !s.revisionSet {
		if m := revisionHeader.FindStringSubmatch(trimmed); m != nil {
			s.setRevision(m[1])
		}
	}

	return nil
}

func (s *session) anomaly(err error, test string) {
	s.summary.Anomalies++
	anomaliesTotal.WithLabelValues(anomalyKind(err)).Inc()
	s.log.WithField("test", test).Warn(err.Error())
}

func (s *session) detailedEvent(ctx context.Context, ev Event) error {
	var err error

	switch ev.Kind {
	case EventStart:
		err = s.tracker.start(ev.Test)
	case EventPass:
		err = s.tracker.pass(ev.Test)
	case EventUnresponsive:
		err = s.tracker.unresponsive(ev.Test, ev.Action, ev.Period)
	case EventEnd:
		run, ok, endErr := s.tracker.end(ev.Test)
		if endErr != nil {
			err = endErr

			break
		}

		if ok {
			return s.bufferRun(ctx, run)
		}
	}

	if err != nil {
		s.anomaly(err, ev.Test)
	}

	return nil
}

func (s *session) bufferRun(ctx context.Context, run completedRun) error {
	testID, err := s.recordKeys(ctx, run.test)
	if err != nil {
		return err
	}

	for _, p := range run.periods {
		s.results = append(s.results, &resultstore.Result{
			BranchID:           s.branchID,
			PlatformID:         s.platformID,
			TestID:             testID,
			BuildDate:          s.buildDate,
			Revision:           s.summary.Revision,
			Run:                run.run,
			UnresponsivePeriod: p.ms,
			Action:             p.action,
		})
	}

	s.log.WithFields(logrus.Fields{
		"test":    run.test,
		"run":     run.run,
		"periods": len(run.periods),
	}).Debug("Completed run")

	return nil
}

func (s *session) legacyEvent(ctx context.Context, ev Event) error {
	if ev.Kind != EventPass && ev.Kind != EventFail {
		return nil
	}

	testID, err := s.recordKeys(ctx, ev.Test)
	if err != nil {
		return err
	}

	s.buildResults = append(s.buildResults, &resultstore.BuildResult{
		BranchID:   s.branchID,
		PlatformID: s.platformID,
		TestID:     testID,
		BuildDate:  s.buildDate,
		Revision:   s.summary.Revision,
		Pass:       ev.Kind == EventPass,
		Metric:     ev.Metric,
	})

	s.log.WithFields(logrus.Fields{
		"test":   ev.Test,
		"pass":   ev.Kind == EventPass,
		"metric": ev.Metric,
	}).Debug("Parsed result")

	return nil
}

// dropDangling drops runs left open at end of file.
func (s *session) dropDangling() {
	for _, test := range s.tracker.dangling() {
		s.summary.Dangling++
		danglingRunsTotal.Inc()
		s.log.WithField("test", test).Warn("Run still open at end of log, dropped")
	}
}

// IsFatal reports whether err aborted a file rather than a store failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBadFileName) ||
		errors.Is(err, ErrInvalidBuildID) ||
		errors.Is(err, ErrMissingBuildID)
}
