// Package source discovers and fetches harness logs from build artifact
// storage laid out as <branch>-<platform>/<unix build time>/<log file>.
package source

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/ethpandaops/respondoor/pkg/config"
	"github.com/sirupsen/logrus"
)

const defaultRetryDelay = time.Second

// LogRef identifies one harness log in a source.
type LogRef struct {
	// Dir is the <branch>-<platform> build directory.
	Dir string
	// BuildTime is decoded from the unix timestamp directory.
	BuildTime time.Time
	// Name is the log file name.
	Name string
	// Key locates the log inside the source.
	Key string
}

// Source lists and fetches harness logs.
type Source interface {
	// ListLogs returns the logs of every build whose time falls within
	// [start, end], sorted by build time.
	ListLogs(ctx context.Context, start, end time.Time) ([]LogRef, error)

	// Fetch copies ref into dir and returns the local path. Failed
	// attempts are retried; on exhaustion no file is left behind.
	Fetch(ctx context.Context, ref LogRef, dir string) (string, error)
}

// New creates the Source enabled in cfg.
func New(
	log logrus.FieldLogger, cfg *config.SourceConfig, attempts int,
) (Source, error) {
	pattern, err := regexp.Compile(cfg.LogPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling log pattern: %w", err)
	}

	l := lister{
		dirs:     buildDirs(cfg.Branches, cfg.Platforms),
		pattern:  pattern,
		attempts: attempts,
		delay:    defaultRetryDelay,
	}

	switch {
	case cfg.S3.Enabled:
		return newS3Source(log, &cfg.S3, l), nil
	case cfg.Local.Enabled:
		return newLocalSource(log, &cfg.Local, l), nil
	default:
		return nil, fmt.Errorf("no log source enabled")
	}
}

// lister holds the selection rules shared by every source.
type lister struct {
	// dirs are the build directories to scan; empty scans all of them.
	dirs     []string
	pattern  *regexp.Regexp
	attempts int
	delay    time.Duration
}

// buildDirs expands configured branches and platforms into build
// directory names.
func buildDirs(branches, platforms []string) []string {
	if len(branches) == 0 || len(platforms) == 0 {
		return nil
	}

	dirs := make([]string, 0, len(branches)*len(platforms))

	for _, b := range branches {
		for _, p := range platforms {
			dirs = append(dirs, b+"-"+p)
		}
	}

	return dirs
}

// parseBuildTime decodes a unix timestamp directory name. ok is false
// for anything else living next to the build directories.
func parseBuildTime(name string) (time.Time, bool) {
	secs, err := strconv.ParseInt(name, 10, 64)
	if err != nil || secs < 0 {
		return time.Time{}, false
	}

	return time.Unix(secs, 0).UTC(), true
}

func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

func sortRefs(refs []LogRef) {
	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].BuildTime.Equal(refs[j].BuildTime) {
			return refs[i].BuildTime.Before(refs[j].BuildTime)
		}

		return refs[i].Key < refs[j].Key
	})
}

// withRetry runs fn up to attempts times.
func withRetry(
	ctx context.Context,
	log logrus.FieldLogger,
	attempts int,
	delay time.Duration,
	what string,
	fn func() error,
) error {
	if attempts < 1 {
		attempts = 1
	}

	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).
				WithField("attempt", n+1).
				Warnf("Fetching %s failed", what)
		}),
	)
}
