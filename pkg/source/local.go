package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ethpandaops/respondoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Source = (*localSource)(nil)

type localSource struct {
	log  logrus.FieldLogger
	root string
	lister
}

func newLocalSource(
	log logrus.FieldLogger, cfg *config.LocalSourceConfig, l lister,
) *localSource {
	return &localSource{
		log:    log.WithField("component", "source").WithField("root", cfg.Root),
		root:   cfg.Root,
		lister: l,
	}
}

// subdirs returns the names of directories under dir. A missing dir has
// none.
func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}

	return names, nil
}

// ListLogs implements Source.
func (s *localSource) ListLogs(
	_ context.Context, start, end time.Time,
) ([]LogRef, error) {
	dirs := s.dirs
	if len(dirs) == 0 {
		all, err := subdirs(s.root)
		if err != nil {
			return nil, err
		}

		dirs = all
	}

	var refs []LogRef

	for _, dir := range dirs {
		builds, err := subdirs(filepath.Join(s.root, dir))
		if err != nil {
			return nil, err
		}

		s.log.WithField("dir", dir).Debug("Searching build directory")

		for _, build := range builds {
			buildTime, ok := parseBuildTime(build)
			if !ok || !inRange(buildTime, start, end) {
				continue
			}

			buildDir := filepath.Join(s.root, dir, build)

			entries, err := os.ReadDir(buildDir)
			if err != nil {
				return nil, fmt.Errorf("reading build directory %s: %w", buildDir, err)
			}

			for _, e := range entries {
				if e.IsDir() || !s.pattern.MatchString(e.Name()) {
					continue
				}

				refs = append(refs, LogRef{
					Dir:       dir,
					BuildTime: buildTime,
					Name:      e.Name(),
					Key:       filepath.Join(buildDir, e.Name()),
				})
			}
		}
	}

	sortRefs(refs)

	return refs, nil
}

// Fetch implements Source.
func (s *localSource) Fetch(
	ctx context.Context, ref LogRef, dir string,
) (string, error) {
	dst := filepath.Join(dir, ref.Name)

	err := withRetry(ctx, s.log, s.attempts, s.delay, ref.Key, func() error {
		return copyFile(ref.Key, dst)
	})
	if err != nil {
		_ = os.Remove(dst)

		return "", fmt.Errorf("fetching %s: %w", ref.Key, err)
	}

	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // paths come from the configured root
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	return writeFile(dst, in)
}

// writeFile streams r into dst, replacing any partial earlier attempt.
func writeFile(dst string, r io.Reader) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()

		return err
	}

	return out.Close()
}
