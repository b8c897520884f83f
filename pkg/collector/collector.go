// Package collector ingests harness logs announced by build-completion
// events.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/ethpandaops/respondoor/pkg/config"
	"github.com/ethpandaops/respondoor/pkg/logparse"
	"github.com/sirupsen/logrus"
)

// Event announces a completed test job of a build.
type Event struct {
	BuildID  string `json:"buildid"`
	OS       string `json:"os"`
	Test     string `json:"test"`
	Tree     string `json:"tree"`
	LogURL   string `json:"logurl"`
	Revision string `json:"revision"`
}

// Ingestor parses one local log file.
type Ingestor interface {
	ParseFile(
		ctx context.Context, path string, opts logparse.Options,
	) (*logparse.Summary, error)
}

// Downloader fetches a log by URL.
type Downloader interface {
	Download(ctx context.Context, url, dst string) error
}

// Collector handles build events one at a time.
type Collector struct {
	log      logrus.FieldLogger
	cfg      *config.ListenerConfig
	spoolDir string
	ingest   Ingestor
	dl       Downloader

	mu sync.Mutex
}

// New creates a Collector downloading logs into spoolDir.
func New(
	log logrus.FieldLogger,
	cfg *config.ListenerConfig,
	spoolDir string,
	ingest Ingestor,
	dl Downloader,
) *Collector {
	return &Collector{
		log:      log.WithField("component", "collector"),
		cfg:      cfg,
		spoolDir: spoolDir,
		ingest:   ingest,
		dl:       dl,
	}
}

// Handle downloads and parses the log of ev. Events of other test suites
// are ignored. Calls are serialized so two events never interleave.
func (c *Collector) Handle(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	evLog := c.log.WithFields(logrus.Fields{
		"test":     ev.Test,
		"build_id": ev.BuildID,
		"tree":     ev.Tree,
		"os":       ev.OS,
	})

	evLog.Debug("Test completed")

	if ev.Test != c.cfg.TestSuite {
		return nil
	}

	name, err := logFileName(ev.LogURL)
	if err != nil {
		return err
	}

	evLog.WithField("url", ev.LogURL).Info("Found harness log")

	if err := os.MkdirAll(c.spoolDir, 0o755); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}

	dst := filepath.Join(c.spoolDir, name)

	if err := c.dl.Download(ctx, ev.LogURL, dst); err != nil {
		return err
	}

	defer func() {
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			evLog.WithError(err).Warn("Failed to remove downloaded log")
		}
	}()

	_, err = c.ingest.ParseFile(ctx, dst, logparse.Options{
		BuildID:  ev.BuildID,
		Revision: ev.Revision,
		Clobber:  c.cfg.Clobber,
	})
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}

	return nil
}

// logFileName returns the base name of the log at raw.
func logFileName(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("event has no log url")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing log url: %w", err)
	}

	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return "", fmt.Errorf("log url %q has no file name", raw)
	}

	return name, nil
}

// HandleMessage decodes a JSON event from data and handles it. Failures
// are logged; a bad event never stops the listener.
func (c *Collector) HandleMessage(ctx context.Context, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.WithError(err).Error("Failed to decode build event")

		return
	}

	if err := c.Handle(ctx, ev); err != nil {
		c.log.WithError(err).
			WithField("url", ev.LogURL).
			Error("Failed to ingest build event")
	}
}
