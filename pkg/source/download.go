package source

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
)

const downloadTimeout = 5 * time.Minute

// Downloader fetches logs by URL, as announced by build events.
type Downloader struct {
	log      logrus.FieldLogger
	client   *http.Client
	attempts int
	delay    time.Duration
}

// NewDownloader creates a Downloader making up to attempts tries per URL.
func NewDownloader(log logrus.FieldLogger, attempts int) *Downloader {
	return &Downloader{
		log:      log.WithField("component", "download"),
		client:   &http.Client{Timeout: downloadTimeout},
		attempts: attempts,
		delay:    defaultRetryDelay,
	}
}

// Download writes the body at url to dst. On failure dst is removed.
func (d *Downloader) Download(ctx context.Context, url, dst string) error {
	err := withRetry(ctx, d.log, d.attempts, d.delay, url, func() error {
		return d.get(ctx, url, dst)
	})
	if err != nil {
		_ = os.Remove(dst)

		return fmt.Errorf("downloading %s: %w", url, err)
	}

	return nil
}

func (d *Downloader) get(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Unrecoverable(err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}

	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusTooManyRequests:
		return retry.Unrecoverable(fmt.Errorf("unexpected status %s", resp.Status))
	default:
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	return writeFile(dst, resp.Body)
}
