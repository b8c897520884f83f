// Package api serves aggregated results and accepts build events over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/respondoor/pkg/aggregate"
	"github.com/ethpandaops/respondoor/pkg/collector"
	"github.com/ethpandaops/respondoor/pkg/config"
	"github.com/ethpandaops/respondoor/pkg/resultstore"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

// Querier answers result and dimension queries.
type Querier interface {
	Results(ctx context.Context, f resultstore.Filter) ([]aggregate.RevisionMetric, error)
	Info(ctx context.Context) (map[string][]string, error)
}

// EventHandler ingests the log announced by a build event.
type EventHandler interface {
	Handle(ctx context.Context, ev collector.Event) error
}

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	query      Querier
	events     EventHandler
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server. events may be nil, in which case
// the event endpoint is not registered.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	query Querier,
	events EventHandler,
) Server {
	return &server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		query:  query,
		events: events,
		done:   make(chan struct{}),
	}
}

// Start binds the listener and serves HTTP in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop shuts down the HTTP server and waits for accepted events to finish.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
