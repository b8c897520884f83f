package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ethpandaops/respondoor/pkg/aggregate"
	"github.com/ethpandaops/respondoor/pkg/collector"
	"github.com/ethpandaops/respondoor/pkg/query"
)

// maxEventBytes bounds the size of a posted build event.
const maxEventBytes = 64 << 10

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInfo lists every known test, platform and branch.
func (s *server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.query.Info(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list names")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to list names"})

		return
	}

	writeJSON(w, http.StatusOK, info)
}

// handleResults returns one aggregated metric per revision matching the
// query string filter.
func (s *server) handleResults(w http.ResponseWriter, r *http.Request) {
	f, err := query.ParseFilter(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	metrics, err := s.query.Results(r.Context(), f)
	if err != nil {
		s.log.WithError(err).Error("Failed to query results")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to query results"})

		return
	}

	if metrics == nil {
		metrics = []aggregate.RevisionMetric{}
	}

	writeJSON(w, http.StatusOK, metrics)
}

// handleEvent accepts a build event and ingests its log in the
// background. The response is sent before the log is downloaded.
func (s *server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev collector.Event

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err := dec.Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid event body"})

		return
	}

	if ev.Test == "" || ev.LogURL == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"test and logurl are required"})

		return
	}

	select {
	case <-s.done:
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"server is shutting down"})

		return
	default:
	}

	ctx := context.WithoutCancel(r.Context())

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.events.Handle(ctx, ev); err != nil {
			s.log.WithError(err).
				WithField("url", ev.LogURL).
				Error("Failed to ingest build event")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
