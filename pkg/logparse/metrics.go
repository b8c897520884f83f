package logparse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "respondoor_ingest_"

// File outcomes.
const (
	outcomeParsed = "parsed"
	outcomeFailed = "failed"
)

var (
	filesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "files_total",
		Help: "Number of log files ingested grouped by outcome",
	}, []string{"outcome"})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "records_total",
		Help: "Number of result records stored grouped by ingest mode",
	}, []string{"mode"})

	anomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "anomalies_total",
		Help: "Number of sequencing anomalies and malformed lines grouped by kind",
	}, []string{"kind"})

	danglingRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: metricsPrefix + "dangling_runs_total",
		Help: "Number of runs still open at end of file and dropped",
	})

	clobberedRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: metricsPrefix + "clobbered_rows_total",
		Help: "Number of stored rows deleted by re-ingestion",
	})
)

// anomalyKind maps an anomaly error to its metric label.
func anomalyKind(err error) string {
	switch err {
	case ErrMissingEnd:
		return "missing_end"
	case ErrEndWithoutStart:
		return "end_without_start"
	case ErrNoResults:
		return "no_results"
	case ErrNoOpenRun:
		return "no_open_run"
	default:
		return "malformed"
	}
}
