// Package query serves filtered, aggregated results.
package query

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/ethpandaops/respondoor/pkg/aggregate"
	"github.com/ethpandaops/respondoor/pkg/logparse"
	"github.com/ethpandaops/respondoor/pkg/resultstore"
	"github.com/sirupsen/logrus"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05"
)

// Store is the subset of the result store read by the service.
type Store interface {
	ListNames(ctx context.Context, kind resultstore.Kind) ([]resultstore.Name, error)
	QueryResults(ctx context.Context, f resultstore.Filter) ([]resultstore.ResultRow, error)
	QueryBuildResults(ctx context.Context, f resultstore.Filter) ([]resultstore.BuildResultRow, error)
}

// ParseFilter builds a filter from repeated test, platform and branch
// parameters and optional start and end dates. start accepts a date or a
// datetime; end is a calendar day and includes the whole day.
func ParseFilter(values url.Values) (resultstore.Filter, error) {
	f := resultstore.Filter{
		Tests:     nonEmpty(values["test"]),
		Platforms: nonEmpty(values["platform"]),
		Branches:  nonEmpty(values["branch"]),
	}

	if v := values.Get("start"); v != "" {
		start, err := parseStart(v)
		if err != nil {
			return resultstore.Filter{}, err
		}

		f.Start = &start
	}

	if v := values.Get("end"); v != "" {
		end, err := time.ParseInLocation(dateLayout, v, time.UTC)
		if err != nil {
			return resultstore.Filter{}, fmt.Errorf("invalid end date %q, want YYYY-MM-DD", v)
		}

		f.End = &end
	}

	if f.Start != nil && f.End != nil && !f.Start.Before(resultstore.DayAfter(*f.End)) {
		return resultstore.Filter{}, fmt.Errorf("start %s is after end %s",
			f.Start.Format(dateTimeLayout), f.End.Format(dateLayout))
	}

	return f, nil
}

func parseStart(v string) (time.Time, error) {
	for _, layout := range []string{dateLayout, dateTimeLayout} {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid start %q, want YYYY-MM-DD or YYYY-MM-DDTHH:MM:SS", v)
}

func nonEmpty(vs []string) []string {
	var out []string

	for _, v := range vs {
		if v != "" {
			out = append(out, v)
		}
	}

	return out
}

// Service runs queries in the configured ingest mode.
type Service struct {
	log   logrus.FieldLogger
	store Store
	mode  logparse.Mode
}

// NewService creates a query service over store.
func NewService(log logrus.FieldLogger, store Store, mode logparse.Mode) *Service {
	return &Service{
		log:   log.WithField("component", "query"),
		store: store,
		mode:  mode,
	}
}

// Results returns one aggregated metric per revision matching f.
func (s *Service) Results(
	ctx context.Context, f resultstore.Filter,
) ([]aggregate.RevisionMetric, error) {
	if s.mode == logparse.ModeLegacy {
		rows, err := s.store.QueryBuildResults(ctx, f)
		if err != nil {
			return nil, err
		}

		return aggregate.PassFail(rows), nil
	}

	rows, err := s.store.QueryResults(ctx, f)
	if err != nil {
		return nil, err
	}

	s.log.WithField("rows", len(rows)).Debug("Aggregating results")

	return aggregate.Periods(rows), nil
}

// Info returns every known name per dimension, keyed by "test",
// "platform" and "branch".
func (s *Service) Info(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string, len(resultstore.Kinds))

	for _, kind := range resultstore.Kinds {
		names, err := s.store.ListNames(ctx, kind)
		if err != nil {
			return nil, err
		}

		list := make([]string, 0, len(names))
		for _, n := range names {
			list = append(list, n.Name)
		}

		out[string(kind)] = list
	}

	return out, nil
}
