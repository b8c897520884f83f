package query

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/respondoor/pkg/config"
	"github.com/ethpandaops/respondoor/pkg/logparse"
	"github.com/ethpandaops/respondoor/pkg/resultstore"
)

func TestParseFilter(t *testing.T) {
	date := func(s string) *time.Time {
		ts, err := time.Parse(time.RFC3339, s)
		require.NoError(t, err)

		return &ts
	}

	tests := []struct {
		name    string
		query   string
		want    resultstore.Filter
		wantErr bool
	}{
		{
			name:  "empty",
			query: "",
			want:  resultstore.Filter{},
		},
		{
			name:  "repeated names",
			query: "test=a&test=b&platform=linux&branch=try&branch=",
			want: resultstore.Filter{
				Tests:     []string{"a", "b"},
				Platforms: []string{"linux"},
				Branches:  []string{"try"},
			},
		},
		{
			name:  "date range",
			query: "start=2012-01-01&end=2012-01-31",
			want: resultstore.Filter{
				Start: date("2012-01-01T00:00:00Z"),
				End:   date("2012-01-31T00:00:00Z"),
			},
		},
		{
			name:  "start datetime",
			query: "start=2012-01-01T12:30:00",
			want:  resultstore.Filter{Start: date("2012-01-01T12:30:00Z")},
		},
		{
			name:  "same day",
			query: "start=2012-01-01T12:30:00&end=2012-01-01",
			want: resultstore.Filter{
				Start: date("2012-01-01T12:30:00Z"),
				End:   date("2012-01-01T00:00:00Z"),
			},
		},
		{name: "bad start", query: "start=yesterday", wantErr: true},
		{name: "end datetime rejected", query: "end=2012-01-01T00:00:00", wantErr: true},
		{name: "inverted range", query: "start=2012-02-01&end=2012-01-01", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := url.ParseQuery(tt.query)
			require.NoError(t, err)

			got, err := ParseFilter(values)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func setupStore(t *testing.T) resultstore.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := resultstore.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{
			Path: filepath.Join(t.TempDir(), "results.db"),
		},
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func mustName(t *testing.T, s resultstore.Store, kind resultstore.Kind, name string) uint {
	t.Helper()

	id, err := s.CreateName(context.Background(), kind, name)
	require.NoError(t, err)

	return id
}

func TestService_Results(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	branch := mustName(t, s, resultstore.KindBranch, "mozilla-central")
	platform := mustName(t, s, resultstore.KindPlatform, "linux")
	test := mustName(t, s, resultstore.KindTest, "test_scroll.js")

	inDay := time.Date(2012, 1, 1, 23, 59, 59, 0, time.UTC)
	nextDay := time.Date(2012, 1, 2, 0, 0, 1, 0, time.UTC)

	insert := func(date time.Time, rev string, run int, period int64) {
		require.NoError(t, s.InsertResult(ctx, &resultstore.Result{
			BranchID:           branch,
			PlatformID:         platform,
			TestID:             test,
			BuildDate:          date,
			Revision:           rev,
			Run:                run,
			UnresponsivePeriod: period,
		}))
	}

	insert(inDay, "abc", 1, 100)
	insert(inDay, "abc", 1, 200)
	insert(inDay, "abc", 2, 300)
	insert(nextDay, "def", 1, 0)

	svc := NewService(logrus.New(), s, logparse.ModeDetailed)

	f, err := ParseFilter(url.Values{
		"test": {"test_scroll.js"},
		"end":  {"2012-01-01"},
	})
	require.NoError(t, err)

	got, err := svc.Results(ctx, f)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "abc", got[0].Revision)
	assert.InDelta(t, 70.0, got[0].Metric, 1e-9)

	got, err = svc.Results(ctx, resultstore.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "def", got[1].Revision)
	assert.Zero(t, got[1].Metric)
}

func TestService_ResultsLegacy(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	branch := mustName(t, s, resultstore.KindBranch, "try")
	platform := mustName(t, s, resultstore.KindPlatform, "win32")
	test := mustName(t, s, resultstore.KindTest, "test_menus.js")

	for _, r := range []struct {
		pass   bool
		metric float64
	}{{true, 0}, {false, 5}, {true, 0}} {
		require.NoError(t, s.InsertBuildResult(ctx, &resultstore.BuildResult{
			BranchID:   branch,
			PlatformID: platform,
			TestID:     test,
			BuildDate:  time.Date(2012, 3, 1, 10, 10, 10, 0, time.UTC),
			Revision:   "abc",
			Pass:       r.pass,
			Metric:     r.metric,
		}))
	}

	svc := NewService(logrus.New(), s, logparse.ModeLegacy)

	got, err := svc.Results(ctx, resultstore.Filter{Platforms: []string{"win32", "linux"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 5.0/3, got[0].Metric, 1e-9)
	require.NotNil(t, got[0].Pass)
	assert.False(t, *got[0].Pass)

	got, err = svc.Results(ctx, resultstore.Filter{Platforms: []string{"linux"}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestService_Info(t *testing.T) {
	s := setupStore(t)

	mustName(t, s, resultstore.KindBranch, "try")
	mustName(t, s, resultstore.KindBranch, "mozilla-central")
	mustName(t, s, resultstore.KindTest, "test_menus.js")

	info, err := NewService(logrus.New(), s, logparse.ModeDetailed).Info(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string][]string{
		"branch":   {"try", "mozilla-central"},
		"platform": {},
		"test":     {"test_menus.js"},
	}, info)
}
