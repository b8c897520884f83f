package logparse

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/respondoor/pkg/config"
	"github.com/ethpandaops/respondoor/pkg/identcache"
	"github.com/ethpandaops/respondoor/pkg/resultstore"
)

const testLogName = "mozilla-central_linux_test-peptest-bm1-build7.txt.gz"

func setupIngestor(t *testing.T, mode Mode) (*Ingestor, resultstore.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	store := resultstore.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{
			Path: filepath.Join(t.TempDir(), "results.db"),
		},
	})
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { _ = store.Stop() })

	ing, err := NewIngestor(log, store, identcache.New(log, store), mode)
	require.NoError(t, err)

	return ing, store
}

// writeLog writes lines to name in a temp dir, gzipped when compress is set.
func writeLog(t *testing.T, name string, compress bool, lines ...string) string {
	t.Helper()

	content := []byte(strings.Join(lines, "\n") + "\n")

	if compress {
		var buf bytes.Buffer

		gz := gzip.NewWriter(&buf)
		_, err := gz.Write(content)
		require.NoError(t, err)
		require.NoError(t, gz.Close())

		content = buf.Bytes()
	}

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	return path
}

func queryAll(t *testing.T, store resultstore.Store) []resultstore.ResultRow {
	t.Helper()

	rows, err := store.QueryResults(context.Background(), resultstore.Filter{})
	require.NoError(t, err)

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TestName != rows[j].TestName {
			return rows[i].TestName < rows[j].TestName
		}

		if rows[i].Run != rows[j].Run {
			return rows[i].Run < rows[j].Run
		}

		return rows[i].UnresponsivePeriod < rows[j].UnresponsivePeriod
	})

	return rows
}

var detailedLog = []string{
	"buildid: 20120529174361",
	"revision: 3a1b2c4d5e6f",
	"PEP TEST-START | test_scroll.js",
	"PEP WARNING    | test_scroll.js | scroll.page | unresponsive time: 100 ms",
	"PEP WARNING    | test_scroll.js | scroll.page | unresponsive time: 200 ms",
	"PEP TEST-END   | test_scroll.js | finished in: 1002 ms",
	"PEP TEST-START | test_scroll.js",
	"PEP TEST-PASS  | test_scroll.js | all tests passed",
	"PEP TEST-END   | test_scroll.js | finished in: 980 ms",
	"PEP TEST-START | test_menus.js",
	"PEP WARNING    | test_menus.js | open.menu | unresponsive time: 300 ms",
	"PEP TEST-UNEXPECTED-FAIL | test_menus.js | fail (metric: 90.0)",
	"PEP TEST-END   | test_menus.js | finished in: 1500 ms",
}

func TestParseFile_Detailed(t *testing.T) {
	ing, store := setupIngestor(t, ModeDetailed)

	for _, compress := range []bool{true, false} {
		path := writeLog(t, testLogName, compress, detailedLog...)

		summary, err := ing.ParseFile(context.Background(), path, Options{Clobber: true})
		require.NoError(t, err)

		assert.Equal(t, "mozilla-central", summary.Branch)
		assert.Equal(t, "linux", summary.Platform)
		assert.Equal(t, "20120529174361", summary.BuildID)
		assert.Equal(t, "3a1b2c4d5e6f", summary.Revision)
		assert.Equal(t, 4, summary.Records)
		assert.Zero(t, summary.Anomalies)
		assert.Zero(t, summary.Dangling)

		rows := queryAll(t, store)
		require.Len(t, rows, 4)

		wantDate := time.Date(2012, 5, 29, 17, 44, 1, 0, time.UTC)

		type got struct {
			test   string
			run    int
			period int64
			action string
		}

		var all []got

		for _, r := range rows {
			assert.True(t, wantDate.Equal(r.BuildDate), "build date %s", r.BuildDate)
			assert.Equal(t, "mozilla-central", r.BranchName)
			assert.Equal(t, "linux", r.PlatformName)
			assert.Equal(t, "3a1b2c4d5e6f", r.Revision)

			all = append(all, got{r.TestName, r.Run, r.UnresponsivePeriod, r.Action})
		}

		assert.Equal(t, []got{
			{"test_menus.js", 1, 300, "open.menu"},
			{"test_scroll.js", 1, 100, "scroll.page"},
			{"test_scroll.js", 1, 200, "scroll.page"},
			{"test_scroll.js", 2, 0, ""},
		}, all)
	}
}

func TestParseFile_ClobberIsIdempotent(t *testing.T) {
	ing, store := setupIngestor(t, ModeDetailed)
	path := writeLog(t, testLogName, true, detailedLog...)

	_, err := ing.ParseFile(context.Background(), path, Options{Clobber: true})
	require.NoError(t, err)

	once := queryAll(t, store)

	summary, err := ing.ParseFile(context.Background(), path, Options{Clobber: true})
	require.NoError(t, err)
	assert.Equal(t, int64(4), summary.Clobbered)

	assert.Equal(t, once, queryAll(t, store))
}

func TestParseFile_WithoutClobberAppends(t *testing.T) {
	ing, store := setupIngestor(t, ModeDetailed)
	path := writeLog(t, testLogName, false, detailedLog...)

	for range 2 {
		_, err := ing.ParseFile(context.Background(), path, Options{})
		require.NoError(t, err)
	}

	assert.Len(t, queryAll(t, store), 8)
}

func TestParseFile_ClobberWithoutRecords(t *testing.T) {
	ing, store := setupIngestor(t, ModeDetailed)

	_, err := ing.ParseFile(context.Background(),
		writeLog(t, testLogName, false, detailedLog...), Options{})
	require.NoError(t, err)
	require.Len(t, queryAll(t, store), 4)

	// Same build, but every run of this log is dangling.
	empty := writeLog(t, testLogName, false,
		"buildid: 20120529174361",
		"revision: 3a1b2c4d5e6f",
		"PEP TEST-START | test_scroll.js",
	)

	summary, err := ing.ParseFile(context.Background(), empty, Options{Clobber: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Dangling)
	assert.Empty(t, queryAll(t, store))
}

func TestParseFile_ClobberIsScopedToRevision(t *testing.T) {
	ing, store := setupIngestor(t, ModeDetailed)
	path := writeLog(t, testLogName, false, detailedLog...)

	_, err := ing.ParseFile(context.Background(), path, Options{})
	require.NoError(t, err)

	other := writeLog(t, testLogName, false,
		"buildid: 20120530000000",
		"revision: ffffffffffff",
		"PEP TEST-START | test_scroll.js",
		"PEP TEST-PASS | test_scroll.js",
		"PEP TEST-END | test_scroll.js",
	)

	_, err = ing.ParseFile(context.Background(), other, Options{Clobber: true})
	require.NoError(t, err)

	assert.Len(t, queryAll(t, store), 5)
}

func TestParseFile_SuppliedMetadataWins(t *testing.T) {
	ing, store := setupIngestor(t, ModeDetailed)
	path := writeLog(t, testLogName, true, detailedLog...)

	summary, err := ing.ParseFile(context.Background(), path, Options{
		BuildID:  "20120601120000",
		Revision: "deadbeef",
	})
	require.NoError(t, err)
	assert.Equal(t, "20120601120000", summary.BuildID)
	assert.Equal(t, "deadbeef", summary.Revision)

	want := time.Date(2012, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, r := range queryAll(t, store) {
		assert.Equal(t, "deadbeef", r.Revision)
		assert.True(t, want.Equal(r.BuildDate))
	}
}

func TestParseFile_Anomalies(t *testing.T) {
	ing, store := setupIngestor(t, ModeDetailed)

	path := writeLog(t, testLogName, false,
		"buildid: 20120529174301",
		// END without START: ignored.
		"PEP TEST-END | test_a.js",
		// START with no periods before END: discarded.
		"PEP TEST-START | test_a.js",
		"PEP TEST-END | test_a.js",
		// START twice: first run abandoned.
		"PEP TEST-START | test_b.js",
		"PEP WARNING | test_b.js | act | unresponsive time: 999 ms",
		"PEP TEST-START | test_b.js",
		"PEP WARNING | test_b.js | act | unresponsive time: 10 ms",
		// Malformed warning: skipped.
		"PEP WARNING | test_b.js | unresponsive time: 20 ms",
		"PEP TEST-END | test_b.js",
		// Warning with no open run.
		"PEP WARNING | test_c.js | act | unresponsive time: 5 ms",
		// Left open at EOF.
		"PEP TEST-START | test_d.js",
		"PEP TEST-PASS | test_d.js",
	)

	summary, err := ing.ParseFile(context.Background(), path, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Records)
	assert.Equal(t, 4, summary.Anomalies)
	assert.Equal(t, 1, summary.Malformed)
	assert.Equal(t, 1, summary.Dangling)

	rows := queryAll(t, store)
	require.Len(t, rows, 1)
	assert.Equal(t, "test_b.js", rows[0].TestName)
	assert.Equal(t, 2, rows[0].Run)
	assert.Equal(t, int64(10), rows[0].UnresponsivePeriod)
}

func TestParseFile_FatalErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		lines   []string
		opts    Options
		wantErr error
	}{
		{
			name:    "bad file name",
			file:    "peptest.log",
			lines:   detailedLog,
			wantErr: ErrBadFileName,
		},
		{
			name:    "invalid build id in header",
			file:    testLogName,
			lines:   []string{"buildid: 20121329000000"},
			wantErr: ErrInvalidBuildID,
		},
		{
			name:    "invalid supplied build id",
			file:    testLogName,
			lines:   detailedLog,
			opts:    Options{BuildID: "2012"},
			wantErr: ErrInvalidBuildID,
		},
		{
			name: "record before build id",
			file: testLogName,
			lines: []string{
				"PEP TEST-START | test_a.js",
				"PEP TEST-PASS | test_a.js",
				"PEP TEST-END | test_a.js",
			},
			wantErr: ErrMissingBuildID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing, store := setupIngestor(t, ModeDetailed)
			path := writeLog(t, tt.file, false, tt.lines...)

			summary, err := ing.ParseFile(context.Background(), path, tt.opts)
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsFatal(err))
			require.NotNil(t, summary)
			assert.Empty(t, queryAll(t, store))
		})
	}
}

func TestParseFile_MissingFile(t *testing.T) {
	ing, store := setupIngestor(t, ModeDetailed)

	_, err := ing.ParseFile(context.Background(),
		writeLog(t, testLogName, false, detailedLog...), Options{})
	require.NoError(t, err)

	// A supplied revision must not clobber when the log cannot be read.
	summary, err := ing.ParseFile(context.Background(),
		filepath.Join(t.TempDir(), testLogName),
		Options{Revision: "3a1b2c4d5e6f", Clobber: true})
	require.Error(t, err)
	assert.False(t, IsFatal(err))
	assert.Zero(t, summary.Clobbered)
	assert.Len(t, queryAll(t, store), 4)
}

var legacyLog = []string{
	"buildid: 20120301101010",
	"revision: 0123abcd",
	"PEP TEST-START | test_menus.js",
	"PEP TEST-PASS | test_menus.js | all tests passed",
	"PEP TEST-UNEXPECTED-FAIL | test_menus.js | fail (metric: 5.0)",
	"PEP TEST-UNEXPECTED-FAIL | test_menus.js | timed out",
	"PEP TEST-PASS | test_menus.js | all tests passed",
}

func queryLegacy(t *testing.T, store resultstore.Store) []resultstore.BuildResultRow {
	t.Helper()

	rows, err := store.QueryBuildResults(context.Background(), resultstore.Filter{})
	require.NoError(t, err)

	return rows
}

func TestParseFile_Legacy(t *testing.T) {
	ing, store := setupIngestor(t, ModeLegacy)
	path := writeLog(t, "try_win32_test-peptest.txt.gz", true, legacyLog...)

	summary, err := ing.ParseFile(context.Background(), path, Options{Clobber: true})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Records)
	assert.Equal(t, 1, summary.Malformed)

	rows := queryLegacy(t, store)
	require.Len(t, rows, 3)

	var (
		passes int
		total  float64
	)

	for _, r := range rows {
		assert.Equal(t, "test_menus.js", r.TestName)
		assert.Equal(t, "try", r.BranchName)
		assert.Equal(t, "win32", r.PlatformName)
		assert.Equal(t, "0123abcd", r.Revision)

		if r.Pass {
			passes++
		}

		total += r.Metric
	}

	assert.Equal(t, 2, passes)
	assert.InDelta(t, 5.0, total, 1e-9)

	// Detailed table untouched.
	assert.Empty(t, queryAll(t, store))

	// Re-ingesting with clobber replaces the legacy rows.
	_, err = ing.ParseFile(context.Background(), path, Options{Clobber: true})
	require.NoError(t, err)
	assert.Len(t, queryLegacy(t, store), 3)
}
