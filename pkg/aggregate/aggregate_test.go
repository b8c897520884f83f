package aggregate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/respondoor/pkg/resultstore"
)

var day = time.Date(2012, 5, 29, 17, 44, 1, 0, time.UTC)

func row(rev string, run int, period int64) resultstore.ResultRow {
	return resultstore.ResultRow{
		BuildDate:          day,
		Revision:           rev,
		Run:                run,
		UnresponsivePeriod: period,
		TestName:           "test_scroll.js",
		PlatformName:       "linux",
		BranchName:         "mozilla-central",
	}
}

func TestRunScore(t *testing.T) {
	tests := []struct {
		periods []int64
		want    float64
	}{
		{periods: nil, want: 0},
		{periods: []int64{0}, want: 0},
		{periods: []int64{100, 200}, want: 50},
		{periods: []int64{300}, want: 90},
		{periods: []int64{1}, want: 0.001},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, RunScore(tt.periods), 1e-9, "%v", tt.periods)
	}
}

func TestPeriods_MeanOfRunScores(t *testing.T) {
	// Order is irrelevant.
	rows := []resultstore.ResultRow{
		row("abc", 2, 300),
		row("abc", 1, 100),
		row("abc", 1, 200),
	}

	got := Periods(rows)
	require.Len(t, got, 1)

	assert.InDelta(t, 70.0, got[0].Metric, 1e-9)
	assert.Equal(t, 2, got[0].Runs)
	assert.Equal(t, "abc", got[0].Revision)
	assert.Equal(t, "test_scroll.js", got[0].TestName)
	assert.Equal(t, "linux", got[0].PlatformName)
	assert.Equal(t, "mozilla-central", got[0].BranchName)
	assert.Equal(t, day, got[0].BuildDate)
	assert.Nil(t, got[0].Pass)
}

func TestPeriods_CleanRunScoresZero(t *testing.T) {
	got := Periods([]resultstore.ResultRow{
		row("abc", 1, 0),
		row("abc", 2, 400),
	})

	require.Len(t, got, 1)
	assert.InDelta(t, 80.0, got[0].Metric, 1e-9)
}

func TestPeriods_GroupsByRevisionAndDimension(t *testing.T) {
	later := row("def", 1, 100)
	later.BuildDate = day.Add(24 * time.Hour)

	otherPlatform := row("abc", 1, 1000)
	otherPlatform.PlatformName = "win32"

	got := Periods([]resultstore.ResultRow{later, row("abc", 1, 100), otherPlatform})
	require.Len(t, got, 3)

	assert.Equal(t, "abc", got[0].Revision)
	assert.Equal(t, "linux", got[0].PlatformName)
	assert.InDelta(t, 10.0, got[0].Metric, 1e-9)

	assert.Equal(t, "abc", got[1].Revision)
	assert.Equal(t, "win32", got[1].PlatformName)
	assert.InDelta(t, 1000.0, got[1].Metric, 1e-9)

	assert.Equal(t, "def", got[2].Revision)
}

func TestPeriods_Empty(t *testing.T) {
	assert.Empty(t, Periods(nil))
	assert.Empty(t, PassFail(nil))
}

func TestPassFail(t *testing.T) {
	mk := func(pass bool, metric float64) resultstore.BuildResultRow {
		return resultstore.BuildResultRow{
			BuildDate:    day,
			Revision:     "abc",
			Pass:         pass,
			Metric:       metric,
			TestName:     "test_menus.js",
			PlatformName: "win32",
			BranchName:   "try",
		}
	}

	got := PassFail([]resultstore.BuildResultRow{
		mk(true, 0), mk(false, 5.0), mk(true, 0),
	})
	require.Len(t, got, 1)

	assert.InDelta(t, 5.0/3, got[0].Metric, 1e-9)
	require.NotNil(t, got[0].Pass)
	assert.False(t, *got[0].Pass)
	assert.Equal(t, 3, got[0].Runs)

	got = PassFail([]resultstore.BuildResultRow{mk(true, 0), mk(true, 0)})
	require.Len(t, got, 1)
	assert.True(t, *got[0].Pass)
	assert.Zero(t, got[0].Metric)
}

func TestRevisionMetric_JSON(t *testing.T) {
	pass := true

	b, err := json.Marshal(RevisionMetric{
		BuildDate:    day,
		Revision:     "abc",
		TestName:     "t",
		PlatformName: "p",
		BranchName:   "b",
		Metric:       1.5,
		Pass:         &pass,
		Runs:         2,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"builddate": "2012-05-29T17:44:01Z",
		"revision": "abc",
		"test_name": "t",
		"platform_name": "p",
		"branch_name": "b",
		"metric": 1.5,
		"pass": true,
		"runs": 2
	}`, string(b))

	b, err = json.Marshal(RevisionMetric{Revision: "abc"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "pass")
}
