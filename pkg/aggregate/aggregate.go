// Package aggregate collapses raw per-run results into one comparable
// metric per revision.
package aggregate

import (
	"sort"
	"time"

	"github.com/ethpandaops/respondoor/pkg/resultstore"
)

// RevisionMetric is the aggregated score of one revision of one test on
// one platform and branch.
type RevisionMetric struct {
	BuildDate    time.Time `json:"builddate"`
	Revision     string    `json:"revision"`
	TestName     string    `json:"test_name"`
	PlatformName string    `json:"platform_name"`
	BranchName   string    `json:"branch_name"`
	Metric       float64   `json:"metric"`
	// Pass is only set for pass/fail results.
	Pass *bool `json:"pass,omitempty"`
	// Runs is the number of runs (or pass/fail rows) averaged.
	Runs int `json:"runs"`
}

// groupKey identifies a revision grouping.
type groupKey struct {
	test, platform, branch, revision string
}

// group accumulates one revision grouping. Metadata comes from the
// earliest build seen.
type group struct {
	meta RevisionMetric
}

func (g *group) observe(date time.Time) {
	if g.meta.BuildDate.IsZero() || date.Before(g.meta.BuildDate) {
		g.meta.BuildDate = date
	}
}

func newGroup(k groupKey) *group {
	return &group{meta: RevisionMetric{
		Revision:     k.revision,
		TestName:     k.test,
		PlatformName: k.platform,
		BranchName:   k.branch,
	}}
}

// RunScore is the squared-gap penalty of one run: the sum of period²/1000
// over its unresponsive periods in milliseconds.
func RunScore(periods []int64) float64 {
	var score float64

	for _, p := range periods {
		v := float64(p)
		score += v * v / 1000.0
	}

	return score
}

// Periods computes the detailed metric: the mean run score per revision.
func Periods(rows []resultstore.ResultRow) []RevisionMetric {
	type detailed struct {
		*group
		runs map[int][]int64
	}

	groups := make(map[groupKey]*detailed, 16)

	for _, r := range rows {
		k := groupKey{r.TestName, r.PlatformName, r.BranchName, r.Revision}

		g, ok := groups[k]
		if !ok {
			g = &detailed{group: newGroup(k), runs: make(map[int][]int64, 4)}
			groups[k] = g
		}

		g.observe(r.BuildDate)
		g.runs[r.Run] = append(g.runs[r.Run], r.UnresponsivePeriod)
	}

	out := make([]RevisionMetric, 0, len(groups))

	for _, g := range groups {
		var total float64
		for _, periods := range g.runs {
			total += RunScore(periods)
		}

		m := g.meta
		m.Runs = len(g.runs)
		m.Metric = total / float64(m.Runs)

		out = append(out, m)
	}

	sortMetrics(out)

	return out
}

// PassFail computes the legacy metric: the mean metric per revision, which
// passes only if every contributing row passed.
func PassFail(rows []resultstore.BuildResultRow) []RevisionMetric {
	type legacy struct {
		*group
		sum  float64
		n    int
		pass bool
	}

	groups := make(map[groupKey]*legacy, 16)

	for _, r := range rows {
		k := groupKey{r.TestName, r.PlatformName, r.BranchName, r.Revision}

		g, ok := groups[k]
		if !ok {
			g = &legacy{group: newGroup(k), pass: true}
			groups[k] = g
		}

		g.observe(r.BuildDate)
		g.sum += r.Metric
		g.n++
		g.pass = g.pass && r.Pass
	}

	out := make([]RevisionMetric, 0, len(groups))

	for _, g := range groups {
		pass := g.pass

		m := g.meta
		m.Runs = g.n
		m.Metric = g.sum / float64(g.n)
		m.Pass = &pass

		out = append(out, m)
	}

	sortMetrics(out)

	return out
}

// sortMetrics orders by build date, then by the grouping names.
func sortMetrics(ms []RevisionMetric) {
	sort.Slice(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]

		if !a.BuildDate.Equal(b.BuildDate) {
			return a.BuildDate.Before(b.BuildDate)
		}

		if a.TestName != b.TestName {
			return a.TestName < b.TestName
		}

		if a.PlatformName != b.PlatformName {
			return a.PlatformName < b.PlatformName
		}

		if a.BranchName != b.BranchName {
			return a.BranchName < b.BranchName
		}

		return a.Revision < b.Revision
	})
}
