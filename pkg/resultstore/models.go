package resultstore

import "time"

// Kind names one of the identifier tables.
type Kind string

// Identifier kinds.
const (
	KindBranch   Kind = "branch"
	KindPlatform Kind = "platform"
	KindTest     Kind = "test"
)

// Kinds lists every identifier kind.
var Kinds = []Kind{KindBranch, KindPlatform, KindTest}

// table returns the identifier table backing the kind.
func (k Kind) table() string {
	switch k {
	case KindBranch:
		return "branches"
	case KindPlatform:
		return "platforms"
	case KindTest:
		return "tests"
	default:
		return ""
	}
}

// Name is an (id, name) pair from one of the identifier tables.
type Name struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"not null;uniqueIndex"`
}

// Branch is a code line results were produced on.
type Branch struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"not null;uniqueIndex:idx_branches_name"`
}

// Platform is an operating system/architecture the harness ran on.
type Platform struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"not null;uniqueIndex:idx_platforms_name"`
}

// Test is a named harness test.
type Test struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"not null;uniqueIndex:idx_tests_name"`
}

// Result is one unresponsive period observed during one run of a test.
// A run that passed without any gap is stored with a zero period.
type Result struct {
	ID                 uint      `gorm:"primaryKey"`
	BranchID           uint      `gorm:"not null;index:idx_results_bpr"`
	PlatformID         uint      `gorm:"not null;index:idx_results_bpr"`
	TestID             uint      `gorm:"not null;index"`
	BuildDate          time.Time `gorm:"not null;index"`
	Revision           string    `gorm:"index:idx_results_bpr"`
	Run                int       `gorm:"not null"`
	UnresponsivePeriod int64     `gorm:"not null"`
	Action             string
}

// BuildResult is the legacy per-test pass/fail record.
type BuildResult struct {
	ID         uint      `gorm:"primaryKey"`
	BranchID   uint      `gorm:"not null;index:idx_build_results_bpr"`
	PlatformID uint      `gorm:"not null;index:idx_build_results_bpr"`
	TestID     uint      `gorm:"not null;index"`
	BuildDate  time.Time `gorm:"not null;index"`
	Revision   string    `gorm:"index:idx_build_results_bpr"`
	Pass       bool
	Metric     float64
}

// ResultRow is a Result joined with its identifier names.
type ResultRow struct {
	BuildDate          time.Time
	Revision           string
	Run                int
	UnresponsivePeriod int64
	Action             string
	TestName           string
	PlatformName       string
	BranchName         string
}

// BuildResultRow is a BuildResult joined with its identifier names.
type BuildResultRow struct {
	BuildDate    time.Time
	Revision     string
	Pass         bool
	Metric       float64
	TestName     string
	PlatformName string
	BranchName   string
}

// Filter restricts a query. Names are ORed within a dimension and the
// dimensions are ANDed. End is a calendar day and is inclusive: every
// result built on that day matches.
type Filter struct {
	Tests     []string
	Platforms []string
	Branches  []string
	Start     *time.Time
	End       *time.Time
}
