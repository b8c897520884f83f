package resultstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/respondoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// insertBatchSize bounds the rows sent per INSERT statement.
const insertBatchSize = 100

// sqliteBusyTimeout is how long a writer waits for another connection's
// write transaction before failing with SQLITE_BUSY.
const sqliteBusyTimeout = 10 * time.Second

// ErrNotFound is returned when an identifier name has no row.
var ErrNotFound = errors.New("name not found")

// Store provides persistence for identifiers and harness results.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	ListNames(ctx context.Context, kind Kind) ([]Name, error)
	FindName(ctx context.Context, kind Kind, name string) (uint, error)
	CreateName(ctx context.Context, kind Kind, name string) (uint, error)

	InsertResult(ctx context.Context, r *Result) error
	InsertResults(ctx context.Context, rs []*Result) error
	DeleteResults(
		ctx context.Context, branchID, platformID uint, revision string,
	) (int64, error)
	ReplaceResults(
		ctx context.Context, branchID, platformID uint, revision string, rs []*Result,
	) (int64, error)
	QueryResults(ctx context.Context, f Filter) ([]ResultRow, error)

	InsertBuildResult(ctx context.Context, r *BuildResult) error
	InsertBuildResults(ctx context.Context, rs []*BuildResult) error
	DeleteBuildResults(
		ctx context.Context, branchID, platformID uint, revision string,
	) (int64, error)
	ReplaceBuildResults(
		ctx context.Context, branchID, platformID uint, revision string, rs []*BuildResult,
	) (int64, error)
	QueryBuildResults(ctx context.Context, f Filter) ([]BuildResultRow, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new result Store backed by the configured database
// driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "resultstore"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(s.cfg.SQLite.Path))
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening result database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Branch{},
		&Platform{},
		&Test{},
		&Result{},
		&BuildResult{},
	); err != nil {
		return fmt.Errorf("running result migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Result database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Identifiers ---

// ListNames returns every (id, name) pair of an identifier table.
func (s *store) ListNames(ctx context.Context, kind Kind) ([]Name, error) {
	table := kind.table()
	if table == "" {
		return nil, fmt.Errorf("unknown identifier kind %q", kind)
	}

	var names []Name
	if err := s.db.WithContext(ctx).
		Table(table).
		Order("id ASC").
		Find(&names).Error; err != nil {
		return nil, fmt.Errorf("listing %s names: %w", kind, err)
	}

	return names, nil
}

// FindName returns the id stored for name, or ErrNotFound.
func (s *store) FindName(
	ctx context.Context, kind Kind, name string,
) (uint, error) {
	table := kind.table()
	if table == "" {
		return 0, fmt.Errorf("unknown identifier kind %q", kind)
	}

	var n Name

	err := s.db.WithContext(ctx).
		Table(table).
		Where("name = ?", name).
		Take(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("finding %s %q: %w", kind, name, err)
	}

	return n.ID, nil
}

// CreateName inserts name and returns its generated id. A concurrent
// writer may already have inserted it, in which case the unique index
// rejects the row and the error is returned to the caller.
func (s *store) CreateName(
	ctx context.Context, kind Kind, name string,
) (uint, error) {
	table := kind.table()
	if table == "" {
		return 0, fmt.Errorf("unknown identifier kind %q", kind)
	}

	n := Name{Name: name}
	if err := s.db.WithContext(ctx).
		Table(table).
		Create(&n).Error; err != nil {
		return 0, fmt.Errorf("creating %s %q: %w", kind, name, err)
	}

	return n.ID, nil
}

// --- Detailed results ---

// InsertResult appends a single result row.
func (s *store) InsertResult(ctx context.Context, r *Result) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}

	return nil
}

// InsertResults appends the rows of one run in a single transaction.
func (s *store) InsertResults(ctx context.Context, rs []*Result) error {
	if len(rs) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(rs, insertBatchSize).Error; err != nil {
			return fmt.Errorf("bulk inserting results: %w", err)
		}

		return nil
	})
}

// DeleteResults removes every result for exactly this branch, platform
// and revision.
func (s *store) DeleteResults(
	ctx context.Context, branchID, platformID uint, revision string,
) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("branch_id = ? AND platform_id = ? AND revision = ?",
			branchID, platformID, revision).
		Delete(&Result{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting results: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// ReplaceResults deletes every result for this branch, platform and
// revision and inserts rs in the same transaction. It returns the number
// of rows deleted. Concurrent replaces of the same scope are serialized.
func (s *store) ReplaceResults(
	ctx context.Context,
	branchID, platformID uint,
	revision string,
	rs []*Result,
) (int64, error) {
	var deleted int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockScope(tx, branchID, platformID); err != nil {
			return err
		}

		result := tx.
			Where("branch_id = ? AND platform_id = ? AND revision = ?",
				branchID, platformID, revision).
			Delete(&Result{})
		if result.Error != nil {
			return fmt.Errorf("deleting results: %w", result.Error)
		}

		deleted = result.RowsAffected

		if len(rs) == 0 {
			return nil
		}

		if err := tx.CreateInBatches(rs, insertBatchSize).Error; err != nil {
			return fmt.Errorf("bulk inserting results: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return deleted, nil
}

// QueryResults returns matching results with their identifier names.
func (s *store) QueryResults(
	ctx context.Context, f Filter,
) ([]ResultRow, error) {
	q := joinNames(s.db.WithContext(ctx).Table("results"), "results").
		Select("results.build_date, results.revision, results.run, " +
			"results.unresponsive_period, results.action, " +
			"tests.name AS test_name, platforms.name AS platform_name, " +
			"branches.name AS branch_name")

	var rows []ResultRow
	if err := applyFilter(q, "results", f).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}

	return rows, nil
}

// --- Legacy pass/fail results ---

// InsertBuildResult appends a single pass/fail row.
func (s *store) InsertBuildResult(
	ctx context.Context, r *BuildResult,
) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("inserting build result: %w", err)
	}

	return nil
}

// InsertBuildResults appends the pass/fail rows of one log in a single
// transaction.
func (s *store) InsertBuildResults(ctx context.Context, rs []*BuildResult) error {
	if len(rs) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(rs, insertBatchSize).Error; err != nil {
			return fmt.Errorf("bulk inserting build results: %w", err)
		}

		return nil
	})
}

// ReplaceBuildResults is ReplaceResults for pass/fail rows.
func (s *store) ReplaceBuildResults(
	ctx context.Context,
	branchID, platformID uint,
	revision string,
	rs []*BuildResult,
) (int64, error) {
	var deleted int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockScope(tx, branchID, platformID); err != nil {
			return err
		}

		result := tx.
			Where("branch_id = ? AND platform_id = ? AND revision = ?",
				branchID, platformID, revision).
			Delete(&BuildResult{})
		if result.Error != nil {
			return fmt.Errorf("deleting build results: %w", result.Error)
		}

		deleted = result.RowsAffected

		if len(rs) == 0 {
			return nil
		}

		if err := tx.CreateInBatches(rs, insertBatchSize).Error; err != nil {
			return fmt.Errorf("bulk inserting build results: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return deleted, nil
}

// DeleteBuildResults removes every pass/fail row for exactly this branch,
// platform and revision.
func (s *store) DeleteBuildResults(
	ctx context.Context, branchID, platformID uint, revision string,
) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("branch_id = ? AND platform_id = ? AND revision = ?",
			branchID, platformID, revision).
		Delete(&BuildResult{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting build results: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// QueryBuildResults returns matching pass/fail rows with their names.
func (s *store) QueryBuildResults(
	ctx context.Context, f Filter,
) ([]BuildResultRow, error) {
	q := joinNames(s.db.WithContext(ctx).Table("build_results"), "build_results").
		Select("build_results.build_date, build_results.revision, " +
			"build_results.pass, build_results.metric, " +
			"tests.name AS test_name, platforms.name AS platform_name, " +
			"branches.name AS branch_name")

	var rows []BuildResultRow
	if err := applyFilter(q, "build_results", f).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying build results: %w", err)
	}

	return rows, nil
}

func joinNames(q *gorm.DB, table string) *gorm.DB {
	return q.
		Joins("JOIN tests ON tests.id = " + table + ".test_id").
		Joins("JOIN platforms ON platforms.id = " + table + ".platform_id").
		Joins("JOIN branches ON branches.id = " + table + ".branch_id")
}

// applyFilter adds the filter's WHERE clauses. The inclusive End day is
// widened to an exclusive bound on the following midnight.
func applyFilter(q *gorm.DB, table string, f Filter) *gorm.DB {
	if len(f.Tests) > 0 {
		q = q.Where("tests.name IN ?", f.Tests)
	}

	if len(f.Platforms) > 0 {
		q = q.Where("platforms.name IN ?", f.Platforms)
	}

	if len(f.Branches) > 0 {
		q = q.Where("branches.name IN ?", f.Branches)
	}

	if f.Start != nil {
		q = q.Where(table+".build_date >= ?", f.Start.UTC())
	}

	if f.End != nil {
		q = q.Where(table+".build_date < ?", DayAfter(*f.End))
	}

	return q
}

// DayAfter returns midnight UTC of the calendar day following t's date.
func DayAfter(t time.Time) time.Time {
	y, m, d := t.Date()

	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// sqliteDSN adds the busy timeout to path so concurrent ingestion sessions
// queue behind each other's write transactions.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)",
		path, sep, sqliteBusyTimeout.Milliseconds())
}

// lockScope takes a transaction-scoped advisory lock on the branch and
// platform so two replaces of the same scope run one after the other.
// SQLite allows a single writer; a transaction starting with its delete
// waits on the busy timeout there instead.
func (s *store) lockScope(tx *gorm.DB, branchID, platformID uint) error {
	if s.cfg.Driver != "postgres" {
		return nil
	}

	if err := tx.Exec("SELECT pg_advisory_xact_lock(?, ?)",
		int32(branchID), int32(platformID)).Error; err != nil { //nolint:gosec // ids are small serials
		return fmt.Errorf("locking branch %d platform %d: %w", branchID, platformID, err)
	}

	return nil
}
