package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/rpmtools/pkg/policy"
	"github.com/openfroyo/rpmtools/pkg/progress"
	"github.com/openfroyo/rpmtools/pkg/rpmtools"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned for unknown operation IDs.
var ErrNotFound = errors.New("operation not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: opens its own database
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime = 1, 1, 0
	}

	return &SQLiteStore{cfg: cfg, path: cfg.Path}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path
	if dsn != ":memory:" {
		dsn = "file:" + dsn + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}
	return nil
}

// CreateOperation records a started operation. Status defaults to running
// and StartedAt to now.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *Operation) error {
	if op.ID == "" || op.Operation == "" {
		return fmt.Errorf("operation id and name are required")
	}
	if op.Status == "" {
		op.Status = OperationStatusRunning
	}
	if op.StartedAt.IsZero() {
		op.StartedAt = time.Now()
	}

	targets, err := json.Marshal(nonNil(op.Targets))
	if err != nil {
		return fmt.Errorf("failed to encode targets: %w", err)
	}
	details, err := json.Marshal(op.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}
	if op.Details == nil {
		details = []byte("{}")
	}

	query := `
		INSERT INTO operations (id, operation, targets, host, apply, status, action, error_class, error, details, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		op.ID,
		op.Operation,
		string(targets),
		op.Host,
		op.Apply,
		op.Status,
		nullString(op.Action),
		nullString(op.ErrorClass),
		op.Error,
		string(details),
		op.StartedAt.UTC(),
		op.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create operation: %w", err)
	}
	return nil
}

// CompleteOperation stores the outcome of an operation: its status, the
// summary packages and the steps of the final report.
func (s *SQLiteStore) CompleteOperation(ctx context.Context, id string, c Completion) error {
	if c.At.IsZero() {
		c.At = time.Now()
	}

	status := OperationStatusSucceeded
	var errClass, errMsg *string
	if c.Err != nil || c.Report.Failed() {
		status = OperationStatusFailed
	}
	if c.Err != nil {
		class, msg := ErrorClass(c.Err), c.Err.Error()
		errClass, errMsg = &class, &msg
	}

	details, err := json.Marshal(c.Report.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}
	if c.Report.Details == nil {
		details = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE operations
		SET status = ?, action = ?, error_class = ?, error = ?, details = ?, completed_at = ?
		WHERE id = ?
	`, status, nullString(c.Report.Details[progress.DetailAction]), errClass, errMsg, string(details), c.At.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM operation_packages WHERE operation_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear packages: %w", err)
	}
	buckets := []struct {
		name    string
		records []rpmtools.PackageRecord
	}{
		{BucketResolved, c.Summary.Resolved},
		{BucketDeps, c.Summary.Deps},
		{BucketFailed, c.Summary.Failed},
	}
	// seq keeps the transaction member order of each bucket
	for _, b := range buckets {
		for i, rec := range b.records {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO operation_packages (operation_id, bucket, seq, name, version, release, epoch, arch, repo_id, qualified_name)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, id, b.name, i, rec.Name, rec.Version, rec.Release, rec.Epoch, rec.Arch, rec.RepoID, rec.QualifiedName)
			if err != nil {
				return fmt.Errorf("failed to record package %s: %w", rec.QualifiedName, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM operation_steps WHERE operation_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear steps: %w", err)
	}
	for i, step := range c.Report.Steps {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO operation_steps (operation_id, seq, name, status) VALUES (?, ?, ?, ?)",
			id, i, step.Name, step.Status.String())
		if err != nil {
			return fmt.Errorf("failed to record step %q: %w", step.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit operation: %w", err)
	}
	return nil
}

const operationColumns = `id, operation, targets, host, apply, status, action, error_class, error, details, started_at, completed_at`

// GetOperation retrieves an operation by ID
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*Operation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+operationColumns+" FROM operations WHERE id = ?", id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

// ListOperations returns operations newest first.
func (s *SQLiteStore) ListOperations(ctx context.Context, opts ListOptions) ([]*Operation, error) {
	var where []string
	var args []interface{}

	if opts.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, opts.Operation)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}
	if !opts.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, opts.Since.UTC())
	}

	query := "SELECT " + operationColumns + " FROM operations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// GetOperationPackages returns the summary packages of an operation,
// resolved first, then deps, then failed, each in transaction order.
func (s *SQLiteStore) GetOperationPackages(ctx context.Context, id string) ([]*OperationPackage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, bucket, name, version, release, epoch, arch, repo_id, qualified_name
		FROM operation_packages
		WHERE operation_id = ?
		ORDER BY CASE bucket WHEN 'resolved' THEN 0 WHEN 'deps' THEN 1 ELSE 2 END, seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get packages: %w", err)
	}
	defer rows.Close()

	var pkgs []*OperationPackage
	for rows.Next() {
		p := &OperationPackage{}
		if err := rows.Scan(&p.OperationID, &p.Bucket, &p.Name, &p.Version, &p.Release,
			&p.Epoch, &p.Arch, &p.RepoID, &p.QualifiedName); err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, rows.Err()
}

// GetOperationSteps returns the final report steps in order.
func (s *SQLiteStore) GetOperationSteps(ctx context.Context, id string) ([]*OperationStep, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT operation_id, seq, name, status FROM operation_steps WHERE operation_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}
	defer rows.Close()

	var steps []*OperationStep
	for rows.Next() {
		st := &OperationStep{}
		var status string
		if err := rows.Scan(&st.OperationID, &st.Seq, &st.Name, &status); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if st.Status, err = progress.ParseStatus(status); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ErrorClass names the failure class recorded for err.
func ErrorClass(err error) string {
	switch {
	case policy.IsDenied(err):
		return "policy"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return string(rpmtools.Classify(err))
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row scanner) (*Operation, error) {
	op := &Operation{}
	var targets, details string
	var action, errClass, errMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&op.ID,
		&op.Operation,
		&targets,
		&op.Host,
		&op.Apply,
		&op.Status,
		&action,
		&errClass,
		&errMsg,
		&details,
		&op.StartedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(targets), &op.Targets); err != nil {
		return nil, fmt.Errorf("invalid targets for %s: %w", op.ID, err)
	}
	if err := json.Unmarshal([]byte(details), &op.Details); err != nil {
		return nil, fmt.Errorf("invalid details for %s: %w", op.ID, err)
	}
	op.Action = action.String
	op.ErrorClass = errClass.String
	if errMsg.Valid {
		op.Error = &errMsg.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		op.CompletedAt = &t
	}
	return op, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
