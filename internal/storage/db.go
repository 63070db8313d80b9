package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Register SQLite driver
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when no history row exists for a job
var ErrNotFound = errors.New("job not recorded")

// JobRecord represents a job stored in the history database
type JobRecord struct {
	ID          string
	Filename    string
	Status      string
	Scope       string
	Database    string
	Size        int64
	Offset      int64
	Errors      int
	Executed    int
	ErrorReason string
	OptionsJSON string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Store provides SQLite-based job history
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewStore initializes a new SQLite store
func NewStore(dbPath string) (*Store, error) {
	// Open or create database
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// An in-memory database exists per connection
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
	}
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{
		db:     db,
		dbPath: dbPath,
	}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database connection after init error")
		}
		return nil, err
	}

	logrus.WithField("db_path", dbPath).Info("Initialized job history database")
	return store, nil
}

// initSchema applies all pending migrations
func (s *Store) initSchema() error {
	// Get current schema version
	currentVersion := 0
	row := s.db.QueryRowContext(context.Background(), "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	_ = row.Scan(&currentVersion) // Ignore error - schema_version table may not exist yet

	// Apply pending migrations
	for _, migration := range Migrations {
		if migration.Version <= currentVersion {
			continue
		}

		logrus.WithField("version", migration.Version).Info("Applying schema migration")

		if _, err := s.db.ExecContext(context.Background(), migration.SQL); err != nil {
			return fmt.Errorf("failed to apply migration v%d: %w", migration.Version, err)
		}

		if _, err := s.db.ExecContext(context.Background(),
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			migration.Version,
			time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to record migration v%d: %w", migration.Version, err)
		}

		currentVersion = migration.Version
	}

	return nil
}

// SaveJob inserts or updates the history row of a job
func (s *Store) SaveJob(ctx context.Context, record *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				logrus.WithError(rollbackErr).Warn("Failed to rollback transaction")
			}
		}
	}()

	var exists bool
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM jobs WHERE id = ?", record.ID).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check job existence: %w", err)
	}

	if exists {
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs
			 SET status = ?, size = ?, offset_bytes = ?, errors = ?, executed = ?,
			     error_reason = ?, updated_at = ?, completed_at = ?
			 WHERE id = ?`,
			record.Status,
			record.Size,
			record.Offset,
			record.Errors,
			record.Executed,
			record.ErrorReason,
			record.UpdatedAt.Unix(),
			timeToUnixPtr(record.CompletedAt),
			record.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
	} else {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs
			 (id, filename, status, scope, database_name, size, offset_bytes, errors,
			  executed, error_reason, options_json, created_at, updated_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ID,
			record.Filename,
			record.Status,
			record.Scope,
			record.Database,
			record.Size,
			record.Offset,
			record.Errors,
			record.Executed,
			record.ErrorReason,
			record.OptionsJSON,
			record.CreatedAt.Unix(),
			record.UpdatedAt.Unix(),
			timeToUnixPtr(record.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return nil
}

const selectColumns = `SELECT id, filename, status, scope, COALESCE(database_name, ''), size,
	offset_bytes, errors, executed, COALESCE(error_reason, ''), COALESCE(options_json, ''),
	created_at, updated_at, completed_at FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*JobRecord, error) {
	record := &JobRecord{}
	var createdAtUnix, updatedAtUnix int64
	var completedAtUnix *int64

	if err := row.Scan(
		&record.ID,
		&record.Filename,
		&record.Status,
		&record.Scope,
		&record.Database,
		&record.Size,
		&record.Offset,
		&record.Errors,
		&record.Executed,
		&record.ErrorReason,
		&record.OptionsJSON,
		&createdAtUnix,
		&updatedAtUnix,
		&completedAtUnix,
	); err != nil {
		return nil, err
	}

	record.CreatedAt = time.Unix(createdAtUnix, 0)
	record.UpdatedAt = time.Unix(updatedAtUnix, 0)
	if completedAtUnix != nil {
		t := time.Unix(*completedAtUnix, 0)
		record.CompletedAt = &t
	}
	return record, nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return record, nil
}

// ListJobsFilter defines filtering options for ListJobs
type ListJobsFilter struct {
	Status string // optional: filter by status
	Limit  int    // default: 100
	Offset int    // default: 0
}

// ListJobs retrieves jobs with optional filtering, most recently updated first
func (s *Store) ListJobs(ctx context.Context, filter ListJobsFilter) ([]*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.Limit > 10000 {
		filter.Limit = 10000 // Cap limit to prevent excessive queries
	}

	query := selectColumns
	args := []interface{}{}

	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY updated_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database rows")
		}
	}()

	var records []*JobRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return records, nil
}

// DeleteOldJobs deletes completed records not updated within the retention period
func (s *Store) DeleteOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).Unix()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE completed_at IS NOT NULL AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if deleted > 0 {
		logrus.WithField("deleted_count", deleted).Debug("Cleaned up old job records")
	}

	return deleted, nil
}

// GetJobCount returns the count of jobs with a given status
func (s *Store) GetJobCount(ctx context.Context, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE status = ?", status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get job count: %w", err)
	}

	return count, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}
	return nil
}

// timeToUnixPtr converts a time pointer to Unix timestamp pointer
func timeToUnixPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
