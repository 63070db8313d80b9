// Package database wraps the PostgreSQL connection a processing step runs its
// statements on.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rossigee/sqlimport/internal/retry"
	"github.com/sirupsen/logrus"
)

// ErrCopyUnsupported is returned when the underlying driver cannot stream COPY data
var ErrCopyUnsupported = errors.New("driver connection does not support COPY FROM STDIN")

// ErrSessionClosed is returned by statements run on a closed session
var ErrSessionClosed = errors.New("database session is closed")

const identityQuery = `SELECT current_user, current_database(),
	COALESCE((SELECT rolsuper FROM pg_roles WHERE rolname = current_user), false)`

// DefaultConnectRetry is used when no retry configuration is given
var DefaultConnectRetry = retry.Config{
	MaxAttempts: 3,
	Delays:      []time.Duration{500 * time.Millisecond, 2 * time.Second},
}

// Opener opens a *sql.DB for a database name; an empty name keeps the DSN default
type Opener func(database string) (*sql.DB, error)

// PgxOpener returns an Opener backed by the pgx stdlib driver
func PgxOpener(dsn string) (Opener, error) {
	base, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}
	return func(database string) (*sql.DB, error) {
		cfg := base.Copy()
		if database != "" {
			cfg.Database = database
		}
		return stdlib.OpenDB(*cfg), nil
	}, nil
}

// Session is a single pinned connection. Session-level settings such as
// SET ROLE survive between statements of one step.
type Session struct {
	open     Opener
	retryCfg retry.Config

	db         *sql.DB
	conn       *sql.Conn
	database   string
	identity   string
	privileged bool
}

// Connect opens a session against database, retrying transient failures
func Connect(ctx context.Context, open Opener, database string, retryCfg retry.Config) (*Session, error) {
	s := &Session{open: open, retryCfg: retryCfg}
	if err := s.connect(ctx, database); err != nil {
		return nil, err
	}
	return s, nil
}

// connect opens a connection to database and swaps it in. The current
// connection stays in place when the new one cannot be opened.
func (s *Session) connect(ctx context.Context, database string) error {
	var (
		db   *sql.DB
		conn *sql.Conn
	)
	err := retry.WithRetry(ctx, s.retryCfg, func() error {
		var err error
		db, err = s.open(database)
		if err != nil {
			return err
		}
		conn, err = db.Conn(ctx)
		if err != nil {
			_ = db.Close()
			logrus.WithError(err).WithField("database", database).Warn("Database connection attempt failed")
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database %q: %w", database, err)
	}

	var id identity
	if err := id.read(ctx, conn); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return err
	}

	s.Close()
	s.db = db
	s.conn = conn
	s.identity, s.database, s.privileged = id.user, id.database, id.privileged

	logrus.WithFields(logrus.Fields{
		"database":   s.database,
		"identity":   s.identity,
		"privileged": s.privileged,
	}).Debug("Database session opened")
	return nil
}

type identity struct {
	user       string
	database   string
	privileged bool
}

func (id *identity) read(ctx context.Context, conn *sql.Conn) error {
	row := conn.QueryRowContext(ctx, identityQuery)
	if err := row.Scan(&id.user, &id.database, &id.privileged); err != nil {
		return fmt.Errorf("failed to query session identity: %w", err)
	}
	return nil
}

// Refresh re-reads the session identity, which changes after SET ROLE and friends
func (s *Session) Refresh(ctx context.Context) error {
	if s.conn == nil {
		return ErrSessionClosed
	}
	var id identity
	if err := id.read(ctx, s.conn); err != nil {
		return err
	}
	s.identity, s.database, s.privileged = id.user, id.database, id.privileged
	return nil
}

// Exec runs one statement
func (s *Session) Exec(ctx context.Context, stmt string) error {
	if s.conn == nil {
		return ErrSessionClosed
	}
	if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
		return err
	}
	return nil
}

// CopyFrom streams rows of a COPY ... FROM stdin block through the wire protocol
func (s *Session) CopyFrom(ctx context.Context, copySQL, data string) (int64, error) {
	if s.conn == nil {
		return 0, ErrSessionClosed
	}
	var rows int64
	err := s.conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return ErrCopyUnsupported
		}
		tag, err := c.Conn().PgConn().CopyFrom(ctx, strings.NewReader(data), copySQL)
		if err != nil {
			return err
		}
		rows = tag.RowsAffected()
		return nil
	})
	return rows, err
}

// Reconnect replaces the connection with one to another database. On failure
// the session stays connected where it was.
func (s *Session) Reconnect(ctx context.Context, database string) error {
	return s.connect(ctx, database)
}

// Identity is the role statements currently run as
func (s *Session) Identity() string { return s.identity }

// Database is the name of the connected database
func (s *Session) Database() string { return s.database }

// Privileged reports whether the connected role is a superuser
func (s *Session) Privileged() bool { return s.privileged }

// Close releases the connection and its pool
func (s *Session) Close() {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database connection")
		}
		s.conn = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database pool")
		}
		s.db = nil
	}
}
