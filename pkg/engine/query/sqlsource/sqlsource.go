// Package sqlsource runs nested queries on a database/sql database.
//
// Statements run on their own goroutine. Until the database has answered,
// executors report a pending status instead of blocking and signal progress
// on their Ready channel.
//
// A Session pins one connection for a production. Its executors read their
// whole result before reporting ready, so the connection is free again for
// the next statement and temporary tables created by staging queries stay
// visible.
package sqlsource

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "modernc.org/sqlite"             // SQLite driver

	"github.com/grafana/docflow/pkg/engine/program"
	"github.com/grafana/docflow/pkg/engine/query"
)

// Config configures the database connection of a Source.
type Config struct {
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_connections"`
	MaxIdleTime  time.Duration `yaml:"max_idle_time"`
	BufferedRows int           `yaml:"buffered_rows"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Driver, prefix+"driver", "mysql", "Database driver: mysql or sqlite.")
	f.StringVar(&cfg.DSN, prefix+"dsn", "", "Data source name passed to the driver.")
	f.IntVar(&cfg.MaxOpenConns, prefix+"max-open-connections", 10, "Maximum number of open database connections.")
	f.DurationVar(&cfg.MaxIdleTime, prefix+"max-idle-time", 5*time.Minute, "Maximum time a connection may stay idle.")
	f.IntVar(&cfg.BufferedRows, prefix+"buffered-rows", 128, "Rows read ahead per result set before the reader waits for the engine.")
}

func (cfg *Config) Validate() error {
	switch cfg.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return errors.New("database dsn must be set")
	}
	if cfg.BufferedRows < 0 {
		return fmt.Errorf("invalid buffered rows %d", cfg.BufferedRows)
	}
	return nil
}

// Open opens and pings the database described by cfg.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// conn is implemented by *sql.DB and *sql.Conn.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Source creates executors running their statement on a database.
type Source struct {
	db       *sql.DB
	logger   log.Logger
	buffered int
}

var (
	_ query.Source    = (*Source)(nil)
	_ query.Sessioner = (*Source)(nil)
)

// New returns a Source on db. bufferedRows limits how many rows each
// executor reads ahead.
func New(db *sql.DB, bufferedRows int, logger log.Logger) *Source {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Source{db: db, logger: logger, buffered: bufferedRows}
}

// NewExecutor implements query.Source. Executors run on pooled connections
// and stream their rows.
func (s *Source) NewExecutor(_ context.Context, q program.Query) (query.Executor, error) {
	if err := checkStatement(q); err != nil {
		return nil, err
	}
	return newExecutor(s.db, q, s.buffered, false, log.With(s.logger, "result_set", q.ResultSet)), nil
}

// Session implements query.Sessioner.
func (s *Source) Session(ctx context.Context) (query.Session, error) {
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &Session{conn: c, logger: s.logger, buffered: s.buffered}, nil
}

// Session runs every statement on one pinned connection.
type Session struct {
	conn     *sql.Conn
	logger   log.Logger
	buffered int
}

var _ query.Session = (*Session)(nil)

// NewExecutor implements query.Source.
func (s *Session) NewExecutor(_ context.Context, q program.Query) (query.Executor, error) {
	if err := checkStatement(q); err != nil {
		return nil, err
	}
	return newExecutor(s.conn, q, s.buffered, true, log.With(s.logger, "result_set", q.ResultSet)), nil
}

// Close discards the connection instead of returning it to the pool, which
// drops the temporary tables of the session with it.
func (s *Session) Close() error {
	err := s.conn.Raw(func(any) error { return driver.ErrBadConn })
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return nil
	}
	return err
}

func checkStatement(q program.Query) error {
	if strings.TrimSpace(q.Statement) == "" {
		return fmt.Errorf("result set %s has no statement", q.ResultSet)
	}
	return nil
}

func args(q program.Query, refs map[string]any) ([]any, error) {
	out := make([]any, 0, len(q.Parameters))
	for _, name := range q.Parameters {
		v, ok := refs[name]
		if !ok {
			return nil, fmt.Errorf("missing reference %q", name)
		}
		out = append(out, v)
	}
	return out, nil
}

func logStatement(logger log.Logger, q program.Query, took time.Duration, err error) {
	if err != nil {
		level.Warn(logger).Log("msg", "statement failed", "staging", q.Staging, "duration", took, "err", err)
		return
	}
	level.Debug(logger).Log("msg", "statement returned", "staging", q.Staging, "duration", took)
}
