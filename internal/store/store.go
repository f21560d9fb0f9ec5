// Package store persists heartbeats, daily aggregates, device snapshots and
// the points projection. SQLite is the default backend; a postgres:// DSN
// selects PostgreSQL through pgx.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Options tunes the connection pool.
type Options struct {
	// MaxOpenConns bounds the pool (default: 8).
	MaxOpenConns int

	// BusyTimeout is how long SQLite waits on a locked database (default: 5s).
	BusyTimeout time.Duration
}

// Store is a handle on the fabric database. It is safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect dialect
	q       queries
	now     func() time.Time
}

// Open connects to dsn and runs migrations. A DSN starting with postgres://
// or postgresql:// opens PostgreSQL; anything else is a SQLite file path.
func Open(dsn string, opts Options) (*Store, error) {
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 8
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	d := dialectSQLite
	driverName, source := "sqlite", sqliteDSN(dsn, opts.BusyTimeout)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		d = dialectPostgres
		driverName, source = "pgx", dsn
	}

	db, err := sql.Open(driverName, source)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", d, err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db, dialect: d, q: buildQueries(d), now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN adds the pragmas every connection needs. WAL lets the points
// engine read a consistent snapshot while batches commit.
func sqliteDSN(path string, busy time.Duration) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep +
		"_pragma=busy_timeout(" + strconv.FormatInt(busy.Milliseconds(), 10) + ")" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

// Backend names the active dialect.
func (s *Store) Backend() string {
	return s.dialect.String()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func rebind(d dialect, query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Tx is a write transaction used to apply one batch.
type Tx struct {
	tx *sql.Tx
	s  *Store
	at time.Time
}

// WithTx runs fn in a transaction and commits it. Any error from fn or the
// commit rolls the transaction back and is returned classified as a DBError.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin", err)
	}
	tx := &Tx{tx: sqlTx, s: s, at: s.now()}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return wrap("apply", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return wrap("commit", err)
	}
	return nil
}

// readSnapshot runs fn in a transaction that sees one consistent snapshot.
// It never writes and always rolls back.
func (s *Store) readSnapshot(ctx context.Context, fn func(*sql.Tx) error) error {
	var opts *sql.TxOptions
	if s.dialect == dialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return wrap("begin snapshot", err)
	}
	defer tx.Rollback()
	return wrap("read snapshot", fn(tx))
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// clampU64 maps a counter into the signed range SQL integers can hold.
func clampU64(v uint64) int64 {
	if v > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(v)
}
