package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"pet-arena/internal/model"
)

//go:embed migrations
var migrations embed.FS

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Store struct {
	DB     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to postgres (dsn is a URL) or sqlite (dsn is a file path).
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(20)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		return &Store{DB: db, driver: driver, now: time.Now}, nil

	case DriverSQLite:
		if dsn == "" {
			return nil, fmt.Errorf("empty db path")
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// one connection: every transaction holds the database exclusively
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		for _, p := range []string{
			"PRAGMA journal_mode=WAL;",
			"PRAGMA foreign_keys=ON;",
			"PRAGMA busy_timeout=5000;",
		} {
			if _, err := db.Exec(p); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return &Store{DB: db, driver: driver, now: time.Now}, nil
	}
	return nil, fmt.Errorf("%w: unknown db driver %q", model.ErrConfiguration, driver)
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) Driver() string { return s.driver }

// SetClock overrides the wall clock used for created_at/updated_at stamps.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Migrate applies the embedded migrations for the store's dialect.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrations, "migrations/"+s.driver)
	if err != nil {
		return err
	}
	var driver database.Driver
	switch s.driver {
	case DriverPostgres:
		driver, err = postgres.WithInstance(s.DB, &postgres.Config{})
	default:
		driver, err = migratesqlite.WithInstance(s.DB, &migratesqlite.Config{})
	}
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, s.driver, driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *Store) forUpdate() string {
	if s.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// ── Scoped locking ───────────────────────────────────

// WithAddressLock runs fn inside one transaction holding the account row
// locks of every address. Rows are created on first touch and locked in
// sorted order so two-party operations cannot deadlock each other. The
// transaction commits only when fn returns nil; any error or panic rolls it
// back.
func (s *Store) WithAddressLock(ctx context.Context, addrs []string, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	tx := &Tx{tx: sqlTx, s: s}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Printf("[db] rollback: %v", rbErr)
			}
		}
	}()

	locked := uniqueSorted(addrs)
	for _, a := range locked {
		if err = tx.lockAccount(ctx, a); err != nil {
			return classify(err)
		}
	}
	tx.locked = locked

	if err = fn(tx); err != nil {
		return classify(err)
	}
	if err = sqlTx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func uniqueSorted(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

// classify maps lock waits, deadlocks and serialization failures onto
// model.ErrConcurrencyConflict. Other errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrConcurrencyConflict) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", model.ErrConcurrencyConflict, pqErr.Message)
		}
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", model.ErrConcurrencyConflict, sqErr)
		}
	}
	return err
}
