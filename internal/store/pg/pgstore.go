// Package pg implements the ledger, device tracker, and scan record
// repositories over one Postgres pool. Every mutation is a single
// conditional statement; the database enforces the invariants, not
// caller-side locking.
package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"veriscan.app/internal/ledger"
	"veriscan.app/migrations"
)

type Store struct {
	db        *sql.DB
	packs     map[string]ledger.Pack
	scanLimit int
	retention time.Duration
}

// Option tunes the store at Open time.
type Option func(*Store)

// WithPacks installs the purchasable pack table purchases validate against.
func WithPacks(packs map[string]ledger.Pack) Option {
	return func(s *Store) {
		s.packs = make(map[string]ledger.Pack, len(packs))
		for id, p := range packs {
			s.packs[id] = p
		}
	}
}

// WithFreeScanLimit sets the per-device free scan allowance.
func WithFreeScanLimit(n int) Option {
	return func(s *Store) { s.scanLimit = n }
}

// WithScanRetention stamps new scan records with an expiry; zero keeps them
// forever.
func WithScanRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

var gooseUpContext = goose.UpContext

// RunMigrations applies the embedded schema with goose.
func (s *Store) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, s.db, ".")
}

// --- helpers ---

// textArray adapts a []string destination to database/sql scanning of a
// Postgres text[] column.
func textArray(dst *[]string) sql.Scanner {
	return pgtype.NewMap().SQLScanner(dst)
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
