package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is the control-plane storage layer over the shared transactional
// store.
type Postgres struct {
	db      *sqlx.DB
	startAt time.Time
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{db: db, startAt: time.Now()}, nil
}

// NewWithDB wraps an existing connection; used by tests with sqlmock.
func NewWithDB(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, startAt: time.Now()}
}

// Close closes the database.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping verifies connectivity for health checks.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Migrate applies all pending schema migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	provider, err := p.migrationProvider()
	if err != nil {
		return err
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HasPendingMigrations reports whether unapplied migrations exist.
func (p *Postgres) HasPendingMigrations(ctx context.Context) (bool, error) {
	provider, err := p.migrationProvider()
	if err != nil {
		return false, err
	}
	pending, err := provider.HasPending(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check pending migrations: %w", err)
	}
	return pending, nil
}

func (p *Postgres) migrationProvider() (*goose.Provider, error) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, p.db.DB, sub)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return provider, nil
}

// nowUTC truncates to millisecond resolution, the platform's timestamp
// contract.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
