// Package database opens the daemon's SQLite files and applies their
// embedded schema migrations.
//
// Every store (event-log index, state store, composition index) owns
// one database file under var/db and its own migrations directory;
// this package provides the shared open/migrate mechanics so the
// pragmas and migration workflow stay identical across stores.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // register sqlite3 driver for database/sql
)

// Open opens (creating if needed) the SQLite file at path with the
// daemon's standard pragmas: WAL journaling, synchronous=NORMAL, a
// busy timeout so concurrent writers queue instead of erroring, and
// foreign keys on.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on",
		path,
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}
	return db, nil
}

// Migrate applies all pending migrations from the embedded filesystem.
//
// Migration workflow:
//  1. Schema changes are written as paired NNNN_name.{up,down}.sql
//     files under the store's migrations/ directory.
//  2. go:embed compiles them into the binary.
//  3. Each store calls Migrate on startup; already-applied versions
//     are skipped (ErrNoChange is not an error).
func Migrate(db *sql.DB, migrationsFS fs.FS, dir string) error {
	hasMigrations, err := hasEmbeddedMigrations(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files under %s", dir)
	}

	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the
	// database driver, which closes the shared *sql.DB the store keeps
	// using.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// hasEmbeddedMigrations checks the embedded FS for any .sql files.
func hasEmbeddedMigrations(migrationsFS fs.FS, dir string) (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}
