// Package migrations applies one schema's golang-migrate migration set,
// embedded in the caller's package, against a Postgres database URL.
// Grounded on another pack repo's internal/platform/migrate.go (a direct
// consumer of golang-migrate/migrate/v4, listed but unexercised by the
// teacher's own code) rather than the teacher's hand-rolled embed.FS+IF NOT
// EXISTS runner in system/platform/migrations/migrations.go, since
// golang-migrate tracks applied versions and supports down migrations,
// which three independently-evolving schemas (billing, payments, validator)
// need. The embed.FS + iofs source keeps the teacher's "ship SQL inside the
// binary" property without depending on a migrations directory existing
// next to the deployed executable.
package migrations

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

func newMigrator(databaseURL string, files fs.FS) (*migrate.Migrate, error) {
	source, err := iofs.New(files, ".")
	if err != nil {
		return nil, fmt.Errorf("open migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}

// Up applies every pending migration embedded in files to databaseURL.
func Up(databaseURL string, files fs.FS) error {
	m, err := newMigrator(databaseURL, files)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Down reverts every applied migration embedded in files. Intended for
// tests and local teardown, not production use.
func Down(databaseURL string, files fs.FS) error {
	m, err := newMigrator(databaseURL, files)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("reverting migrations: %w", err)
	}
	return nil
}
