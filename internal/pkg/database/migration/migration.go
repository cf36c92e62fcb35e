// Package migration applies the SQL migrations in a folder to postgres.
package migration

import (
	"database/sql"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

const pgDriverName = "postgres"

func newMigrate(dsn, folderPath string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open(pgDriverName, dsn)
	if err != nil {
		return nil, nil, err
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+folderPath, pgDriverName, driver)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return m, func() { _, _ = m.Close() }, nil
}

// Migrate applies all pending up migrations. Being up to date is not an error.
func Migrate(dsn, folderPath string) error {
	m, closeFn, err := newMigrate(dsn, folderPath)
	if err != nil {
		return err
	}
	defer closeFn()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Down rolls back n migrations.
func Down(dsn, folderPath string, n int) error {
	m, closeFn, err := newMigrate(dsn, folderPath)
	if err != nil {
		return err
	}
	defer closeFn()
	return m.Steps(-n)
}
