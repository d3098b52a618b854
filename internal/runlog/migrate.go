package runlog

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite" // sqlite:// URLs
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrator applies the embedded schema migrations to a database file.
type migrator struct {
	m *migrate.Migrate
}

func newMigrator(dbPath string) (*migrator, error) {
	dir, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("runlog: migrations directory: %w", err)
	}
	src, err := iofs.New(dir, ".")
	if err != nil {
		return nil, fmt.Errorf("runlog: migration source: %w", err)
	}

	// sqlite URLs want forward slashes and a leading slash on absolute paths.
	p := filepath.ToSlash(dbPath)
	if filepath.IsAbs(dbPath) && p[0] != '/' {
		p = "/" + p
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+p)
	if err != nil {
		return nil, fmt.Errorf("runlog: migration instance: %w", err)
	}
	return &migrator{m: m}, nil
}

func (mg *migrator) up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("runlog: apply migrations: %w", err)
	}
	return nil
}

func (mg *migrator) version() (uint, error) {
	v, dirty, err := mg.m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("runlog: migration version: %w", err)
	}
	if dirty {
		return v, fmt.Errorf("runlog: schema version %d is dirty", v)
	}
	return v, nil
}

func (mg *migrator) close() error {
	srcErr, dbErr := mg.m.Close()
	if srcErr != nil {
		return fmt.Errorf("runlog: close migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("runlog: close migration database: %w", dbErr)
	}
	return nil
}

// migrateFile brings the schema of the database at path up to date and
// returns the resulting version.
func migrateFile(path string) (version uint, err error) {
	mg, err := newMigrator(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := mg.close(); err == nil {
			err = cerr
		}
	}()
	if err := mg.up(); err != nil {
		return 0, err
	}
	return mg.version()
}
