package repository

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrator moves a database schema along the embedded migrations.
type Migrator struct {
	m       *migrate.Migrate
	release func()
}

// NewPostgresMigrator returns a Migrator using a connection from pool.
// Closing the Migrator returns the connection; the pool stays open.
func NewPostgresMigrator(pool *pgxpool.Pool) (*Migrator, error) {
	db := stdlib.OpenDBFromPool(pool)
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "postgres migrate driver")
	}
	return newMigrator("migrations/postgres", "pgx5", driver)
}

// NewSQLiteMigrator returns a Migrator for db. Closing the Migrator closes db.
func NewSQLiteMigrator(db *sql.DB) (*Migrator, error) {
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "sqlite migrate driver")
	}
	return newMigrator("migrations/sqlite", "sqlite", driver)
}

func newMigrator(dir, name string, driver database.Driver) (*Migrator, error) {
	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		_ = driver.Close()
		return nil, errors.Wrap(err, "open embedded migrations")
	}
	m, err := migrate.NewWithInstance("iofs", src, name, driver)
	if err != nil {
		_ = driver.Close()
		return nil, errors.Wrap(err, "initialize migrations")
	}
	return &Migrator{m: m}, nil
}

// Up applies every pending migration.
func (g *Migrator) Up() error {
	if err := g.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// Down rolls back steps migrations, or all of them when steps is not positive.
func (g *Migrator) Down(steps int) error {
	var err error
	if steps > 0 {
		err = g.m.Steps(-steps)
	} else {
		err = g.m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "roll back migrations")
	}
	return nil
}

// Version reports the applied schema version. ok is false on an empty schema.
func (g *Migrator) Version() (version uint, dirty bool, ok bool, err error) {
	version, dirty, err = g.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, errors.Wrap(err, "read schema version")
	}
	return version, dirty, true, nil
}

// Close releases the source and the database driver.
func (g *Migrator) Close() error {
	srcErr, dbErr := g.m.Close()
	if g.release != nil {
		g.release()
	}
	if srcErr != nil {
		return errors.Wrap(srcErr, "close migration source")
	}
	return errors.Wrap(dbErr, "close migration driver")
}

// MigratePostgres applies the embedded Postgres migrations through the pool.
func MigratePostgres(pool *pgxpool.Pool) error {
	g, err := NewPostgresMigrator(pool)
	if err != nil {
		return err
	}
	defer g.Close()
	return g.Up()
}

// MigrateSQLite applies the embedded SQLite migrations. The migrator is left
// open since closing it would close db.
func MigrateSQLite(db *sql.DB) error {
	g, err := NewSQLiteMigrator(db)
	if err != nil {
		return err
	}
	return g.Up()
}
