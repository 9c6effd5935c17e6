package migrations

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
)

// Status compares the database schema with the embedded migrations.
type Status struct {
	Current uint `json:"current"`
	Latest  uint `json:"latest"`
	Dirty   bool `json:"dirty"`
}

// Pending reports whether Up would apply anything.
func (s Status) Pending() bool { return s.Current < s.Latest }

// Migrator runs the embedded provider schema against one PostgreSQL database.
type Migrator struct {
	m *migrate.Migrate
}

// NewPostgres binds the embedded migrations to db. Close releases the
// source but leaves db open.
func NewPostgres(db *sql.DB) (*Migrator, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "provider_schema_migrations"})
	if err != nil {
		return nil, fmt.Errorf("postgres driver: %w", err)
	}
	source, err := iofs.New(sqlMigrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return &Migrator{m: m}, nil
}

func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Up applies every pending migration.
func (mg *Migrator) Up() error {
	return ignoreNoChange(mg.m.Up(), "up")
}

// Down rolls back steps migrations; steps <= 0 means one.
func (mg *Migrator) Down(steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return ignoreNoChange(mg.m.Steps(-steps), "down")
}

// Goto migrates up or down to exactly version.
func (mg *Migrator) Goto(version uint) error {
	return ignoreNoChange(mg.m.Migrate(version), fmt.Sprintf("goto %d", version))
}

// Force records version as applied and clears the dirty flag without
// running any SQL. Used after repairing a failed migration by hand.
func (mg *Migrator) Force(version int) error {
	if err := mg.m.Force(version); err != nil {
		return fmt.Errorf("migrations force %d: %w", version, err)
	}
	return nil
}

func (mg *Migrator) Status() (Status, error) {
	latest, err := LatestVersion()
	if err != nil {
		return Status{}, err
	}
	current, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Latest: latest}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("migrations version: %w", err)
	}
	return Status{Current: current, Latest: latest, Dirty: dirty}, nil
}

// Apply brings db to the latest schema. A dirty database is refused.
func Apply(db *sql.DB) error {
	mg, err := NewPostgres(db)
	if err != nil {
		return err
	}
	defer mg.Close()

	before, err := mg.Status()
	if err != nil {
		return err
	}
	if before.Dirty {
		return fmt.Errorf("schema version %d is dirty; repair it and run migrate -action force", before.Current)
	}
	if !before.Pending() {
		return nil
	}
	if err := mg.Up(); err != nil {
		return err
	}
	log.WithFields(log.Fields{"from": before.Current, "to": before.Latest}).Info("provider schema migrated")
	return nil
}

// LatestVersion is the highest embedded migration version.
func LatestVersion() (uint, error) {
	src, err := iofs.New(sqlMigrations, "sql")
	if err != nil {
		return 0, fmt.Errorf("migrations source: %w", err)
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("first migration: %w", err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, fmt.Errorf("next migration after %d: %w", v, err)
		}
		v = next
	}
}

func ignoreNoChange(err error, op string) error {
	if err == nil || errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return fmt.Errorf("migrations %s: %w", op, err)
}

// migrateLogger routes golang-migrate progress to logrus at debug level.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	log.WithField("component", "migrate").Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (migrateLogger) Verbose() bool { return log.IsLevelEnabled(log.DebugLevel) }
