package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for golang-migrate
	log "github.com/sirupsen/logrus"

	"seqvault/internal/database/migrations"
)

// Migrate applies the embedded reference schema. golang-migrate takes a
// PostgreSQL advisory lock, so concurrent workers racing at startup apply
// it once.
func (db *DB) Migrate(ctx context.Context) error {
	return runMigrations(ctx, db.conf.ConnectionString())
}

func runMigrations(ctx context.Context, connString string) error {
	log.Info("running database migrations")

	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("database: open for migrations: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: ping for migrations: %w", err)
	}

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("database: create migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("database: create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("database: create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("database: migration failed: %w", err)
	}
	if err == migrate.ErrNoChange {
		log.Info("no migrations to apply")
	} else {
		log.Info("migrations completed")
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("database: migration version: %w", err)
	}
	if err != migrate.ErrNilVersion {
		log.WithFields(log.Fields{"version": version, "dirty": dirty}).Info("schema version")
		if dirty {
			log.Warn("schema is in a dirty state, manual intervention may be required")
		}
	}

	return nil
}
