package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/sirupsen/logrus"
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect names a supported database/sql driver.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// ParseDialect accepts the driver names used in configuration.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "sqlite3", "sqlite", "":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver: %s", name)
}

// rebind rewrites ? placeholders into $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// InitDB initializes the database connection
func InitDB(dialect Dialect, dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open(string(dialect), dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if dialect == SQLite {
		// sqlite allows one writer; a single connection serializes writes in-process.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logrus.Infof("[DATABASE] Connected to %s database", dialect)
	return db, nil
}

// migrationURL turns a driver DSN into the URL form golang-migrate expects.
func migrationURL(dialect Dialect, dataSourceName string) string {
	if dialect == SQLite {
		return "sqlite3://" + strings.TrimPrefix(dataSourceName, "file:")
	}
	return dataSourceName
}

// ApplyMigrations applies the embedded migrations for dialect.
func ApplyMigrations(dialect Dialect, dataSourceName string) error {
	src, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrationURL(dialect, dataSourceName))
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logrus.Info("[DATABASE] No database migrations to apply.")
	} else {
		logrus.Info("[DATABASE] Database migrations applied successfully.")
	}
	return nil
}
