package database

import (
	"database/sql"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type PgMercatoRepository struct {
	conn *sql.DB
}

func NewPgMercatoRepository(dsn string) (*PgMercatoRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgMercatoRepository{conn: db}, nil
}

func (db *PgMercatoRepository) Ping() error {
	return db.conn.Ping()
}

// Migrate applies the embedded schema migrations, ignoring
// migrate.ErrNoChange so restarts on a current schema succeed.
func (db *PgMercatoRepository) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	driver, err := postgres.WithInstance(db.conn, &postgres.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

func (db *PgMercatoRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
