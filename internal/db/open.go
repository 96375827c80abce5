package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/relaydev/relay/internal/common/config"
)

// Open opens the configured database and returns a read/write pool along
// with the sqlx driver name ("sqlite3" or "pgx").
func Open(cfg config.DatabaseConfig) (*Pool, string, error) {
	switch cfg.Driver {
	case "postgres":
		raw, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, 0)
		if err != nil {
			return nil, "", err
		}
		// pgx pools internally; reads and writes share one *sqlx.DB.
		shared := sqlx.NewDb(raw, "pgx")
		return NewPool(shared, shared), "pgx", nil
	case "sqlite", "sqlite3", "":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, "", err
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, "", err
		}
		return NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), "sqlite3", nil
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
