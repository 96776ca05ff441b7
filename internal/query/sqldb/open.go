package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/heartql/heartql/internal/config"
)

// Open returns a read-only handle for the configured driver and verifies
// it with a ping. File-backed databases must already exist.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	driverName, dsn, err := DataSource(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Driver == config.DriverSQLite || cfg.Driver == config.DriverDuckDB {
		if _, err := os.Stat(cfg.Path); err != nil {
			return nil, fmt.Errorf("database file %q: %w", cfg.Path, err)
		}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.Driver, err)
	}
	return db, nil
}

// DataSource maps the config to a database/sql driver name and a DSN that
// opens the database read-only where the driver supports it.
func DataSource(cfg config.DatabaseConfig) (string, string, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		if cfg.Path == "" {
			return "", "", fmt.Errorf("sqlite database path is required")
		}
		u := url.URL{Scheme: "file", Opaque: cfg.Path}
		params := url.Values{}
		params.Set("mode", "ro")
		params.Set("_query_only", "true")
		params.Set("_busy_timeout", "5000")
		u.RawQuery = params.Encode()
		return "sqlite3", u.String(), nil
	case config.DriverDuckDB:
		if cfg.Path == "" {
			return "", "", fmt.Errorf("duckdb database path is required")
		}
		params := url.Values{}
		params.Set("access_mode", "READ_ONLY")
		params.Set("enable_external_access", "false")
		return "duckdb", cfg.Path + "?" + params.Encode(), nil
	case config.DriverPostgres:
		if cfg.DSN == "" {
			return "", "", fmt.Errorf("postgres dsn is required")
		}
		return "pgx", cfg.DSN, nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
