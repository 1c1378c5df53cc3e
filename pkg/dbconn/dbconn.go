// Package dbconn builds database connections for the Postgres and MySQL
// backends shared by the DB verifier and the full-scan reconciler. The CDC
// sources open their own replication connections.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// OpenPostgresPool builds a pgx connection pool against dsn.
func OpenPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("dbconn: parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("dbconn: open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dbconn: ping postgres: %w", err)
	}

	return pool, nil
}

// OpenPostgresStdlib builds a database/sql handle against dsn using the
// pgx stdlib adapter, for code paths that prefer the standard interface
// over the pgx-native pool (notably the verifier's generic query path).
func OpenPostgresStdlib(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbconn: open postgres stdlib: %w", err)
	}
	return db, nil
}

// OpenMySQL builds a database/sql handle against dsn using the
// go-sql-driver/mysql driver.
func OpenMySQL(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbconn: open mysql: %w", err)
	}
	return db, nil
}
