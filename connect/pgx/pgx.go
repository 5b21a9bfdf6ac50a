// Package pgx provides Postgres connectivity built on connect endpoints.
//
// Construct from any endpoint carrying the PG* attributes:
//
//	pool, err := pgx.Connect(ctx, ep)
//	defer pool.Close()
//
// or from parsed wiring:
//
//	w, _ := connect.ParseWiring(ctx)
//	pool, err := pgx.Connect(ctx, w.Egress("db"))
package pgx

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register "pgx" database/sql driver
	"github.com/matgreaves/loom/connect"
)

// DSN builds a Postgres connection string from endpoint attributes.
// Uses PGHOST/PGPORT/PGUSER/PGPASSWORD/PGDATABASE with sslmode=disable.
func DSN(ep connect.Endpoint) string {
	return connect.PostgresDSN(ep)
}

// Connect returns a pgx connection pool from a resolved Postgres endpoint.
func Connect(ctx context.Context, ep connect.Endpoint) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, DSN(ep))
}

// OpenDB returns a *sql.DB backed by the pgx driver.
func OpenDB(ep connect.Endpoint) (*sql.DB, error) {
	return sql.Open("pgx", DSN(ep))
}
