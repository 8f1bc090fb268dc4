package db

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/13ty/agor-sub000/internal/db/dialect"
)

// openPostgres connects through pgx, which pools internally; the same
// handle serves both sides of the Pool.
func openPostgres(dsn string, maxConns int) (*Pool, error) {
	if maxConns <= 0 {
		maxConns = 25
	}
	d, err := sqlx.Open(dialect.PGX, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	d.SetMaxOpenConns(maxConns)
	d.SetMaxIdleConns(maxConns / 5)
	if err := d.Ping(); err != nil {
		d.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Pool{writer: d, reader: d}, nil
}
