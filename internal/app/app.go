// Package app wires the store for the command line: opening and migrating
// the database and seeding the mission catalog.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"eomf/internal/db"
	"eomf/internal/migrate"
)

// Open opens the database at cfg and brings its schema up to date.
func Open(ctx context.Context, cfg db.Config) (*sql.DB, error) {
	conn, err := db.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(cfg), err)
	}
	return conn, nil
}
