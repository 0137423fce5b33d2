package main

import (
	"fmt"
	"io/fs"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/config"
	"github.com/akinalp/threadline/database"
	"github.com/akinalp/threadline/store"
)

// initStore opens the database, applies the embedded migrations and builds
// the document store on top of it.
func initStore(cfg *config.Config, log zerolog.Logger) (*database.DB, *store.SQLiteStore, error) {
	migrations, err := fs.Sub(database.EmbeddedMigrations, "migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	db, err := database.New(cfg.Database.Path, migrations, log)
	if err != nil {
		return nil, nil, err
	}

	return db, store.NewSQLiteStore(db.Conn, clock.New(), log), nil
}
