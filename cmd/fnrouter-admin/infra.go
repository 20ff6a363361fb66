package main

import (
	"database/sql"
	"fmt"

	"github.com/fnrouter/fnrouter/internal/bootstrap"
)

// connectDB wires up the database connection for a CLI command.
func connectDB(cmdCtx *commandContext) (*sql.DB, error) {
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	return db, nil
}

func closeDB(cmdCtx *commandContext, db *sql.DB) {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		cmdCtx.Logger.Warn("db close failed", "error", err)
	}
}
