// Package store is the typed persistence adapter for the orchestrator.
// The database is the sole synchronization point between workers and
// the inbound message handler; every wait in the system resumes by
// re-reading rows written here.
package store

import (
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/soknadhub/applyd/shared/postgresql"
)

// Store handles all database operations for the orchestrator
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates a new Store instance
func New(pg *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{
		db:     pg.GetDB(),
		logger: logger,
	}
}
