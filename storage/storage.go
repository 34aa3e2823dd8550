// Package storage selects and opens one of the storage backends based
// on command line flags, so every command exposes the same --store
// selection.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/grantsync/grantsync"
	"github.com/grantsync/grantsync/storage/csv"
	"github.com/grantsync/grantsync/storage/pebble"
	"github.com/grantsync/grantsync/storage/postgres"
	"github.com/grantsync/grantsync/storage/sqlite3"
)

// Flags is the storage selection every command registers.
type Flags struct {
	Store       string
	Dir         string
	DatabaseURL string
}

func (f *Flags) Register(flags *pflag.FlagSet) {
	flags.StringVar(&f.Store, "store", "csv", "snapshot store backend (csv|sqlite3|postgres|pebble)")
	flags.StringVar(&f.Dir, "dir", "out", "directory for file-backed stores")
	flags.StringVar(&f.DatabaseURL, "database-url", "", "connection URL for the postgres store")
}

// Open creates the selected backend. The file-backed stores create
// their directory and schema on open, the postgres store runs its
// migrations.
func (f *Flags) Open() (grantsync.Storage, error) {
	switch f.Store {
	case "csv":
		return csv.NewCSVStorage(f.Dir)
	case "sqlite3":
		if err := os.MkdirAll(f.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
		return sqlite3.NewSQLite3Storage(filepath.Join(f.Dir, "grantsync.db"))
	case "pebble":
		return pebble.NewPebbleStorage(filepath.Join(f.Dir, "pebble"))
	case "postgres":
		if f.DatabaseURL == "" {
			return nil, fmt.Errorf("--database-url is required for the postgres store")
		}
		if err := postgres.RunMigrations(f.DatabaseURL); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		return postgres.NewPostgresStorage(f.DatabaseURL)
	}
	return nil, fmt.Errorf("unknown store %q", f.Store)
}
