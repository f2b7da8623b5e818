// Package sqlite provides an embedded SQLite driver implementation backed
// by modernc.org/sqlite. It registers itself with the driver registry on
// import and is used for local files and tests.
package sqlite

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/driver"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for SQLite database files.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "sqlite"
}

// Aliases returns alternative names for this driver.
func (d *Driver) Aliases() []string {
	return []string{"sqlite3"}
}

// Defaults returns the default configuration values for SQLite.
func (d *Driver) Defaults() driver.DriverDefaults {
	return driver.DriverDefaults{}
}

// Dialect returns the SQLite dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

// Open returns a connection pool on the database file named by cfg.Database.
func (d *Driver) Open(_ context.Context, cfg dbconfig.ConnectionConfig) (*sql.DB, error) {
	return sql.Open("sqlite", (&Dialect{}).BuildDSN(cfg))
}
